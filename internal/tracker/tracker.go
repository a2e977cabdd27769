// Package tracker implements the OrderTracker state machine (spec.md §4.D):
// TradeRecord creation, the single-outstanding-order read path, and the
// background reconciliation sweep that closes local status drift against
// the exchange's authoritative view, in the shape of the teacher's
// risk.Reconciler loop.
package tracker

import (
	"context"
	"sync"
	"time"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
)

// defaultGrace is how long a pending record is left alone before the
// reconciler will query it, so a just-submitted order isn't reconciled
// before the exchange has even acknowledged it.
const defaultGrace = 2 * time.Second

// OnCompleted is invoked once a TradeRecord reaches "completed", with the
// volume-weighted average fill price, so the owning bot worker can re-anchor
// its cooldown and price-step gates to fill-time (spec.md §9 open question).
type OnCompleted func(botID int64, pair string, at time.Time, price decimal.Decimal)

// Tracker owns TradeRecord creation and the reconciliation sweep.
type Tracker struct {
	store    core.Persistence
	exchange core.ExchangeClient
	logger   core.ILogger

	interval      time.Duration
	grace         time.Duration
	warningAfter  time.Duration
	criticalAfter time.Duration

	onCompleted OnCompleted

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// New creates a Tracker. interval is the reconciler's sweep period;
// warningAfter/criticalAfter are the stuck-order escalation thresholds.
func New(
	store core.Persistence,
	exchange core.ExchangeClient,
	logger core.ILogger,
	interval, warningAfter, criticalAfter time.Duration,
	onCompleted OnCompleted,
) *Tracker {
	return &Tracker{
		store:         store,
		exchange:      exchange,
		logger:        logger.WithField("component", "order_tracker"),
		interval:      interval,
		grace:         defaultGrace,
		warningAfter:  warningAfter,
		criticalAfter: criticalAfter,
		onCompleted:   onCompleted,
	}
}

// HasPending implements the single-outstanding-order rule's read side
// (spec.md §3, §4.D): true if bot botID already has a non-terminal record.
func (t *Tracker) HasPending(ctx context.Context, botID int64) (bool, error) {
	records, err := t.store.ListTradeRecordsByBot(ctx, botID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Status == core.TradePending {
			return true, nil
		}
	}
	return false, nil
}

// CreatePending creates a new pending TradeRecord. Callers (the
// TradeExecutor) must already have checked HasPending; Tracker does not
// re-check it here, since H is the sole writer that creates records.
func (t *Tracker) CreatePending(ctx context.Context, rec core.TradeRecord) (int64, error) {
	rec.Status = core.TradePending
	return t.store.CreateTradeRecord(ctx, rec)
}

// CreateFailed creates a TradeRecord that starts (and stays) in the terminal
// failed status, for an intent that was never accepted by the exchange
// (spec.md §4.H step 6: a validation error). Since the record is created
// already-terminal there is no pending-to-failed transition to race.
func (t *Tracker) CreateFailed(ctx context.Context, rec core.TradeRecord, reason string) (int64, error) {
	rec.Status = core.TradeFailed
	rec.FailureReason = reason
	return t.store.CreateTradeRecord(ctx, rec)
}

// Start runs the reconciliation sweep every interval until ctx is cancelled
// or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	t.stopped = false
	t.mu.Unlock()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Stop ends a loop started by Start.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil && !t.stopped {
		close(t.stopCh)
		t.stopped = true
	}
}

// Sweep runs one reconciliation pass over every pending record older than
// the grace window (spec.md §4.D). One record's failure never blocks
// sweeping the others.
func (t *Tracker) Sweep(ctx context.Context) core.ReconcileResult {
	var result core.ReconcileResult

	pending, err := t.store.ListTradeRecordsByStatus(ctx, core.TradePending)
	if err != nil {
		t.logger.Warn("reconciliation sweep: failed to list pending records", "error", err)
		return result
	}

	now := time.Now()
	for _, rec := range pending {
		if now.Sub(rec.SubmittedAt) < t.grace {
			result.StillPending++
			continue
		}
		result.Reconciled++
		switch t.reconcileOne(ctx, rec, now) {
		case core.TradeCompleted:
			result.Completed++
		case core.TradeFailed:
			result.Failed++
		default:
			result.StillPending++
		}
	}
	return result
}

// ExpeditePair reconciles pending records for pair immediately, bypassing
// the scheduled interval. It is not wired into the ticker path: nothing in
// the daemon calls it, so pending records are reconciled only by Sweep.
func (t *Tracker) ExpeditePair(ctx context.Context, pair string) {
	pending, err := t.store.ListTradeRecordsByStatus(ctx, core.TradePending)
	if err != nil {
		return
	}
	now := time.Now()
	for _, rec := range pending {
		if rec.Pair != pair || now.Sub(rec.SubmittedAt) < t.grace {
			continue
		}
		t.reconcileOne(ctx, rec, now)
	}
}

// reconcileOne returns the status rec reached this pass: TradeCompleted,
// TradeFailed, or TradePending if the order is still open or unreadable.
func (t *Tracker) reconcileOne(ctx context.Context, rec core.TradeRecord, now time.Time) core.TradeStatus {
	order, err := t.exchange.GetOrder(ctx, rec.ExchangeOrderID)
	if err != nil {
		t.logger.Warn("reconciliation: GetOrder failed, will retry next sweep",
			"trade_record_id", rec.ID, "exchange_order_id", rec.ExchangeOrderID, "error", err)
		t.flagStuck(ctx, rec, now)
		return core.TradePending
	}

	switch order.Status {
	case core.ExchangeOrderFilled:
		t.ingestFillsAndComplete(ctx, rec, order, now)
		return core.TradeCompleted

	case core.ExchangeOrderCancelled, core.ExchangeOrderFailed:
		if _, err := t.store.TransitionTradeRecord(ctx, rec.ID, core.TradePending, core.TradeFailed, 0,
			"exchange reported "+string(order.Status)); err != nil {
			t.logger.Error("reconciliation: failed to transition record to failed",
				"trade_record_id", rec.ID, "error", err)
		}
		return core.TradeFailed

	default: // still open
		t.flagStuck(ctx, rec, now)
		return core.TradePending
	}
}

// ingestFillsAndComplete writes every returned fill (idempotently, by
// fill_id) and transitions the record to completed exactly once: the
// TransitionTradeRecord CAS means a concurrent sweep observing the same
// terminal order can't double-fire onCompleted.
func (t *Tracker) ingestFillsAndComplete(ctx context.Context, rec core.TradeRecord, order core.ExchangeOrder, now time.Time) {
	weightedPrice := decimal.Zero
	totalBase := decimal.Zero

	for _, f := range order.Fills {
		if f.Pair == "" {
			f.Pair = rec.Pair
		}
		if f.ExchangeOrderID == "" {
			f.ExchangeOrderID = rec.ExchangeOrderID
		}
		if f.Side == "" {
			f.Side = rec.Side
		}

		inserted, err := t.store.UpsertFill(ctx, f)
		if err != nil {
			t.logger.Error("reconciliation: failed to upsert fill", "fill_id", f.FillID, "error", err)
			continue
		}
		if inserted {
			t.logger.Info("fill recorded", "fill_id", f.FillID, "trade_record_id", rec.ID, "pair", f.Pair)
		}

		weightedPrice = weightedPrice.Add(f.Price.Mul(f.BaseQty))
		totalBase = totalBase.Add(f.BaseQty)
	}

	ok, err := t.store.TransitionTradeRecord(ctx, rec.ID, core.TradePending, core.TradeCompleted, now.UnixNano(), "")
	if err != nil {
		t.logger.Error("reconciliation: failed to transition record to completed", "trade_record_id", rec.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	avgPrice := decimal.Zero
	if totalBase.Sign() > 0 {
		avgPrice = weightedPrice.Div(totalBase)
	}
	if t.onCompleted != nil {
		t.onCompleted(rec.BotID, rec.Pair, now, avgPrice)
	}
}

// flagStuck implements the warning/critical escalation (spec.md §4.D, §8
// scenario 5): a record stuck past the thresholds is flagged for operator
// attention but never force-transitioned, since the fill may still arrive.
func (t *Tracker) flagStuck(ctx context.Context, rec core.TradeRecord, now time.Time) {
	age := now.Sub(rec.SubmittedAt)

	level := core.StuckNone
	switch {
	case age >= t.criticalAfter:
		level = core.StuckCritical
	case age >= t.warningAfter:
		level = core.StuckWarning
	}

	if level == rec.Stuck {
		return
	}
	if err := t.store.SetTradeRecordStuck(ctx, rec.ID, level); err != nil {
		t.logger.Warn("failed to update stuck level", "trade_record_id", rec.ID, "error", err)
		return
	}
	if level != core.StuckNone {
		t.logger.Warn("trade record stuck", "trade_record_id", rec.ID, "level", level, "age_seconds", age.Seconds())
	}
}
