// Package executor implements the TradeExecutor (spec.md §4.H): the single
// path by which an OrderIntent becomes a submitted exchange order and a
// pending TradeRecord. Grounded on the teacher's
// internal/trading/order/executor.go (rate limiting, ring-buffer health,
// OTel instrumentation), but deliberately without its retry loop: spec.md
// §4.H/§7 require that a failed submission is simply reported and left for
// the next tick to re-evaluate, not retried in place.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botctl/internal/account"
	"botctl/internal/authguard"
	"botctl/internal/core"
	apperrors "botctl/pkg/errors"
	"botctl/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// estimatedFeeRate is the conservative commission margin added on top of a
// BUY's notional when checking available USD (spec.md §4.H step 2: "USD ≥
// notional + estimated fee"). It is a safety margin, not a fee quote — the
// exchange's actual commission is only known once a fill is reported.
const estimatedFeeRate = "0.005"

// PendingChecker is the subset of tracker.Tracker the executor needs, kept
// as an interface so tests can fake it without a real Persistence.
type PendingChecker interface {
	HasPending(ctx context.Context, botID int64) (bool, error)
	CreatePending(ctx context.Context, rec core.TradeRecord) (int64, error)
	CreateFailed(ctx context.Context, rec core.TradeRecord, reason string) (int64, error)
}

// Executor submits OrderIntents to the exchange, enforcing the
// single-outstanding-order rule and rate limit before every call.
type Executor struct {
	exchange     core.ExchangeClient
	tracker      PendingChecker
	accountCache *account.Cache
	logger       core.ILogger
	authGuard    *authguard.Guard

	errorMu         sync.Mutex
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int

	tracer         trace.Tracer
	placedCounter  metric.Int64Counter
	failedCounter  metric.Int64Counter
	skippedCounter metric.Int64Counter
}

// New creates an Executor. authGuard may be nil if auth-degraded gating is
// not wired (e.g. in unit tests against a mock exchange). accountCache may
// also be nil, in which case the balance re-check (spec.md §4.H step 2) is
// skipped — used by tests that exercise submission in isolation.
func New(exchange core.ExchangeClient, tracker PendingChecker, accountCache *account.Cache, logger core.ILogger, authGuard *authguard.Guard) *Executor {
	tracer := telemetry.GetTracer("trade_executor")
	meter := telemetry.GetMeter("trade_executor")

	placed, _ := meter.Int64Counter("trade_orders_placed_total",
		metric.WithDescription("Orders successfully submitted to the exchange"))
	failed, _ := meter.Int64Counter("trade_orders_failed_total",
		metric.WithDescription("Order submissions rejected by the exchange"))
	skipped, _ := meter.Int64Counter("trade_orders_skipped_total",
		metric.WithDescription("Order intents skipped (pending order already outstanding, or auth-degraded)"))

	return &Executor{
		exchange:        exchange,
		tracker:         tracker,
		accountCache:    accountCache,
		logger:          logger.WithField("component", "trade_executor"),
		authGuard:       authGuard,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          tracer,
		placedCounter:   placed,
		failedCounter:   failed,
		skippedCounter:  skipped,
	}
}

// Submit attempts to place intent's order exactly once. It enforces the
// single-outstanding-order invariant (spec.md §3, §4.D) and the
// process-wide auth-degraded gate before talking to the exchange. On
// failure it classifies the error and returns; there is no retry loop here
// — the bot's next tick naturally re-evaluates and re-submits if the
// conditions that produced the intent still hold.
func (e *Executor) Submit(ctx context.Context, intent core.OrderIntent) error {
	ctx, span := e.tracer.Start(ctx, "Submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("bot_id", intent.BotID),
		attribute.String("pair", intent.Pair),
		attribute.String("side", string(intent.Side)),
	)

	if e.authGuard != nil && e.authGuard.Tripped() {
		e.skippedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "auth_degraded")))
		return fmt.Errorf("trade executor: %w: %s", apperrors.ErrAuthenticationFailed, e.authGuard.Reason())
	}

	hasPending, err := e.tracker.HasPending(ctx, intent.BotID)
	if err != nil {
		return fmt.Errorf("trade executor: check pending: %w", err)
	}
	if hasPending {
		e.skippedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "pending_exists")))
		return fmt.Errorf("trade executor: bot %d already has a pending order", intent.BotID)
	}

	if err := e.checkBalance(ctx, intent); err != nil {
		e.skippedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "insufficient_balance")))
		e.logger.Warn("order intent dropped: insufficient balance",
			"bot_id", intent.BotID, "pair", intent.Pair, "side", intent.Side, "error", err)
		return err
	}

	req := core.OrderRequest{
		Pair:           intent.Pair,
		Side:           intent.Side,
		NotionalOrSize: sizeFor(intent),
		IdempotencyKey: uuid.NewString(),
	}

	now := time.Now()
	exchangeOrderID, err := e.exchange.SubmitMarketOrder(ctx, req)
	if err != nil {
		kind := apperrors.Classify(err)
		e.recordError()
		e.failedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pair", intent.Pair),
			attribute.String("kind", string(kind)),
		))
		e.logger.Warn("order submission failed",
			"bot_id", intent.BotID, "pair", intent.Pair, "side", intent.Side, "kind", kind, "error", err)

		if kind == apperrors.KindValidation {
			rec := core.TradeRecord{
				BotID:                intent.BotID,
				Pair:                 intent.Pair,
				Side:                 intent.Side,
				SubmittedNotionalUSD: intent.NotionalUSD,
				SubmittedAt:          now,
				OriginScore:          intent.OriginScore,
			}
			if _, ferr := e.tracker.CreateFailed(ctx, rec, err.Error()); ferr != nil {
				e.logger.Error("failed to record validation failure as a TradeRecord",
					"bot_id", intent.BotID, "pair", intent.Pair, "error", ferr)
			}
		}
		return err
	}

	e.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pair", intent.Pair)))

	rec := core.TradeRecord{
		BotID:                intent.BotID,
		Pair:                 intent.Pair,
		Side:                 intent.Side,
		SubmittedNotionalUSD: intent.NotionalUSD,
		SubmittedAt:          now,
		ExchangeOrderID:      exchangeOrderID,
		OriginScore:          intent.OriginScore,
	}
	if _, err := e.tracker.CreatePending(ctx, rec); err != nil {
		return fmt.Errorf("trade executor: order %s submitted but failed to record: %w", exchangeOrderID, err)
	}

	e.logger.Info("order submitted", "bot_id", intent.BotID, "pair", intent.Pair,
		"side", intent.Side, "exchange_order_id", exchangeOrderID)
	return nil
}

// CheckHealth returns an error once too many submissions have failed
// recently, reusing the teacher's ring-buffer recent-error tracker.
func (e *Executor) CheckHealth() error {
	if count := e.recentErrorCount(5 * time.Minute); count > 50 {
		return fmt.Errorf("trade executor: high error rate: %d failures in last 5 minutes", count)
	}
	return nil
}

// checkBalance re-checks with the AccountCache (spec.md §4.H step 2): BUY
// requires USD ≥ notional plus an estimated fee margin; SELL requires the
// base currency quantity implied by notional/reference_price. A nil
// accountCache (unit tests driving the executor directly) skips the check.
func (e *Executor) checkBalance(ctx context.Context, intent core.OrderIntent) error {
	if e.accountCache == nil {
		return nil
	}

	switch intent.Side {
	case core.SideBuy:
		usd, err := e.accountCache.GetBalance(ctx, "USD")
		if err != nil {
			return fmt.Errorf("trade executor: balance check: %w", err)
		}
		feeRate, _ := decimal.NewFromString(estimatedFeeRate)
		required := intent.NotionalUSD.Add(intent.NotionalUSD.Mul(feeRate))
		if usd.Available.LessThan(required) {
			return fmt.Errorf("trade executor: %w: USD available %s below required %s",
				apperrors.ErrInsufficientFunds, usd.Available, required)
		}
		return nil

	case core.SideSell:
		base := baseCurrency(intent.Pair)
		bal, err := e.accountCache.GetBalance(ctx, base)
		if err != nil {
			return fmt.Errorf("trade executor: balance check: %w", err)
		}
		requiredBase := sizeFor(intent)
		if bal.Available.LessThan(requiredBase) {
			return fmt.Errorf("trade executor: %w: %s available %s below required %s",
				apperrors.ErrInsufficientFunds, base, bal.Available, requiredBase)
		}
		return nil

	default:
		return nil
	}
}

// sizeFor computes the submit payload amount (spec.md §4.H step 3):
// quote-denominated notional for BUY, base-denominated size derived from
// reference_price for SELL.
func sizeFor(intent core.OrderIntent) decimal.Decimal {
	if intent.Side == core.SideSell && intent.ReferencePrice.Sign() > 0 {
		return intent.NotionalUSD.Div(intent.ReferencePrice)
	}
	return intent.NotionalUSD
}

func baseCurrency(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' {
			return pair[:i]
		}
	}
	return pair
}

func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
		return
	}
	e.errorTimestamps[e.errorIndex] = time.Now()
	e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
