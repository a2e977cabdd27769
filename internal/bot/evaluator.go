// Package bot implements the BotEvaluator: the per-bot state machine that
// turns routed ticks into order intents, in the per-instance-actor shape the
// teacher's orchestrator uses for per-symbol trading slices.
package bot

import (
	"context"
	"sync"
	"time"

	"botctl/internal/account"
	"botctl/internal/core"

	"github.com/shopspring/decimal"
)

const minUSDPrecheckDefault = 5

// candleInterval is the canonical bucket the IndicatorEngine is scored
// against.
const candleInterval = "1m"
const candleLookback = 200

// Evaluator owns one RUNNING bot's evaluation state. A single instance must
// never be driven by two goroutines concurrently; callers (the router's
// per-subscription dispatch) already serialize ticks per bot.
type Evaluator struct {
	logger core.ILogger

	accountCache *account.Cache
	exchange     core.ExchangeClient
	indicators   core.IndicatorEngine
	store        core.Persistence
	emitIntent   func(core.OrderIntent)

	mu    sync.RWMutex
	bot   core.Bot
	state core.BotState

	candles      []core.Candle
	candlesAsOf  time.Time
	minUSDPrecheck decimal.Decimal
}

// New creates an Evaluator for bot. emitIntent is called synchronously from
// within HandleTick whenever the confirmation window closes on a non-HOLD
// action; the caller is expected to hand it off to the executor
// asynchronously so HandleTick never blocks on submission.
func New(
	bot core.Bot,
	accountCache *account.Cache,
	exchange core.ExchangeClient,
	indicators core.IndicatorEngine,
	store core.Persistence,
	logger core.ILogger,
	emitIntent func(core.OrderIntent),
) *Evaluator {
	return &Evaluator{
		logger:         logger.WithField("component", "bot_evaluator").WithField("bot_id", bot.ID),
		accountCache:   accountCache,
		exchange:       exchange,
		indicators:     indicators,
		store:          store,
		emitIntent:     emitIntent,
		bot:            bot,
		minUSDPrecheck: decimal.NewFromInt(minUSDPrecheckDefault),
	}
}

// SetMinUSDPrecheck overrides the default $5 low-balance optimization
// threshold, e.g. from orders.min_usd_precheck.
func (e *Evaluator) SetMinUSDPrecheck(v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minUSDPrecheck = v
}

// UpdateConfig replaces the bot's configuration. The old copy is discarded
// wholesale rather than mutated in place, per the never-mutate-in-place
// ownership rule.
func (e *Evaluator) UpdateConfig(bot core.Bot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bot = bot
}

// State returns a snapshot of the bot's current observable state.
func (e *Evaluator) State() core.BotState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Pair returns the bot's trading pair.
func (e *Evaluator) Pair() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bot.Pair
}

// HandleTick runs the full evaluation cycle (spec §4.G steps 1-7) for one
// price tick. It must be called serially for a given Evaluator.
func (e *Evaluator) HandleTick(ctx context.Context, tick core.TickerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bot.Status != core.BotRunning {
		return
	}

	// Step 1: optimization pre-check.
	if e.bot.Envelope.SkipSignalsOnLowBal {
		if !e.hasTradableBalance(ctx, tick.Price) {
			e.publishLocked(0, core.Side(""), core.ReasonOptimizationSkipped)
			return
		}
	}

	// Single-outstanding-order awareness: a pending TradeRecord blocks new
	// confirmations from starting, same as it blocks H from submitting.
	if e.hasPendingRecordLocked(ctx) {
		e.cancelConfirmationLocked()
		e.publishLocked(e.state.LastScore, core.Side(""), core.ReasonPendingOrder)
		return
	}

	// Step 2: score.
	candles := e.candlesLocked(ctx, tick)
	score, ok := e.indicators.Score(candles, e.bot.Signal)
	if !ok {
		e.cancelConfirmationLocked()
		e.publishLocked(0, core.Side(""), core.ReasonNoSignal)
		return
	}

	// Step 3: intent.
	intent := e.rawIntent(score)

	// Step 4: cooldown, anchored to last_completed_trade_at (fill time).
	if intent != "" && !e.state.LastCompletedTradeAt.IsZero() {
		cooldown := time.Duration(e.bot.Envelope.CooldownMinutes) * time.Minute
		if time.Since(e.state.LastCompletedTradeAt) < cooldown {
			e.cancelConfirmationLocked()
			e.publishLocked(score, intent, core.ReasonCoolingDown)
			return
		}
	}

	// Step 5: price-step gate.
	if intent != "" && e.bot.Envelope.MinPriceStepPct.Sign() > 0 && !e.state.LastCompletedTradePrice.IsZero() {
		if !priceSteppedEnough(e.state.LastCompletedTradePrice, tick.Price, e.bot.Envelope.MinPriceStepPct, intent) {
			e.cancelConfirmationLocked()
			e.publishLocked(score, intent, core.ReasonAwaitingPriceStep)
			return
		}
	}

	// Step 6: confirmation window.
	reason := e.advanceConfirmationLocked(intent, score, tick)

	// Step 7: publish.
	e.publishLocked(score, intent, reason)
}

// rawIntent implements step 3. BUY on score <= -buy_threshold, SELL on
// score >= +sell_threshold, else HOLD ("").
func (e *Evaluator) rawIntent(score float64) core.Side {
	buyThresh := e.bot.Envelope.BuyThreshold
	sellThresh := e.bot.Envelope.SellThreshold
	switch {
	case score <= -buyThresh:
		return core.SideBuy
	case score >= sellThresh:
		return core.SideSell
	default:
		return ""
	}
}

func priceSteppedEnough(lastPrice, current, minStepPct decimal.Decimal, intent core.Side) bool {
	if lastPrice.IsZero() {
		return true
	}
	delta := current.Sub(lastPrice).Div(lastPrice)
	switch intent {
	case core.SideBuy:
		// A BUY wants the price to have moved down by at least minStepPct.
		return delta.Neg().GreaterThanOrEqual(minStepPct)
	case core.SideSell:
		return delta.GreaterThanOrEqual(minStepPct)
	default:
		return true
	}
}

// advanceConfirmationLocked implements step 6 and returns the blocking
// reason to publish (ReasonNone if an intent fired or the bot is clear to
// trade once the confirmation closes).
func (e *Evaluator) advanceConfirmationLocked(intent core.Side, score float64, tick core.TickerEvent) core.BlockingReason {
	confirm := &e.state.Confirmation

	if intent == "" {
		e.cancelConfirmationLocked()
		return core.ReasonNoSignal
	}

	now := tick.Ts
	if confirm.Active && confirm.Action == intent {
		if !now.Before(confirm.Deadline) {
			e.emitIntent(core.OrderIntent{
				BotID:          e.bot.ID,
				Pair:           e.bot.Pair,
				Side:           intent,
				NotionalUSD:    e.bot.Envelope.PositionSizeUSD,
				ReferencePrice: tick.Price,
				OriginScore:    confirm.ScoreAtStart,
			})
			*confirm = core.Confirmation{}
			return core.ReasonNone
		}
		return core.ReasonConfirming
	}

	// Either no active confirmation, or it opposes this intent: (re)start.
	*confirm = core.Confirmation{
		Active:        true,
		Action:        intent,
		StartedAt:     now,
		Deadline:      now.Add(time.Duration(e.bot.Envelope.ConfirmationMinutes) * time.Minute),
		ActionAtStart: intent,
		ScoreAtStart:  score,
	}
	return core.ReasonConfirming
}

func (e *Evaluator) cancelConfirmationLocked() {
	e.state.Confirmation = core.Confirmation{}
}

func (e *Evaluator) publishLocked(score float64, next core.Side, reason core.BlockingReason) {
	e.state.LastScore = score
	e.state.Temperature = core.TemperatureFromScore(score)
	e.state.NextAction = next
	e.state.BlockingReason = reason
}

// RecordCompletedTrade updates cooldown/price-step anchors after the
// reconciler observes a TradeRecord complete with its fills.
func (e *Evaluator) RecordCompletedTrade(at time.Time, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.LastCompletedTradeAt = at
	e.state.LastCompletedTradePrice = price
}

func (e *Evaluator) hasTradableBalance(ctx context.Context, price decimal.Decimal) bool {
	balances, err := e.accountCache.ListBalances(ctx)
	if err != nil {
		e.logger.Warn("account cache unavailable for low-balance precheck", "error", err)
		return true // fail open: don't silently starve the bot of evaluation on a cache error
	}

	usd := balances["USD"]
	if usd.Available.GreaterThanOrEqual(e.minUSDPrecheck) {
		return true
	}

	base := baseCurrency(e.bot.Pair)
	crypto := balances[base]
	minBase := e.minUSDPrecheck.Div(priceOrOne(price))
	return crypto.Available.GreaterThanOrEqual(minBase)
}

func (e *Evaluator) hasPendingRecordLocked(ctx context.Context) bool {
	records, err := e.store.ListTradeRecordsByBot(ctx, e.bot.ID)
	if err != nil {
		e.logger.Warn("failed to check pending trade records", "error", err)
		return false
	}
	for _, r := range records {
		if r.Status == core.TradePending {
			return true
		}
	}
	return false
}

func (e *Evaluator) candlesLocked(ctx context.Context, tick core.TickerEvent) []core.Candle {
	if !e.candlesAsOf.IsZero() && tick.Ts.Sub(e.candlesAsOf) < time.Minute && len(e.candles) > 0 {
		return e.candles
	}

	candles, err := e.exchange.GetCandles(ctx, e.bot.Pair, candleInterval, candleLookback)
	if err != nil {
		e.logger.Warn("candle refresh failed, using stale series", "error", err)
		return e.candles
	}

	e.candles = candles
	e.candlesAsOf = tick.Ts
	return e.candles
}

func baseCurrency(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' {
			return pair[:i]
		}
	}
	return pair
}

func priceOrOne(p decimal.Decimal) decimal.Decimal {
	if p.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p
}
