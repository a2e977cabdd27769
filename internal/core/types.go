// Package core defines the shared types and interfaces that every bot-controller
// component is built against.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// BotStatus is a bot's lifecycle state.
type BotStatus string

const (
	BotStopped BotStatus = "STOPPED"
	BotRunning BotStatus = "RUNNING"
)

// Temperature is a coarse display bucket derived from |score|.
type Temperature string

const (
	TemperatureHot    Temperature = "HOT"
	TemperatureWarm   Temperature = "WARM"
	TemperatureCool   Temperature = "COOL"
	TemperatureFrozen Temperature = "FROZEN"
)

// TemperatureFromScore is a pure function of |score| (spec invariant: same
// score always yields the same temperature).
func TemperatureFromScore(score float64) Temperature {
	abs := score
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 0.3:
		return TemperatureHot
	case abs >= 0.15:
		return TemperatureWarm
	case abs >= 0.05:
		return TemperatureCool
	default:
		return TemperatureFrozen
	}
}

// BlockingReason explains why a bot is not about to trade.
type BlockingReason string

const (
	ReasonNone                BlockingReason = ""
	ReasonNoSignal            BlockingReason = "no_signal"
	ReasonConfirming          BlockingReason = "confirming"
	ReasonCoolingDown         BlockingReason = "cooling_down"
	ReasonPendingOrder        BlockingReason = "pending_order"
	ReasonInsufficientBalance BlockingReason = "insufficient_balance"
	ReasonAwaitingPriceStep   BlockingReason = "awaiting_price_step"
	ReasonAuthDegraded        BlockingReason = "auth_degraded"
	ReasonOptimizationSkipped BlockingReason = "optimization_skipped"
)

// IndicatorConfig is one enabled indicator and its weight inside a bot's
// signal configuration.
type IndicatorConfig struct {
	Name   string // "rsi", "ma_crossover", "macd"
	Weight float64

	// RSI
	RSIPeriod       int
	RSIBuyThresh    float64 // maps to score -1
	RSISellThresh   float64 // maps to score +1

	// MA crossover
	MAFastPeriod int
	MASlowPeriod int

	// MACD
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// SignalConfig is a bot's ordered, weighted set of enabled indicators.
type SignalConfig struct {
	Indicators []IndicatorConfig
}

// WeightSum returns the sum of enabled indicator weights.
func (s SignalConfig) WeightSum() float64 {
	sum := 0.0
	for _, ind := range s.Indicators {
		sum += ind.Weight
	}
	return sum
}

// TradeEnvelope holds a bot's order-sizing and timing parameters.
type TradeEnvelope struct {
	PositionSizeUSD        decimal.Decimal
	ConfirmationMinutes    int
	CooldownMinutes        int
	SkipSignalsOnLowBal    bool
	MinPriceStepPct        decimal.Decimal // zero disables the gate
	BuyThreshold           float64         // default 0.05
	SellThreshold          float64         // default 0.05
}

// Confirmation is the sum type described in spec.md §9: either absent, or an
// active, timestamped, single action awaiting confirmation.
type Confirmation struct {
	Active        bool
	Action        Side
	StartedAt     time.Time
	Deadline      time.Time
	ActionAtStart Side
	ScoreAtStart  float64
}

// Bot is the persisted configuration + identity of one trading agent.
type Bot struct {
	ID       int64
	Name     string
	Pair     string
	Status   BotStatus
	Signal   SignalConfig
	Envelope TradeEnvelope
}

// Validate enforces the spec.md §3 configuration invariants.
func (b Bot) Validate() error {
	if b.Pair == "" {
		return ErrUnknownPair
	}
	if b.Envelope.PositionSizeUSD.Sign() <= 0 {
		return ErrNonPositiveNotional
	}
	sum := b.Signal.WeightSum()
	if sum < 1.0-1e-6 || sum > 1.0+1e-6 {
		return ErrWeightsNotOne
	}
	return nil
}

// BotState is a bot's ephemeral, in-memory evaluation state (spec.md §3).
type BotState struct {
	LastScore               float64
	Temperature             Temperature
	Confirmation            Confirmation
	LastCompletedTradeAt     time.Time
	LastCompletedTradePrice  decimal.Decimal
	NextAction               Side
	BlockingReason           BlockingReason
	LastFailureMessage       string
}

// Candle is a time-bucketed OHLCV observation.
type Candle struct {
	Ts     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// TickerEvent is a single price observation from the streaming feed.
type TickerEvent struct {
	Pair  string
	Price decimal.Decimal
	Ts    time.Time
}

// OrderIntent is the in-process, never-persisted decision to submit an order.
type OrderIntent struct {
	BotID         int64
	Pair          string
	Side          Side
	NotionalUSD   decimal.Decimal
	ReferencePrice decimal.Decimal
	OriginScore   float64
}

// TradeStatus is a TradeRecord's lifecycle state.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
)

// StuckLevel is the reconciliation escalation level of a pending TradeRecord.
type StuckLevel string

const (
	StuckNone     StuckLevel = ""
	StuckWarning  StuckLevel = "warning"
	StuckCritical StuckLevel = "critical"
)

// TradeRecord is the locally tracked order, from "pending" to terminal.
type TradeRecord struct {
	ID                  int64
	BotID               int64
	Pair                string
	Side                Side
	SubmittedNotionalUSD decimal.Decimal
	SubmittedAt         time.Time
	ExchangeOrderID     string
	Status              TradeStatus
	FilledAt            time.Time
	OriginScore         float64
	FailureReason       string
	Stuck               StuckLevel
}

// Fill is an exchange-reported execution, the authoritative unit for P&L.
type Fill struct {
	FillID          string
	ExchangeOrderID string
	Pair            string
	Side            Side
	BaseQty         decimal.Decimal
	QuoteValueUSD   decimal.Decimal
	Price           decimal.Decimal
	CommissionUSD   decimal.Decimal
	ExecutedAt      time.Time
}

// TradeProgressEvent is emitted by the TradeExecutor as an order moves
// through submission.
type TradeProgressEvent struct {
	BotID  int64
	Pair   string
	Kind   string // "placed", "failed", "transient_error"
	Record TradeRecord
	Err    error
}

// ReconcileResult summarizes one reconciliation pass over pending trade
// records. A full Sweep covers every pair and leaves Pair empty.
type ReconcileResult struct {
	Pair         string
	Reconciled   int
	Completed    int
	Failed       int
	StillPending int
}

// Balance is a single currency's cached available/held amounts.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Held      decimal.Decimal
	AgeMillis int64
}
