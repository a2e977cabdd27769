package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface every component depends on.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OrderRequest is the payload submitted to ExchangeClient.SubmitMarketOrder.
type OrderRequest struct {
	Pair            string
	Side            Side
	NotionalOrSize  decimal.Decimal // quote-denominated for BUY, base-denominated for SELL
	IdempotencyKey  string
}

// ExchangeOrder is the exchange's view of a submitted order.
type ExchangeOrder struct {
	ExchangeOrderID string
	Status          ExchangeOrderStatus
	Fills           []Fill
}

// ExchangeOrderStatus is the exchange-reported lifecycle of an order.
type ExchangeOrderStatus string

const (
	ExchangeOrderOpen      ExchangeOrderStatus = "open"
	ExchangeOrderFilled    ExchangeOrderStatus = "filled"
	ExchangeOrderCancelled ExchangeOrderStatus = "cancelled"
	ExchangeOrderFailed    ExchangeOrderStatus = "failed"
)

// ExchangeClient is the outbound contract to a single exchange (spec.md §6).
// All calls may fail with an apperrors.Kind-classified error.
type ExchangeClient interface {
	ListBalances(ctx context.Context) (map[string]Balance, error)
	GetCandles(ctx context.Context, pair string, interval string, limit int) ([]Candle, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (ExchangeOrder, error)
}

// MarketFeed is the inbound streaming contract (spec.md §6).
type MarketFeed interface {
	Subscribe(ctx context.Context, pairs []string, onTick func(TickerEvent)) error
	Unsubscribe(pairs []string) error
	Healthy() bool
}

// Persistence is the storage contract for bots, trade records and fills
// (spec.md §6 "Persisted state layout").
type Persistence interface {
	// Bots
	CreateBot(ctx context.Context, bot Bot) (int64, error)
	GetBot(ctx context.Context, id int64) (Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)
	UpdateBotStatus(ctx context.Context, id int64, status BotStatus) error
	UpdateBotConfig(ctx context.Context, id int64, signal SignalConfig, envelope TradeEnvelope) error

	// TradeRecords
	CreateTradeRecord(ctx context.Context, rec TradeRecord) (int64, error)
	TransitionTradeRecord(ctx context.Context, id int64, from, to TradeStatus, filledAt int64, reason string) (bool, error)
	GetTradeRecord(ctx context.Context, id int64) (TradeRecord, error)
	ListTradeRecordsByBot(ctx context.Context, botID int64) ([]TradeRecord, error)
	ListTradeRecordsByStatus(ctx context.Context, status TradeStatus) ([]TradeRecord, error)
	SetTradeRecordStuck(ctx context.Context, id int64, level StuckLevel) error

	// Fills
	UpsertFill(ctx context.Context, fill Fill) (bool, error) // bool: true if newly inserted
	ListFillsByPair(ctx context.Context, pair string) ([]Fill, error)
}

// IndicatorEngine is the pure, stateless scoring contract (spec.md §4.E).
type IndicatorEngine interface {
	Score(candles []Candle, cfg SignalConfig) (score float64, ok bool)
}
