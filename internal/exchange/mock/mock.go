// Package mock provides a deterministic in-process core.ExchangeClient and
// core.MarketFeed for tests, replacing real network I/O.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botctl/internal/core"
	apperrors "botctl/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange is a scriptable fake exchange. Tests populate its fields and
// queues directly instead of going through a constructor with a dozen
// options.
type Exchange struct {
	mu sync.Mutex

	Balances map[string]core.Balance
	Candles  map[string][]core.Candle

	// Orders holds every order ever submitted, keyed by the synthetic
	// exchange order id this mock assigns.
	Orders map[string]core.ExchangeOrder

	// NextOrderErr, when set, is returned once by the next SubmitMarketOrder
	// call and then cleared.
	NextOrderErr error

	// IdempotencyKeys maps an incoming idempotency key to the order id
	// already created for it, so resubmission returns the same order
	// instead of creating a duplicate.
	IdempotencyKeys map[string]string

	orderSeq int

	subscribers map[string][]func(core.TickerEvent)
	healthy     bool
}

// New returns an empty Exchange ready for a test to populate.
func New() *Exchange {
	return &Exchange{
		Balances:        make(map[string]core.Balance),
		Candles:         make(map[string][]core.Candle),
		Orders:          make(map[string]core.ExchangeOrder),
		IdempotencyKeys: make(map[string]string),
		subscribers:     make(map[string][]func(core.TickerEvent)),
		healthy:         true,
	}
}

// ListBalances implements core.ExchangeClient.
func (e *Exchange) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]core.Balance, len(e.Balances))
	for k, v := range e.Balances {
		out[k] = v
	}
	return out, nil
}

// GetCandles implements core.ExchangeClient.
func (e *Exchange) GetCandles(ctx context.Context, pair string, interval string, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	candles := e.Candles[pair]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// SubmitMarketOrder implements core.ExchangeClient. Orders are accepted
// immediately and stay Open until a test calls CompleteOrder/FailOrder.
func (e *Exchange) SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.NextOrderErr != nil {
		err := e.NextOrderErr
		e.NextOrderErr = nil
		return "", err
	}

	if req.IdempotencyKey != "" {
		if existing, ok := e.IdempotencyKeys[req.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	e.orderSeq++
	id := fmt.Sprintf("mock-order-%d", e.orderSeq)
	e.Orders[id] = core.ExchangeOrder{
		ExchangeOrderID: id,
		Status:          core.ExchangeOrderOpen,
	}
	if req.IdempotencyKey != "" {
		e.IdempotencyKeys[req.IdempotencyKey] = id
	}
	return id, nil
}

// GetOrder implements core.ExchangeClient.
func (e *Exchange) GetOrder(ctx context.Context, exchangeOrderID string) (core.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.Orders[exchangeOrderID]
	if !ok {
		return core.ExchangeOrder{}, apperrors.ErrOrderNotFound
	}
	return order, nil
}

// CompleteOrder marks an order filled with the given fills, as a test's
// stand-in for the exchange actually executing a market order.
func (e *Exchange) CompleteOrder(exchangeOrderID string, fills []core.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.Orders[exchangeOrderID]
	order.Status = core.ExchangeOrderFilled
	order.Fills = fills
	e.Orders[exchangeOrderID] = order
}

// FailOrder marks an order failed.
func (e *Exchange) FailOrder(exchangeOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.Orders[exchangeOrderID]
	order.Status = core.ExchangeOrderFailed
	e.Orders[exchangeOrderID] = order
}

// Subscribe implements core.MarketFeed.
func (e *Exchange) Subscribe(ctx context.Context, pairs []string, onTick func(core.TickerEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range pairs {
		e.subscribers[p] = append(e.subscribers[p], onTick)
	}
	return nil
}

// Unsubscribe implements core.MarketFeed.
func (e *Exchange) Unsubscribe(pairs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range pairs {
		delete(e.subscribers, p)
	}
	return nil
}

// Healthy implements core.MarketFeed.
func (e *Exchange) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// SetHealthy lets a test simulate the feed going stale.
func (e *Exchange) SetHealthy(h bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = h
}

// PushTick delivers a synthetic ticker event to every subscriber of pair, as
// a test's replacement for a real WebSocket message.
func (e *Exchange) PushTick(pair string, price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	handlers := make([]func(core.TickerEvent), len(e.subscribers[pair]))
	copy(handlers, e.subscribers[pair])
	e.mu.Unlock()

	event := core.TickerEvent{Pair: pair, Price: price, Ts: ts}
	for _, h := range handlers {
		h(event)
	}
}
