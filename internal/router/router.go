// Package router implements the TickerRouter: it fans a single exchange
// price stream out to per-bot subscribers, rejecting non-monotone
// timestamps and coalescing bursts so a slow bot evaluator never backs up
// the feed.
package router

import (
	"sync"
	"sync/atomic"

	"botctl/internal/core"
	"botctl/pkg/concurrency"
)

type subscription struct {
	botID   int64
	handler func(core.TickerEvent)

	pending atomic.Value // holds core.TickerEvent
	dirty   atomic.Bool  // pending holds an event the worker hasn't processed yet
	queued  atomic.Bool  // a worker task is currently active for this subscription
}

// Router dispatches TickerEvents to per-pair, per-bot subscribers. Only the
// latest event is ever queued per bot: if the worker pool is still busy with
// a bot's previous tick when a new one arrives, the new tick overwrites the
// old one rather than piling up in a queue (drop-oldest).
type Router struct {
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu            sync.RWMutex
	subscriptions map[string][]*subscription // pair -> subscribers
	lastTs        map[string]int64           // pair -> last accepted unix nanos
}

// New creates a Router backed by a bounded worker pool sized per
// concurrency.bot_pool_size / concurrency.bot_queue_capacity.
func New(logger core.ILogger, poolSize, queueCapacity int) *Router {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ticker_router",
		MaxWorkers:  poolSize,
		MaxCapacity: queueCapacity,
		NonBlocking: true,
	}, logger)

	return &Router{
		logger:        logger.WithField("component", "ticker_router"),
		pool:          pool,
		subscriptions: make(map[string][]*subscription),
		lastTs:        make(map[string]int64),
	}
}

// Subscribe registers handler to receive ticks for pair on behalf of botID.
func (r *Router) Subscribe(pair string, botID int64, handler func(core.TickerEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &subscription{botID: botID, handler: handler}
	r.subscriptions[pair] = append(r.subscriptions[pair], sub)
}

// Unsubscribe removes every subscription botID holds for pair.
func (r *Router) Unsubscribe(pair string, botID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscriptions[pair]
	filtered := subs[:0]
	for _, s := range subs {
		if s.botID != botID {
			filtered = append(filtered, s)
		}
	}
	r.subscriptions[pair] = filtered
}

// Route is the MarketFeed.Subscribe callback: it enforces the
// pair-level monotone-timestamp gate and fans the tick out to every
// subscriber of that pair.
func (r *Router) Route(event core.TickerEvent) {
	r.mu.Lock()
	last, seen := r.lastTs[event.Pair]
	if seen && event.Ts.UnixNano() <= last {
		r.mu.Unlock()
		r.logger.Debug("dropping non-monotone tick", "pair", event.Pair, "ts", event.Ts)
		return
	}
	r.lastTs[event.Pair] = event.Ts.UnixNano()
	subs := make([]*subscription, len(r.subscriptions[event.Pair]))
	copy(subs, r.subscriptions[event.Pair])
	r.mu.Unlock()

	for _, sub := range subs {
		r.dispatch(sub, event)
	}
}

func (r *Router) dispatch(sub *subscription, event core.TickerEvent) {
	sub.pending.Store(event)
	sub.dirty.Store(true)

	if !sub.queued.CompareAndSwap(false, true) {
		// A task is already active for this bot; it will notice dirty is
		// set and pick up the freshly stored event on its next pass, so the
		// event this replaced is intentionally dropped (drop-oldest).
		return
	}

	err := r.pool.Submit(func() { r.runSubscription(sub) })
	if err != nil {
		sub.queued.Store(false)
		r.logger.Warn("dropped tick dispatch: worker pool full", "bot_id", sub.botID, "pair", event.Pair)
	}
}

// runSubscription drains dirty ticks for one bot until none arrived during
// the last handler call, then releases the slot for the next dispatch.
func (r *Router) runSubscription(sub *subscription) {
	for {
		sub.dirty.Store(false)
		latest := sub.pending.Load().(core.TickerEvent)
		sub.handler(latest)

		if sub.dirty.Load() {
			continue
		}
		sub.queued.Store(false)
		if !sub.dirty.Load() {
			return
		}
		if !sub.queued.CompareAndSwap(false, true) {
			return
		}
	}
}

// Stop drains the dispatch pool.
func (r *Router) Stop() {
	r.pool.Stop()
}
