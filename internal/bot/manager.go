package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botctl/internal/account"
	"botctl/internal/core"
	"botctl/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// Submitter is the path an order intent takes once a confirmation window
// closes: either executor.Executor.Submit directly (engine_type=simple) or
// durable.Engine wrapped behind the same signature (engine_type=durable).
type Submitter interface {
	Submit(ctx context.Context, intent core.OrderIntent) error
}

// TickSubscriber is the subset of router.Router a Manager needs, kept as an
// interface so tests can fake ticker dispatch without a worker pool.
type TickSubscriber interface {
	Subscribe(pair string, botID int64, handler func(core.TickerEvent))
	Unsubscribe(pair string, botID int64)
}

// Manager owns every running bot's Evaluator, subscribes each to its pair on
// the router, and forwards closed confirmations to the Submitter. It is the
// composition point between §4.G (BotEvaluator) and §4.H (TradeExecutor).
type Manager struct {
	store      core.Persistence
	account    *account.Cache
	exchange   core.ExchangeClient
	indicators core.IndicatorEngine
	router     TickSubscriber
	submit     Submitter
	logger     core.ILogger

	minUSDPrecheck decimal.Decimal

	submitPool *concurrency.WorkerPool

	mu         sync.RWMutex
	evaluators map[int64]*Evaluator
}

// NewManager creates a Manager. minUSDPrecheck is the orders.min_usd_precheck
// balance threshold applied to every bot's Evaluator.
func NewManager(
	store core.Persistence,
	accountCache *account.Cache,
	exchange core.ExchangeClient,
	indicators core.IndicatorEngine,
	router TickSubscriber,
	submit Submitter,
	logger core.ILogger,
	minUSDPrecheck decimal.Decimal,
) *Manager {
	submitPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order_submit",
		MaxWorkers:  8,
		MaxCapacity: 64,
		NonBlocking: true,
	}, logger)

	return &Manager{
		store:          store,
		account:        accountCache,
		exchange:       exchange,
		indicators:     indicators,
		router:         router,
		submit:         submit,
		logger:         logger.WithField("component", "bot_manager"),
		minUSDPrecheck: minUSDPrecheck,
		submitPool:     submitPool,
		evaluators:     make(map[int64]*Evaluator),
	}
}

// Shutdown drains the submit pool, letting any in-flight submission finish
// but accepting no new ones.
func (m *Manager) Shutdown() {
	m.submitPool.Stop()
}

// LoadAll creates an Evaluator for every persisted bot and subscribes the
// RUNNING ones to their pair. Stopped bots are held in memory but not
// subscribed, matching the spec's "stopped bots are dormant" behavior.
func (m *Manager) LoadAll(ctx context.Context) error {
	bots, err := m.store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("bot manager: list bots: %w", err)
	}
	for _, b := range bots {
		m.attach(b)
	}
	return nil
}

func (m *Manager) attach(b core.Bot) *Evaluator {
	ev := New(b, m.account, m.exchange, m.indicators, m.store, m.logger, m.emit)
	ev.SetMinUSDPrecheck(m.minUSDPrecheck)

	m.mu.Lock()
	m.evaluators[b.ID] = ev
	m.mu.Unlock()

	if b.Status == core.BotRunning {
		m.router.Subscribe(b.Pair, b.ID, func(tick core.TickerEvent) {
			ev.HandleTick(context.Background(), tick)
		})
	}
	return ev
}

// emit is passed to every Evaluator as its emitIntent hook. HandleTick calls
// it synchronously while still holding the Evaluator's lock, so emit itself
// must never block on submission: it only hands the intent to submitPool,
// which runs the actual Submit call (rate-limited HTTP POST) on a separate
// task, per §5 ("order submission … is done in a separate executor task so
// the bot worker remains responsive to ticks while the submit is in
// flight"). A full pool drops the intent with a warning; the next
// confirmed tick re-evaluates and re-emits organically (§4.H step 7).
func (m *Manager) emit(intent core.OrderIntent) {
	err := m.submitPool.Submit(func() {
		if err := m.submit.Submit(context.Background(), intent); err != nil {
			m.logger.Warn("order intent submission failed", "bot_id", intent.BotID, "pair", intent.Pair, "error", err)
		}
	})
	if err != nil {
		m.logger.Warn("order intent dropped: submit pool full", "bot_id", intent.BotID, "pair", intent.Pair, "error", err)
	}
}

// OnTradeCompleted is wired as the tracker's OnCompleted callback: it
// re-anchors the owning bot's cooldown/price-step gates to the fill.
func (m *Manager) OnTradeCompleted(botID int64, pair string, at time.Time, price decimal.Decimal) {
	m.mu.RLock()
	ev, ok := m.evaluators[botID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("completed trade for unknown bot", "bot_id", botID, "pair", pair)
		return
	}
	ev.RecordCompletedTrade(at, price)
}

// Get returns the Evaluator for botID, if any bot with that id is loaded.
func (m *Manager) Get(botID int64) (*Evaluator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.evaluators[botID]
	return ev, ok
}

// Start persists bot as RUNNING and subscribes it to the router. Used when
// an operator flips a stopped bot back to running at runtime.
func (m *Manager) Start(ctx context.Context, botID int64) error {
	if err := m.store.UpdateBotStatus(ctx, botID, core.BotRunning); err != nil {
		return err
	}
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ev, exists := m.evaluators[botID]
	m.mu.Unlock()

	if !exists {
		m.attach(bot)
		return nil
	}
	ev.UpdateConfig(bot)
	m.router.Subscribe(bot.Pair, bot.ID, func(tick core.TickerEvent) {
		ev.HandleTick(context.Background(), tick)
	})
	return nil
}

// Stop flips bot to STOPPED and unsubscribes it from the router. The
// Evaluator instance is kept so State() still reports its last snapshot.
func (m *Manager) Stop(ctx context.Context, botID int64) error {
	m.mu.RLock()
	ev, ok := m.evaluators[botID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bot manager: unknown bot %d", botID)
	}

	if err := m.store.UpdateBotStatus(ctx, botID, core.BotStopped); err != nil {
		return err
	}
	m.router.Unsubscribe(ev.Pair(), botID)
	return nil
}
