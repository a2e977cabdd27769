// Package bootstrap wires botctl's composition root together: load config,
// build every concrete component SPEC_FULL.md names, seed configured bots,
// and run the whole thing under one errgroup until a termination signal.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botctl/internal/account"
	"botctl/internal/authguard"
	"botctl/internal/bot"
	"botctl/internal/core"
	"botctl/internal/durable"
	"botctl/internal/exchange"
	"botctl/internal/executor"
	"botctl/internal/indicators"
	"botctl/internal/ratelimit"
	"botctl/internal/router"
	"botctl/internal/store"
	"botctl/internal/tracker"
	"botctl/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// App holds every long-lived component the running process needs to start
// and stop cleanly.
type App struct {
	Cfg    *Config
	Logger core.ILogger

	store      core.Persistence
	exchange   core.ExchangeClient
	feed       core.MarketFeed
	router     *router.Router
	tracker    *tracker.Tracker
	executor   *executor.Executor
	durable    *durable.Engine
	manager    *bot.Manager
	telemetry  *telemetry.Telemetry
	authGuard  *authguard.Guard
}

// NewApp bootstraps every dependency from configPath but does not start
// anything; call Run to start the reconciler, market feed, and manager.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup("botctl")
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without it", "error", err)
	}

	authGuard := authguard.New(5 * time.Minute)
	limiter := ratelimit.New(cfg.RateLimit.RefillPerSec, cfg.RateLimit.Burst)

	exch := exchange.New(cfg.Exchange, logger, limiter, authGuard)

	persistence, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	ctx := context.Background()
	if _, err := SeedBots(ctx, persistence, cfg); err != nil {
		return nil, fmt.Errorf("seed bots: %w", err)
	}

	accountCache := account.New(exch, logger,
		time.Duration(cfg.Accounts.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Accounts.HardStaleSeconds)*time.Second)

	rtr := router.New(logger, cfg.Concurrency.BotPoolSize, cfg.Concurrency.BotQueueCapacity)

	// mgr is assigned below, after its own constructor runs; the tracker's
	// onCompleted closure captures the variable, not its (still-nil) value,
	// so it's safe to wire here before mgr exists.
	var mgr *bot.Manager
	trk := tracker.New(persistence, exch, logger,
		time.Duration(cfg.Reconciler.IntervalSeconds)*time.Second,
		time.Duration(cfg.Reconciler.WarningMinutes)*time.Minute,
		time.Duration(cfg.Reconciler.CriticalMinutes)*time.Minute,
		func(botID int64, pair string, at time.Time, price decimal.Decimal) {
			if mgr != nil {
				mgr.OnTradeCompleted(botID, pair, at, price)
			}
		})

	exec := executor.New(exch, trk, accountCache, logger, authGuard)

	var durableEngine *durable.Engine
	var submitter bot.Submitter = exec

	if cfg.App.EngineType == "durable" {
		dbosCtx, err := newDBOSContext(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("durable engine: %w", err)
		}
		durableEngine = durable.NewEngine(dbosCtx, exec, logger)
		submitter = durableAdapter{durableEngine}
	}

	mgr = bot.NewManager(persistence, accountCache, exch, indicators.Engine{}, rtr, submitter, logger,
		decimal.NewFromFloat(cfg.Orders.MinUSDPrecheck))

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		store:     persistence,
		exchange:  exch,
		feed:      exch,
		router:    rtr,
		tracker:   trk,
		executor:  exec,
		durable:   durableEngine,
		manager:   mgr,
		telemetry: tel,
		authGuard: authGuard,
	}, nil
}

func newStore(cfg *Config) (core.Persistence, error) {
	if cfg.App.StorePath == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.App.StorePath)
}

// newDBOSContext constructs the DBOS runtime against app.database_url and
// registers the single submit workflow. No pack example constructs a
// dbos.DBOSContext directly; this follows the DBOS Transact Go SDK's
// documented Config/NewDBOSContext/RegisterWorkflow shape.
func newDBOSContext(cfg *Config, logger core.ILogger) (dbos.DBOSContext, error) {
	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     "botctl",
		DatabaseURL: cfg.App.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("new dbos context: %w", err)
	}
	return dbosCtx, nil
}

// durableAdapter makes durable.Engine satisfy bot.Submitter.
type durableAdapter struct{ engine *durable.Engine }

func (d durableAdapter) Submit(ctx context.Context, intent core.OrderIntent) error {
	return d.engine.SubmitIntent(intent)
}

// Run starts the market feed, reconciler, and every RUNNING bot's
// subscription, then blocks until ctx is cancelled by a termination signal.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("load bots: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.tracker.Start(ctx)
		return nil
	})

	pairs := a.configuredPairs()
	g.Go(func() error {
		return a.feed.Subscribe(ctx, pairs, a.router.Route)
	})

	if a.durable != nil {
		if err := a.durable.Start(); err != nil {
			return fmt.Errorf("start durable engine: %w", err)
		}
	}

	a.Logger.Info("botctl running", "pairs", pairs, "engine_type", a.Cfg.App.EngineType)

	err := g.Wait()
	a.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ListBots returns every persisted bot, for the "bots list" CLI subcommand.
func (a *App) ListBots(ctx context.Context) ([]core.Bot, error) {
	return a.store.ListBots(ctx)
}

// StartBot flips a stopped bot to RUNNING and subscribes it to the router.
// It is safe to call against a freshly-bootstrapped App that was never
// Run: LoadAll must be called first so the Manager holds an Evaluator for
// every persisted bot.
func (a *App) StartBot(ctx context.Context, botID int64) error {
	if err := a.manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	return a.manager.Start(ctx, botID)
}

// StopBot flips a running bot to STOPPED and unsubscribes it.
func (a *App) StopBot(ctx context.Context, botID int64) error {
	if err := a.manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	return a.manager.Stop(ctx, botID)
}

// ReconcileOnce runs a single OrderTracker sweep across every pending
// TradeRecord, for the "reconcile" one-off CLI subcommand (spec.md §6 CLI
// surface: "submit a one-off reconciliation sweep").
func (a *App) ReconcileOnce(ctx context.Context) core.ReconcileResult {
	return a.tracker.Sweep(ctx)
}

// Close releases resources held by a CLI-invoked App that never ran Run
// (no signal-driven shutdown path will fire for it).
func (a *App) Close() {
	if closer, ok := a.store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func (a *App) configuredPairs() []string {
	seen := make(map[string]bool)
	var pairs []string
	for _, b := range a.Cfg.Bots {
		if !seen[b.Pair] {
			seen[b.Pair] = true
			pairs = append(pairs, b.Pair)
		}
	}
	return pairs
}

func (a *App) shutdown() {
	a.tracker.Stop()
	a.router.Stop()
	a.manager.Shutdown()
	if a.durable != nil {
		if err := a.durable.Stop(); err != nil {
			a.Logger.Warn("durable engine shutdown error", "error", err)
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown error", "error", err)
		}
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Logger.Warn("store close error", "error", err)
		}
	}
}
