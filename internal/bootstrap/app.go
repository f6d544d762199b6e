package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funding_arb/internal/alert"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/infrastructure/health"
	"funding_arb/internal/infrastructure/metrics"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/ledger"
	"funding_arb/internal/trading/orchestrator"
	"funding_arb/internal/trading/snapshot"
	"funding_arb/pkg/apperrors"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/liveserver"
	"funding_arb/pkg/logging"
	"funding_arb/pkg/telemetry"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// App holds the wired components of the bot
type App struct {
	Cfg       *Config
	Logger    *logging.ZapLogger
	Telemetry *telemetry.Telemetry

	Venues       map[string]core.IVenue
	Pool         *concurrency.WorkerPool
	Store        core.ITradeLogStore
	Ledger       *ledger.Ledger
	Builder      *snapshot.Builder
	Evaluator    *arbitrage.Evaluator
	Sequencer    *execution.Sequencer
	Alerts       *alert.AlertManager
	Events       *core.FanoutSink
	Hub          *liveserver.Hub
	Live         *liveserver.Server
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Manager
}

// NewApp loads configuration and wires every component. Nothing is started.
func NewApp(configPath string, envFiles ...string) (*App, error) {
	cfg, err := LoadConfig(configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger}
	if err := a.wire(); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.Cfg, a.Logger

	opts := telemetry.Options{ServiceName: "funding_arb", SampleRatio: cfg.Telemetry.TraceSampleRatio}
	if cfg.Telemetry.TraceFile != "" {
		opts.Output = &lumberjack.Logger{Filename: cfg.Telemetry.TraceFile, MaxSize: 100, MaxBackups: 3, Compress: true}
	}
	tel, err := telemetry.Setup(opts)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.Telemetry = tel

	a.Venues = make(map[string]core.IVenue, len(cfg.App.Pair))
	pair, err := exchange.NewPair(cfg, logger)
	if err != nil {
		return err
	}
	for _, v := range pair {
		a.Venues[v.GetName()] = v
	}

	a.Pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "FetchPool",
		MaxWorkers:  cfg.Concurrency.FetchWorkers,
		MaxCapacity: 1000,
	}, logger)

	if err := a.openLedger(); err != nil {
		return err
	}
	seedPaperVenues(a.Venues, a.Ledger.OpenPositions(), logger)

	a.Events = core.NewFanoutSink()
	a.Alerts = alert.NewAlertManager(alert.ParseLevel(cfg.Alerts.MinLevel), logger)
	for _, ch := range AlertChannels(cfg) {
		a.Alerts.AddChannel(ch)
	}
	if a.Alerts.Channels() == 0 {
		logger.Warn("No alert channels configured, signals are only logged")
	}
	a.Events.Add(alert.NewEventSink(a.Alerts, cfg.Alerts.TopN))

	if cfg.Live.Enabled {
		a.Hub = liveserver.NewHub(logger)
		a.Live = liveserver.NewServer(a.Hub, logger, cfg.Live.AllowedOrigins)
		a.Events.Add(a.Live)
	}

	a.Builder = snapshot.NewBuilder(pair[0], pair[1], a.Pool, snapshot.Config{
		Symbols:      cfg.Strategy.Symbols,
		FetchTimeout: seconds(cfg.Concurrency.FetchTimeoutSeconds),
	}, logger)
	a.Evaluator = arbitrage.NewEvaluator(EvaluatorConfig(cfg))
	a.Sequencer = execution.NewSequencer(a.Venues, a.Ledger, a.Events, ExecutionConfig(cfg), logger)

	reconciler := orchestrator.NewReconciler(a.Venues, a.Ledger, a.Events, logger)
	var source orchestrator.SnapshotSource = a.Builder
	if store, ok := a.Store.(*ledger.SQLiteStore); ok {
		source = snapshot.NewRecording(a.Builder, store, logger)
	}
	a.Orchestrator = orchestrator.New(source, a.Evaluator, a.Sequencer, a.Ledger, reconciler, a.Events, OrchestratorConfig(cfg), logger)

	a.Health = health.NewManager(logger)
	a.registerHealthChecks()
	return nil
}

// registerHealthChecks marks the bot unhealthy when the poll loop stalls for
// three intervals or when the trade log left symbols quarantined
func (a *App) registerHealthChecks() {
	stale := 3 * seconds(a.Cfg.App.PollIntervalSeconds)
	a.Health.Register("poll_loop", func() error {
		if age := time.Since(a.Orchestrator.LastCycle()); age > stale {
			return fmt.Errorf("no market snapshot for %s", age.Round(time.Second))
		}
		return nil
	})
	a.Health.Register("ledger", func() error {
		if q := a.Ledger.Quarantined(); len(q) > 0 {
			return fmt.Errorf("%d symbols quarantined", len(q))
		}
		return nil
	})
}

// openLedger selects the trade log backend and replays it. Inconsistent
// symbols are quarantined by the ledger and do not stop startup.
func (a *App) openLedger() error {
	if path := a.Cfg.Storage.TradeLogPath; path != "" {
		store, err := ledger.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("trade log: %w", err)
		}
		a.Store = store
		a.Logger.Info("Using SQLite trade log", "path", path)
	} else {
		a.Store = ledger.NewMemoryStore()
		a.Logger.Warn("No trade log path configured, positions are not persisted")
	}

	a.Ledger = ledger.New(a.Store, a.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Ledger.Restore(ctx); err != nil {
		if !errors.Is(err, apperrors.ErrLedgerInconsistency) {
			return fmt.Errorf("restore trade log: %w", err)
		}
		a.Logger.Error("Trade log inconsistent, affected symbols quarantined", "error", err)
	}
	a.Logger.Info("Ledger restored", "open_positions", len(a.Ledger.OpenPositions()), "closed", len(a.Ledger.Closed()))
	return nil
}

// seedPaperVenues hands restored legs to simulated venues so that exits of
// positions opened before a restart are not rejected as opening exposure
func seedPaperVenues(venues map[string]core.IVenue, open []*core.Position, logger core.ILogger) {
	var legs []*core.Leg
	for _, pos := range open {
		legs = append(legs, pos.FilledLegs()...)
	}
	if len(legs) == 0 {
		return
	}
	for name, v := range venues {
		if pv, ok := v.(*paper.Venue); ok {
			pv.Seed(legs...)
			logger.Info("Paper venue seeded from trade log", "venue", name, "legs", len(legs))
		}
	}
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Runners returns the long-running components for the configured mode
func (a *App) Runners() []Runner {
	runners := []Runner{a.Orchestrator}
	if a.Cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(a.Cfg.Telemetry.MetricsPort, a.Health, a.Logger))
	}
	if a.Live != nil {
		runners = append(runners,
			RunnerFunc(func(ctx context.Context) error {
				a.Hub.Run(ctx)
				return nil
			}),
			RunnerFunc(func(ctx context.Context) error {
				return a.Live.Start(ctx, fmt.Sprintf(":%d", a.Cfg.Live.Port))
			}),
		)
	}
	return runners
}

// Run blocks until a termination signal arrives or a runner fails
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting funding arbitrage bot",
		"trading", a.Cfg.App.EnableTrading,
		"paper", a.Cfg.App.PaperTrading,
		"poll_interval_seconds", a.Cfg.App.PollIntervalSeconds)

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes alerts and releases every resource NewApp acquired
func (a *App) Close(ctx context.Context) {
	if a.Alerts != nil {
		a.Alerts.Wait()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("Failed to close trade log", "error", err)
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	_ = a.Logger.Sync()
}
