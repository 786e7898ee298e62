// Package bootstrap assembles a process from one config file: logging,
// telemetry, data sources and the state store, plus the signal-driven
// lifecycle shared by every binary.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/data"
	"virtual_exchange/internal/store"
	"virtual_exchange/pkg/telemetry"
)

// App holds the process-wide dependencies built from one config file.
type App struct {
	Cfg     *Config
	Logger  core.ILogger
	Candles core.CandleSource
	News    core.NewsSource
	Store   core.IStateStore

	closers []func() error
}

// NewApp loads configuration and builds the shared dependencies. Empty
// data locations fall back to in-memory implementations, which one-shot
// binaries use to run without a data tree on disk.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger}

	// Tracing brings up the full pipeline, which binds the metric
	// instruments too; plain metrics use the prometheus-only exporter.
	switch {
	case cfg.Telemetry.EnableTracing:
		tel, err := telemetry.Setup("virtual_exchange", cfg.Backtest.EngineVersion)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.closers = append(app.closers, func() error {
			return tel.Shutdown(context.Background())
		})
	case cfg.Telemetry.EnableMetrics:
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("Failed to initialize metrics exporter", "error", err)
		}
	}

	if cfg.Data.CandleDir != "" {
		app.Candles = data.NewCSVCandleSource(cfg.Data.CandleDir, logger)
	} else {
		app.Candles = data.NewMemoryCandleSource()
	}

	if cfg.Data.NewsDir != "" {
		app.News = data.NewCSVNewsSource(cfg.Data.NewsDir, logger)
	} else {
		app.News = data.NewMemoryNewsSource()
	}

	if cfg.Data.StateDB != "" {
		stateStore, err := store.NewSQLiteStore(cfg.Data.StateDB)
		if err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
		app.Store = stateStore
		app.closers = append(app.closers, stateStore.Close)
	} else {
		app.Store = store.NewMemoryStore()
	}

	return app, nil
}

// Runner is a long-running component with a context-bound lifetime.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a bare function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run drives the runners until a termination signal arrives or one of
// them fails, then releases the app's resources.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.Close()

	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close releases held resources. Run calls it on the way out; one-shot
// binaries that never call Run use it directly.
func (a *App) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.Logger.Warn("Close failed", "error", err)
		}
	}
}
