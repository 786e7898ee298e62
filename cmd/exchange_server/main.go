package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"virtual_exchange/internal/bootstrap"
	"virtual_exchange/internal/infrastructure/metrics"
	"virtual_exchange/internal/infrastructure/server"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/exchange_server.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("exchange_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Local overrides from .env, when present.
	_ = godotenv.Load()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	applyEnvOverrides(app.Cfg)
	if *port != 0 {
		app.Cfg.Server.Port = *port
	}
	if app.Cfg.Backtest.EngineVersion == "dev" {
		app.Cfg.Backtest.EngineVersion = version
	}

	logger := app.Logger
	logger.Info("Starting exchange_server",
		"version", version,
		"symbols", app.Cfg.Exchange.Symbols,
		"port", app.Cfg.Server.Port,
		"strategy_url", app.Cfg.Backtest.StrategyURL,
	)

	api := server.New(app.Cfg, server.Deps{
		Candles: app.Candles,
		News:    app.News,
		Store:   app.Store,
		Logger:  logger,
	})

	runners := []bootstrap.Runner{bootstrap.RunnerFunc(api.Start)}
	if app.Cfg.Telemetry.EnableMetrics {
		sidecar := metrics.NewServer(app.Cfg.Telemetry.MetricsPort, api.Ready, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			sidecar.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return sidecar.Stop(stopCtx)
		}))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}
