package main

import (
	"os"
	"strconv"

	"virtual_exchange/internal/bootstrap"
)

// applyEnvOverrides layers deployment environment variables over the loaded
// configuration. Flags beat env, env beats file.
func applyEnvOverrides(cfg *bootstrap.Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.MetricsPort = p
		}
	}
	if v := os.Getenv("STRATEGY_URL"); v != "" {
		cfg.Backtest.StrategyURL = v
	}
}
