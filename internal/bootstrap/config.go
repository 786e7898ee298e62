package bootstrap

import (
	"fmt"
	"os"

	"virtual_exchange/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and layers on
// environment checks that schema validation cannot see.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight verifies the configured data locations exist, so a bad
// path fails at startup instead of on the first request. Empty locations
// are allowed and select the in-memory fallbacks.
func checkPreFlight(cfg *Config) error {
	if err := requireDir("data.candle_dir", cfg.Data.CandleDir); err != nil {
		return err
	}
	if err := requireDir("data.news_dir", cfg.Data.NewsDir); err != nil {
		return err
	}
	return nil
}

func requireDir(field, dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s not found: %s", field, dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %s", field, dir)
	}
	return nil
}
