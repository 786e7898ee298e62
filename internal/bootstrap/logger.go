package bootstrap

import (
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/logging"
)

// newLogger builds the process logger and installs it as the package-level
// default used by code without an injected logger.
func newLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
