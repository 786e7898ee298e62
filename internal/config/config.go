// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Data        DataConfig        `yaml:"data"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// ServerConfig contains the HTTP facade settings
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// ExchangeConfig contains the virtual exchange parameters. Monetary values
// are strings so they parse to exact decimals, never floats.
type ExchangeConfig struct {
	Symbols        []string `yaml:"symbols" validate:"required,min=1"`
	InitialBalance string   `yaml:"initial_balance"`
	FeeRate        string   `yaml:"fee_rate"`
	MarketFill     string   `yaml:"market_fill" validate:"oneof=open close"`
}

// BacktestConfig contains the run orchestration settings
type BacktestConfig struct {
	DecisionInterval  int     `yaml:"decision_interval"` // seconds
	StrategyURL       string  `yaml:"strategy_url"`
	StrategyAuthToken Secret  `yaml:"strategy_auth_token"`
	StrategyTimeout   int     `yaml:"strategy_timeout"` // seconds
	StrategyRateLimit float64 `yaml:"strategy_rate_limit"`
	StrategyBurst     int     `yaml:"strategy_burst"`
	EngineVersion     string  `yaml:"engine_version"`
}

// DataConfig contains data source locations
type DataConfig struct {
	CandleDir string `yaml:"candle_dir"`
	NewsDir   string `yaml:"news_dir"`
	StateDB   string `yaml:"state_db"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	// EnableTracing turns on the full OTel pipeline with stdout span and
	// log exporters. Local debugging only; it subsumes EnableMetrics.
	EnableTracing bool `yaml:"enable_tracing"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	RunPoolSize   int `yaml:"run_pool_size" validate:"min=1,max=100"`
	RunPoolBuffer int `yaml:"run_pool_buffer" validate:"min=1,max=10000"`
	// RunHistoryLimit caps how many finished runs stay queryable. The
	// oldest finished run is dropped once the cap is exceeded; runs that
	// are still pending or executing are never dropped.
	RunHistoryLimit int `yaml:"run_history_limit" validate:"min=1,max=100000"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBacktestConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTelemetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateConcurrencyConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if len(c.Exchange.Symbols) == 0 {
		return ValidationError{
			Field:   "exchange.symbols",
			Message: "at least one symbol must be configured",
		}
	}
	for _, sym := range c.Exchange.Symbols {
		if sym == "" {
			return ValidationError{
				Field:   "exchange.symbols",
				Message: "symbols must not be empty",
			}
		}
	}

	balance, err := decimal.NewFromString(c.Exchange.InitialBalance)
	if err != nil || !balance.IsPositive() {
		return ValidationError{
			Field:   "exchange.initial_balance",
			Value:   c.Exchange.InitialBalance,
			Message: "must be a positive decimal",
		}
	}

	fee, err := decimal.NewFromString(c.Exchange.FeeRate)
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ValidationError{
			Field:   "exchange.fee_rate",
			Value:   c.Exchange.FeeRate,
			Message: "must be a decimal in [0, 1)",
		}
	}

	switch c.Exchange.MarketFill {
	case "open", "close":
	default:
		return ValidationError{
			Field:   "exchange.market_fill",
			Value:   c.Exchange.MarketFill,
			Message: "must be one of: open, close",
		}
	}
	return nil
}

func (c *Config) validateBacktestConfig() error {
	if c.Backtest.DecisionInterval <= 0 {
		return ValidationError{
			Field:   "backtest.decision_interval",
			Value:   c.Backtest.DecisionInterval,
			Message: "must be a positive number of seconds",
		}
	}
	if c.Backtest.StrategyTimeout <= 0 {
		return ValidationError{
			Field:   "backtest.strategy_timeout",
			Value:   c.Backtest.StrategyTimeout,
			Message: "must be a positive number of seconds",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if !c.Telemetry.EnableMetrics && !c.Telemetry.EnableTracing {
		return nil
	}
	if c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535 {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "must be between 1 and 65535",
		}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.RunPoolSize < 1 {
		return ValidationError{
			Field:   "concurrency.run_pool_size",
			Value:   c.Concurrency.RunPoolSize,
			Message: "must be at least 1",
		}
	}
	if c.Concurrency.RunHistoryLimit < 1 {
		return ValidationError{
			Field:   "concurrency.run_history_limit",
			Value:   c.Concurrency.RunHistoryLimit,
			Message: "must be at least 1",
		}
	}
	return nil
}

// InitialBalanceDecimal returns the parsed starting balance. Call Validate
// first; parse failures fall back to zero.
func (e ExchangeConfig) InitialBalanceDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(e.InitialBalance)
	return d
}

// FeeRateDecimal returns the parsed taker fee rate.
func (e ExchangeConfig) FeeRateDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(e.FeeRate)
	return d
}

// DecisionIntervalDuration returns the decision interval as a duration.
func (b BacktestConfig) DecisionIntervalDuration() time.Duration {
	return time.Duration(b.DecisionInterval) * time.Second
}

// StrategyTimeoutDuration returns the per-call strategy timeout.
func (b BacktestConfig) StrategyTimeoutDuration() time.Duration {
	return time.Duration(b.StrategyTimeout) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"STRATEGY_URL", "STRATEGY_AUTH_TOKEN",
		"CANDLE_DIR", "NEWS_DIR", "STATE_DB",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; loaded files override it
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8090,
			ReadTimeout: 30,
			// Synchronous orchestration holds the response open for the
			// whole run, so the write window is generous.
			WriteTimeout: 900,
		},
		Exchange: ExchangeConfig{
			Symbols:        []string{"BTCUSDT"},
			InitialBalance: "10000",
			FeeRate:        "0.0005",
			MarketFill:     "open",
		},
		Backtest: BacktestConfig{
			DecisionInterval:  14400,
			StrategyURL:       "http://localhost:8080",
			StrategyTimeout:   120,
			StrategyRateLimit: 5,
			StrategyBurst:     5,
			EngineVersion:     "dev",
		},
		Data: DataConfig{
			CandleDir: "./data/candles",
			NewsDir:   "./data/news",
			StateDB:   "./data/state.db",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9091,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			RunPoolSize:     4,
			RunPoolBuffer:   64,
			RunHistoryLimit: 256,
		},
	}
}
