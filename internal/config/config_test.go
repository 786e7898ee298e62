package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "strategy_url: ${TEST_STRATEGY_URL}",
			envVars: map[string]string{
				"TEST_STRATEGY_URL": "http://strategy:8080",
			},
			expected: "strategy_url: http://strategy:8080",
		},
		{
			name:  "expand multiple env vars",
			input: "strategy_url: ${SVC_URL}\nstate_db: ${DB_PATH}",
			envVars: map[string]string{
				"SVC_URL": "http://svc",
				"DB_PATH": "/var/lib/state.db",
			},
			expected: "strategy_url: http://svc\nstate_db: /var/lib/state.db",
		},
		{
			name:     "missing env var returns empty string",
			input:    "strategy_url: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "strategy_url: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\nstrategy_url: ${TEST_URL}",
			envVars: map[string]string{
				"TEST_URL": "http://localhost:9000",
			},
			expected: "static_value: 123\nstrategy_url: http://localhost:9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `server:
  host: "127.0.0.1"
  port: 8090

exchange:
  symbols: ["BTCUSDT", "ETHUSDT"]
  initial_balance: "25000"
  fee_rate: "0.0004"
  market_fill: "open"

backtest:
  decision_interval: 14400
  strategy_url: "${TEST_STRATEGY_URL}"
  strategy_auth_token: "${TEST_STRATEGY_TOKEN}"
  strategy_timeout: 60

data:
  candle_dir: "./testdata/candles"
  news_dir: "./testdata/news"
  state_db: ":memory:"

system:
  log_level: "DEBUG"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_STRATEGY_URL", "http://strategy-from-env:8080")
	os.Setenv("TEST_STRATEGY_TOKEN", "token_from_env")
	defer os.Unsetenv("TEST_STRATEGY_URL")
	defer os.Unsetenv("TEST_STRATEGY_TOKEN")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, "http://strategy-from-env:8080", config.Backtest.StrategyURL)
	assert.Equal(t, Secret("token_from_env"), config.Backtest.StrategyAuthToken)

	// Fields absent from the file keep their defaults
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, config.Exchange.Symbols)
	assert.Equal(t, "25000", config.Exchange.InitialBalance)
	assert.Equal(t, 120, DefaultConfig().Backtest.StrategyTimeout)
	assert.Equal(t, 60, config.Backtest.StrategyTimeout)
	assert.Equal(t, 4, config.Concurrency.RunPoolSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-bad-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte("exchange:\n  fee_rate: \"2.5\"\n"))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.fee_rate")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "default config is valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "no symbols",
			mutate:  func(c *Config) { c.Exchange.Symbols = nil },
			wantErr: "exchange.symbols",
		},
		{
			name:    "empty symbol",
			mutate:  func(c *Config) { c.Exchange.Symbols = []string{""} },
			wantErr: "exchange.symbols",
		},
		{
			name:    "non-decimal balance",
			mutate:  func(c *Config) { c.Exchange.InitialBalance = "lots" },
			wantErr: "exchange.initial_balance",
		},
		{
			name:    "negative balance",
			mutate:  func(c *Config) { c.Exchange.InitialBalance = "-1" },
			wantErr: "exchange.initial_balance",
		},
		{
			name:    "fee rate above one",
			mutate:  func(c *Config) { c.Exchange.FeeRate = "1.5" },
			wantErr: "exchange.fee_rate",
		},
		{
			name:    "unknown market fill mode",
			mutate:  func(c *Config) { c.Exchange.MarketFill = "vwap" },
			wantErr: "exchange.market_fill",
		},
		{
			name:    "zero decision interval",
			mutate:  func(c *Config) { c.Backtest.DecisionInterval = 0 },
			wantErr: "backtest.decision_interval",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.System.LogLevel = "VERBOSE" },
			wantErr: "system.log_level",
		},
		{
			name:    "metrics port out of range when enabled",
			mutate:  func(c *Config) { c.Telemetry.MetricsPort = 0 },
			wantErr: "telemetry.metrics_port",
		},
		{
			name: "metrics port ignored when disabled",
			mutate: func(c *Config) {
				c.Telemetry.EnableMetrics = false
				c.Telemetry.MetricsPort = 0
			},
			wantErr: "",
		},
		{
			name:    "zero pool size",
			mutate:  func(c *Config) { c.Concurrency.RunPoolSize = 0 },
			wantErr: "concurrency.run_pool_size",
		},
		{
			name:    "zero run history",
			mutate:  func(c *Config) { c.Concurrency.RunHistoryLimit = 0 },
			wantErr: "concurrency.run_history_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"strategy url is critical", "STRATEGY_URL", true},
		{"strategy auth token is critical", "STRATEGY_AUTH_TOKEN", true},
		{"candle dir is critical", "CANDLE_DIR", true},
		{"news dir is critical", "NEWS_DIR", true},
		{"state db is critical", "STATE_DB", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestDecimalAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.InitialBalance = "12345.67"
	cfg.Exchange.FeeRate = "0.0005"

	assert.True(t, cfg.Exchange.InitialBalanceDecimal().Equal(decimal.RequireFromString("12345.67")))
	assert.True(t, cfg.Exchange.FeeRateDecimal().Equal(decimal.RequireFromString("0.0005")))
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backtest.DecisionInterval = 900
	cfg.Backtest.StrategyTimeout = 45

	assert.Equal(t, 15*time.Minute, cfg.Backtest.DecisionIntervalDuration())
	assert.Equal(t, 45*time.Second, cfg.Backtest.StrategyTimeoutDuration())
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backtest.StrategyAuthToken = Secret("my_super_secret_token")

	output := cfg.String()

	// 1. Check for fixed mask
	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction mask")

	// 2. Ensure full cleartext is GONE
	assert.NotContains(t, output, "my_super_secret_token", "output should NOT contain the token")

	// 3. Ensure partial content is NOT leaked
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
}
