// Package config provides configuration management for the rolling bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional values are unset.
const (
	defaultCheckInterval     = "1s"
	defaultCancellationDelay = "5s"
	defaultMaxSpread         = 3.0
	defaultSummaryInterval   = "2s"
	defaultClosedRecheck     = "5m"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines broker gateway settings.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url"`   // Client Portal gateway, e.g. https://localhost:5001/v1/api
	AccountID string `yaml:"account_id"`
	// Timeout bounds every gateway HTTP call.
	Timeout string `yaml:"timeout"`
	// InsecureSkipVerify allows the gateway's self-signed certificate.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// StrategyConfig defines the roll strategy parameters. All values are fixed
// at process start.
type StrategyConfig struct {
	Underlying        string  `yaml:"underlying"`          // e.g. MES
	Exchange          string  `yaml:"exchange"`            // e.g. CME
	StrikeStep        int     `yaml:"strike_step"`         // strikes to move per roll
	ProfitTargetPct   float64 `yaml:"profit_target_pct"`   // percent gain on premium to roll DOWN
	LossLimitPct      float64 `yaml:"loss_limit_pct"`      // percent loss on premium to roll UP (negative)
	MoveUpThreshold   float64 `yaml:"move_up_threshold"`   // points the underlying must rise before a roll up
	MoveDownThreshold float64 `yaml:"move_down_threshold"` // points the underlying must fall before a roll down
	CheckInterval     string  `yaml:"check_interval"`
	Quantity          int     `yaml:"quantity"` // short call contracts, must not exceed the long futures size
}

// ExecutionConfig defines stepped-execution parameters.
type ExecutionConfig struct {
	CancellationDelay string  `yaml:"cancellation_delay"` // threshold-phase wait before cancel
	MaxSpread         float64 `yaml:"max_spread"`         // buy-to-close liquidity guard, price units
	SlippageCapTicks  int     `yaml:"slippage_cap_ticks"` // fallback order price cap beyond far touch
}

// StorageConfig defines paths for the persisted records.
type StorageConfig struct {
	BaselinePath   string `yaml:"baseline_path"`
	RollCountsPath string `yaml:"roll_counts_path"`
}

// DashboardConfig defines the read-only status dashboard.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy.CheckInterval == "" {
		c.Strategy.CheckInterval = defaultCheckInterval
	}
	if c.Execution.CancellationDelay == "" {
		c.Execution.CancellationDelay = defaultCancellationDelay
	}
	if c.Execution.MaxSpread == 0 {
		c.Execution.MaxSpread = defaultMaxSpread
	}
	if c.Execution.SlippageCapTicks == 0 {
		c.Execution.SlippageCapTicks = 8
	}
	if c.Strategy.Quantity == 0 {
		c.Strategy.Quantity = 1
	}
	if c.Strategy.Exchange == "" {
		c.Strategy.Exchange = "CME"
	}
	if c.Storage.BaselinePath == "" {
		c.Storage.BaselinePath = "baseline.json"
	}
	if c.Storage.RollCountsPath == "" {
		c.Storage.RollCountsPath = "roll_counts.json"
	}
	if c.Gateway.Timeout == "" {
		c.Gateway.Timeout = "10s"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.AccountID == "" {
		return fmt.Errorf("gateway.account_id is required")
	}
	if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
		return fmt.Errorf("gateway.timeout invalid: %w", err)
	}

	if c.Strategy.Underlying == "" {
		return fmt.Errorf("strategy.underlying is required")
	}
	if c.Strategy.StrikeStep <= 0 {
		return fmt.Errorf("strategy.strike_step must be > 0")
	}
	if c.Strategy.ProfitTargetPct <= 0 {
		return fmt.Errorf("strategy.profit_target_pct must be > 0")
	}
	if c.Strategy.LossLimitPct >= 0 {
		return fmt.Errorf("strategy.loss_limit_pct must be < 0")
	}
	if c.Strategy.MoveUpThreshold <= 0 || c.Strategy.MoveDownThreshold <= 0 {
		return fmt.Errorf("strategy move thresholds must be > 0")
	}
	if c.Strategy.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if _, err := time.ParseDuration(c.Strategy.CheckInterval); err != nil {
		return fmt.Errorf("strategy.check_interval invalid: %w", err)
	}

	if _, err := time.ParseDuration(c.Execution.CancellationDelay); err != nil {
		return fmt.Errorf("execution.cancellation_delay invalid: %w", err)
	}
	if c.Execution.MaxSpread <= 0 {
		return fmt.Errorf("execution.max_spread must be > 0")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the decision cycle interval.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Strategy.CheckInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetCancellationDelay returns the threshold-phase wait before cancel.
func (c *Config) GetCancellationDelay() time.Duration {
	d, err := time.ParseDuration(c.Execution.CancellationDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetGatewayTimeout returns the per-call gateway timeout.
func (c *Config) GetGatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
