// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Accounts    AccountsConfig    `yaml:"accounts"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Orders      OrdersConfig      `yaml:"orders"`
	BotDefaults BotDefaultsConfig `yaml:"bot"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bots        []BotConfig       `yaml:"bots"`
}

// AppConfig contains process-level settings
type AppConfig struct {
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type=durable
	StorePath   string `yaml:"store_path"`   // sqlite file path, required when engine_type=simple
}

// ExchangeConfig holds credentials and endpoints for the single exchange this
// process trades against. The spec explicitly rules out a multi-exchange
// abstraction, so unlike the teacher's map-of-exchanges this is one struct.
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key" validate:"required"`
	APISecret Secret `yaml:"api_secret" validate:"required"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
}

// AccountsConfig configures the AccountCache.
type AccountsConfig struct {
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds" validate:"min=1"`
	HardStaleSeconds int `yaml:"hard_stale_seconds" validate:"min=1"`
}

// ReconcilerConfig configures the OrderTracker reconciliation sweep.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" validate:"min=1"`
	WarningMinutes  int `yaml:"warning_minutes" validate:"min=1"`
	CriticalMinutes int `yaml:"critical_minutes" validate:"min=1"`
}

// OrdersConfig configures default order sizing and the balance pre-check.
type OrdersConfig struct {
	DefaultNotionalUSD float64 `yaml:"default_notional_usd" validate:"min=0"`
	MinUSDPrecheck     float64 `yaml:"min_usd_precheck" validate:"min=0"`
}

// BotDefaultsConfig supplies fallback values for bots that don't set their own.
type BotDefaultsConfig struct {
	DefaultConfirmationMinutes float64 `yaml:"default_confirmation_minutes" validate:"min=0"`
	DefaultCooldownMinutes     float64 `yaml:"default_cooldown_minutes" validate:"min=0"`
}

// RateLimitConfig configures the token bucket guarding exchange REST calls.
type RateLimitConfig struct {
	RefillPerSec float64 `yaml:"refill_per_sec" validate:"min=0"`
	Burst        int     `yaml:"burst" validate:"min=1"`
}

// SystemConfig contains system-wide settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	LogFile  string `yaml:"log_file"`
}

// ConcurrencyConfig contains worker pool settings.
type ConcurrencyConfig struct {
	BotQueueCapacity int `yaml:"bot_queue_capacity" validate:"min=1,max=10000"`
	BotPoolSize      int `yaml:"bot_pool_size" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// IndicatorConfig is the YAML shape of one enabled indicator on a bot.
type IndicatorConfig struct {
	Name         string  `yaml:"name" validate:"required,oneof=rsi ma_crossover macd"`
	Weight       float64 `yaml:"weight" validate:"min=0,max=1"`
	RSIPeriod    int     `yaml:"rsi_period"`
	RSIBuyThresh float64 `yaml:"rsi_buy_threshold"`
	RSISellThresh float64 `yaml:"rsi_sell_threshold"`
	MAFastPeriod int     `yaml:"ma_fast_period"`
	MASlowPeriod int     `yaml:"ma_slow_period"`
	MACDFast     int     `yaml:"macd_fast_period"`
	MACDSlow     int     `yaml:"macd_slow_period"`
	MACDSignal   int     `yaml:"macd_signal_period"`
}

// BotConfig is the YAML shape of one bot definition.
type BotConfig struct {
	ID                      int               `yaml:"id" validate:"required"`
	Name                    string            `yaml:"name" validate:"required"`
	Pair                    string            `yaml:"pair" validate:"required"`
	Indicators              []IndicatorConfig `yaml:"indicators" validate:"required,min=1"`
	PositionSizeUSD         float64           `yaml:"position_size_usd" validate:"required,min=0"`
	ConfirmationMinutes     float64           `yaml:"confirmation_minutes"`
	CooldownMinutes         float64           `yaml:"cooldown_minutes"`
	SkipSignalsOnLowBalance bool              `yaml:"skip_signals_on_low_balance"`
	MinPriceStepPct         float64           `yaml:"min_price_step_pct"`
	BuyThreshold            float64           `yaml:"buy_threshold"`
	SellThreshold           float64           `yaml:"sell_threshold"`
	AutoStart               bool              `yaml:"auto_start"`
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
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, err := range c.validateBots() {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType != "simple" && c.App.EngineType != "durable" {
		return ValidationError{
			Field:   "app.engine_type",
			Value:   c.App.EngineType,
			Message: "must be 'simple' or 'durable'",
		}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "required when engine_type is durable",
		}
	}
	if c.App.EngineType == "simple" && c.App.StorePath == "" {
		return ValidationError{
			Field:   "app.store_path",
			Message: "required when engine_type is simple",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.APISecret == "" {
		return ValidationError{Field: "exchange.api_secret", Message: "API secret is required"}
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

// validateBots enforces the configuration-error class of spec §7: unknown
// pairs, non-positive notionals, and weight sums that don't total 1.0 fail
// loudly here rather than surfacing once a bot is already RUNNING.
func (c *Config) validateBots() []error {
	var errs []error
	seen := make(map[int]bool)

	for _, b := range c.Bots {
		if seen[b.ID] {
			errs = append(errs, ValidationError{Field: "bots[].id", Value: b.ID, Message: "duplicate bot id"})
		}
		seen[b.ID] = true

		if b.Pair == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("bots[%d].pair", b.ID), Message: "pair is required"})
		}
		if b.PositionSizeUSD <= 0 {
			errs = append(errs, ValidationError{
				Field: fmt.Sprintf("bots[%d].position_size_usd", b.ID), Value: b.PositionSizeUSD,
				Message: "must be positive",
			})
		}

		var weightSum float64
		for _, ind := range b.Indicators {
			weightSum += ind.Weight
		}
		if len(b.Indicators) > 0 && (weightSum < 1.0-1e-6 || weightSum > 1.0+1e-6) {
			errs = append(errs, ValidationError{
				Field: fmt.Sprintf("bots[%d].indicators", b.ID), Value: weightSum,
				Message: "sum of enabled indicator weights must equal 1.0",
			})
		}
	}
	return errs
}

// String returns a string representation of the configuration. Exchange
// credentials are Secret-typed, so yaml.Marshal redacts them automatically.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with the spec's documented defaults
// pre-filled; LoadConfig unmarshals onto a copy of this so an omitted YAML
// key keeps its default rather than zeroing out.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			EngineType: "simple",
			StorePath:  "botctl.db",
		},
		Accounts: AccountsConfig{
			CacheTTLSeconds:  60,
			HardStaleSeconds: 300,
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds: 30,
			WarningMinutes:  10,
			CriticalMinutes: 30,
		},
		Orders: OrdersConfig{
			DefaultNotionalUSD: 10,
			MinUSDPrecheck:     5,
		},
		BotDefaults: BotDefaultsConfig{
			DefaultConfirmationMinutes: 1,
			DefaultCooldownMinutes:     15,
		},
		RateLimit: RateLimitConfig{
			RefillPerSec: 25,
			Burst:        30,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			BotQueueCapacity: 16,
			BotPoolSize:      32,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
