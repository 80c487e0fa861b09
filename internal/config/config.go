// Package config defines server configuration, loaded from a YAML file
// with environment-variable overrides, grounded on the
// `spf13/viper` loading shape used elsewhere in the pack.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"oddsmint/internal/money"
)

// Config is the top-level exchange server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Fees    FeesConfig    `mapstructure:"fees"`
	History HistoryConfig `mapstructure:"history"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the TCP command surface.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// FeesConfig sets the maker/taker fee schedule in basis points and the
// minimum admissible order notional, per spec §6's "fee configuration".
type FeesConfig struct {
	MakerBps      int64 `mapstructure:"maker_bps"`
	TakerBps      int64 `mapstructure:"taker_bps"`
	MinOrderValue int64 `mapstructure:"min_order_value"`
}

// HistoryConfig bounds the in-memory trade/order history rings.
type HistoryConfig struct {
	MaxTradesPerBook int `mapstructure:"max_trades_per_book"`
	MaxOrdersPerUser int `mapstructure:"max_orders_per_user"`
}

// RetryConfig tunes the orchestrator's persistence-write retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

// LoggingConfig controls zerolog's global level and console/JSON mode.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// defaults mirror spec §4.3/§4.5/§5's stated defaults, applied before
// any file or environment override.
func defaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 9001)
	v.SetDefault("fees.maker_bps", 10)
	v.SetDefault("fees.taker_bps", 20)
	v.SetDefault("fees.min_order_value", int64(money.Scale))
	v.SetDefault("history.max_trades_per_book", 1000)
	v.SetDefault("history.max_orders_per_user", 1000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", 5*time.Millisecond)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Load reads config from a YAML file at path, falling back to the
// built-in defaults for anything unset; environment variables prefixed
// ODDSMINT_ (with "." replaced by "_") override both. path may be
// empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("ODDSMINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise fail silently or
// nonsensically deep inside the engine.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fees.MakerBps < 0 || c.Fees.TakerBps < 0 {
		return fmt.Errorf("fees.maker_bps and fees.taker_bps must be >= 0")
	}
	if c.Fees.MinOrderValue < 0 {
		return fmt.Errorf("fees.min_order_value must be >= 0")
	}
	if c.History.MaxTradesPerBook <= 0 || c.History.MaxOrdersPerUser <= 0 {
		return fmt.Errorf("history.max_trades_per_book and history.max_orders_per_user must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	return nil
}
