// Package config defines all configuration for the broker gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BROKER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Governor GovernorConfig `mapstructure:"governor"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	API      APIConfig      `mapstructure:"api"`
}

// BrokerConfig holds the REST endpoint and credentials for the broker.
// AccessToken and RefreshToken should come from BROKER_ACCESS_TOKEN /
// BROKER_REFRESH_TOKEN rather than the file.
type BrokerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	AccountID    string        `mapstructure:"account_id"`
	AccessToken  string        `mapstructure:"access_token"`
	RefreshToken string        `mapstructure:"refresh_token"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// GovernorConfig tunes the adaptive request governor.
//
//   - Profile: safe, balanced, or aggressive. Controls pacing thresholds.
//   - TelemetryWindow: rolling window feeding mode decisions.
//   - Breaker*: upstream circuit breaker (5xx/network full-stop backoff).
type GovernorConfig struct {
	Profile          string        `mapstructure:"profile"`
	TelemetryWindow  time.Duration `mapstructure:"telemetry_window"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerBase      time.Duration `mapstructure:"breaker_base"`
	BreakerCap       time.Duration `mapstructure:"breaker_cap"`
}

// StreamConfig tunes the streaming session. Zero values fall back to the
// session's defaults, so a minimal file only needs the URL.
type StreamConfig struct {
	URL           string        `mapstructure:"url"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	SyncTimeout   time.Duration `mapstructure:"sync_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	ReconnectStep time.Duration `mapstructure:"reconnect_step"`
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap"`
	TokenLeeway   time.Duration `mapstructure:"token_leeway"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the local status/ops HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BROKER_ACCESS_TOKEN, BROKER_REFRESH_TOKEN,
// BROKER_ACCOUNT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("BROKER_ACCESS_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if tok := os.Getenv("BROKER_REFRESH_TOKEN"); tok != "" {
		cfg.Broker.RefreshToken = tok
	}
	if id := os.Getenv("BROKER_ACCOUNT_ID"); id != "" {
		cfg.Broker.AccountID = id
	}
	if profile := os.Getenv("BROKER_GOVERNOR_PROFILE"); profile != "" {
		cfg.Governor.Profile = profile
	}

	if cfg.Governor.Profile == "" {
		cfg.Governor.Profile = "balanced"
	}
	if cfg.Broker.HTTPTimeout <= 0 {
		cfg.Broker.HTTPTimeout = 30 * time.Second
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required (set BROKER_ACCESS_TOKEN)")
	}
	switch c.Governor.Profile {
	case "safe", "balanced", "aggressive":
	default:
		return fmt.Errorf("governor.profile must be one of: safe, balanced, aggressive")
	}
	if c.Governor.BreakerThreshold < 0 {
		return fmt.Errorf("governor.breaker_threshold must be >= 0")
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port when api.enabled is set")
	}
	return nil
}
