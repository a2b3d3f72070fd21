// Package config loads and validates giftwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures outbound fetch behavior.
type HTTPConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	RetryAttempts     int    `mapstructure:"retry_attempts"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
}

// MonitorConfig governs poller pacing and range-mode concurrency.
type MonitorConfig struct {
	MaxConcurrent       int `mapstructure:"max_concurrent"`
	ProbeDelayMs        int `mapstructure:"probe_delay_ms"`
	IdleSleepSeconds    int `mapstructure:"idle_sleep_seconds"`
	MaxConsecutiveEmpty int `mapstructure:"max_consecutive_empty"`
	BatchPauseMs        int `mapstructure:"batch_pause_ms"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GIFTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.retry_attempts", 3)
	v.SetDefault("http.retry_delay_seconds", 1)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	v.SetDefault("monitor.max_concurrent", 10)
	v.SetDefault("monitor.probe_delay_ms", 20)
	v.SetDefault("monitor.idle_sleep_seconds", 5)
	v.SetDefault("monitor.max_consecutive_empty", 50)
	v.SetDefault("monitor.batch_pause_ms", 100)
	v.SetDefault("db.table", "items")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RetryAttempts <= 0 {
		return fmt.Errorf("http.retry_attempts must be > 0")
	}
	if c.Monitor.MaxConcurrent <= 0 {
		return fmt.Errorf("monitor.max_concurrent must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// FetchTimeout returns the per-request fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FetcherConfig converts the HTTP section into monitor retry settings.
func (c Config) FetcherConfig() monitor.FetcherConfig {
	return monitor.FetcherConfig{
		Attempts:   c.HTTP.RetryAttempts,
		RetryDelay: time.Duration(c.HTTP.RetryDelaySeconds) * time.Second,
	}
}

// PollerConfig converts the monitor section into poller pacing settings.
func (c Config) PollerConfig() monitor.PollerConfig {
	return monitor.PollerConfig{
		MaxConcurrency:      c.Monitor.MaxConcurrent,
		ProbeDelay:          time.Duration(c.Monitor.ProbeDelayMs) * time.Millisecond,
		IdleSleep:           time.Duration(c.Monitor.IdleSleepSeconds) * time.Second,
		MaxConsecutiveEmpty: c.Monitor.MaxConsecutiveEmpty,
		BatchPause:          time.Duration(c.Monitor.BatchPauseMs) * time.Millisecond,
	}
}
