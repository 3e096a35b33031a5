// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Hub       HubConfig       `mapstructure:"hub"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory progress store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// HubConfig sizes the progress event hub.
type HubConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// JobsConfig governs job execution.
type JobsConfig struct {
	Workers int `mapstructure:"workers"`
}

// MetricsConfig toggles Prometheus collection and the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TelemetryConfig controls OpenTelemetry trace export. Tracing is off while
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("hub.buffer_size", 1024)
	v.SetDefault("hub.max_batch_events", 256)
	v.SetDefault("hub.max_batch_wait_ms", 250)
	v.SetDefault("hub.sink_timeout_seconds", 5)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("telemetry.service_name", "progressd")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0")
	}
	if c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be > 0")
	}
	if c.Hub.MaxBatchEvents <= 0 {
		return fmt.Errorf("hub.max_batch_events must be > 0")
	}
	if c.Hub.MaxBatchWaitMs <= 0 {
		return fmt.Errorf("hub.max_batch_wait_ms must be > 0")
	}
	if c.Hub.SinkTimeoutSeconds <= 0 {
		return fmt.Errorf("hub.sink_timeout_seconds must be > 0")
	}
	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name must be set when telemetry.otlp_endpoint is set")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	return nil
}

// BatchWait converts the hub batching window into a duration.
func (c HubConfig) BatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout converts the per-sink flush timeout into a duration.
func (c HubConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSeconds) * time.Second
}
