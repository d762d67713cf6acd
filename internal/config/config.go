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
	Auth      AuthConfig      `mapstructure:"auth"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// UpstreamConfig points at the external job-execution service.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	StatusTTLMs    int    `mapstructure:"status_ttl_ms"`
}

// SessionsConfig selects the session store backend and the job ceiling.
type SessionsConfig struct {
	// Backend is "memory" or "postgres".
	Backend           string `mapstructure:"backend"`
	DSN               string `mapstructure:"dsn"`
	MaxRuntimeMinutes int    `mapstructure:"max_runtime_minutes"`
}

// ArtifactsConfig selects the backup artifact store backend.
type ArtifactsConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// EventsConfig controls completion-event publishing.
type EventsConfig struct {
	// Backend is "noop" or "pubsub".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEDESK")
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
	v.SetDefault("upstream.timeout_seconds", 15)
	v.SetDefault("upstream.status_ttl_ms", 2000)
	v.SetDefault("sessions.backend", "memory")
	v.SetDefault("sessions.max_runtime_minutes", 15)
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.gcs_prefix", "artifacts")
	v.SetDefault("events.backend", "noop")
	v.SetDefault("events.topic", "scrape-completions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Sessions.MaxRuntimeMinutes <= 0 {
		return fmt.Errorf("sessions.max_runtime_minutes must be > 0")
	}
	switch c.Sessions.Backend {
	case "memory":
	case "postgres":
		if c.Sessions.DSN == "" {
			return fmt.Errorf("sessions.dsn must be set when sessions.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown sessions backend: %s", c.Sessions.Backend)
	}
	switch c.Artifacts.Backend {
	case "memory":
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir must be set when artifacts.backend is local")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket must be set when artifacts.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown artifacts backend: %s", c.Artifacts.Backend)
	}
	switch c.Events.Backend {
	case "noop":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic must be set when events.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown events backend: %s", c.Events.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// MaxRuntime converts the configured ceiling into a duration.
func (c Config) MaxRuntime() time.Duration {
	return time.Duration(c.Sessions.MaxRuntimeMinutes) * time.Minute
}

// UpstreamTimeout converts the upstream timeout into a duration.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// StatusTTL converts the upstream status cache TTL into a duration.
func (c Config) StatusTTL() time.Duration {
	return time.Duration(c.Upstream.StatusTTLMs) * time.Millisecond
}
