// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Provider ProviderConfig `mapstructure:"provider"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles. Webhook callbacks carry
// their own per-submission secrets and are not gated by the API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig identifies the external snapshot provider account.
type ProviderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Token             string  `mapstructure:"token"`
	DatasetID         string  `mapstructure:"dataset_id"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// PipelineConfig governs batching and completion detection.
type PipelineConfig struct {
	BatchSize             int    `mapstructure:"batch_size"`
	Mode                  string `mapstructure:"mode"`
	Source                string `mapstructure:"source"`
	PollIntervalSeconds   int    `mapstructure:"poll_interval_seconds"`
	MaxPollAttempts       int    `mapstructure:"max_poll_attempts"`
	DeadlineMinutes       int    `mapstructure:"deadline_minutes"`
	EnrichmentLimit       int    `mapstructure:"enrichment_limit"`
	SubmitAttempts      int    `mapstructure:"submit_attempts"`
	SubmitDelaySeconds  int    `mapstructure:"submit_delay_seconds"`
}

// WebhookConfig controls webhook-mode completion.
type WebhookConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	LifetimeMinutes int    `mapstructure:"lifetime_minutes"`
	Migrate         bool   `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for run completion notifications.
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
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("provider.timeout_seconds", 60)
	v.SetDefault("provider.requests_per_second", 5)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.mode", "poll")
	v.SetDefault("pipeline.source", "provider")
	v.SetDefault("pipeline.poll_interval_seconds", 30)
	v.SetDefault("pipeline.max_poll_attempts", 24)
	v.SetDefault("pipeline.deadline_minutes", 180)
	v.SetDefault("pipeline.enrichment_limit", 100)
	v.SetDefault("pipeline.submit_attempts", 3)
	v.SetDefault("pipeline.submit_delay_seconds", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.lifetime_minutes", 30)
	v.SetDefault("db.migrate", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.Mode != "poll" && c.Pipeline.Mode != "webhook" {
		return fmt.Errorf("pipeline.mode must be poll or webhook")
	}
	if c.Pipeline.Mode == "webhook" && c.Webhook.BaseURL == "" {
		return fmt.Errorf("webhook.base_url must be set when pipeline.mode is webhook")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("provider.timeout_seconds must be > 0")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "gcs" {
		return fmt.Errorf("storage.backend must be memory or gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ProviderTimeout converts the provider timeout config into a duration.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}
