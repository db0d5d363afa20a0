// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/storage/gcs"
	"github.com/JakeFAU/namus-crawler/internal/storage/local"
)

// Storage providers accepted by storage.provider.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	NamUs    NamUsConfig    `mapstructure:"namus"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// NamUsConfig points the client at the API.
type NamUsConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	PageSize int    `mapstructure:"page_size"`
	Category string `mapstructure:"category"`
}

// CrawlerConfig governs the run.
type CrawlerConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects where record bodies are written.
type StorageConfig struct {
	Provider         string       `mapstructure:"provider"`
	Prefix           string       `mapstructure:"prefix"`
	WriteConcurrency int          `mapstructure:"write_concurrency"`
	GCS              gcs.Config   `mapstructure:"gcs"`
	Local            local.Config `mapstructure:"local"`
}

// DBConfig controls the failure ledger. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	FailuresTable   string        `mapstructure:"failures_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CacheConfig controls the Redis record cache. An empty address disables it.
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ProgressConfig configures the progress hub.
type ProgressConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	LogEnabled        bool        `mapstructure:"log_enabled"`
	PrometheusEnabled bool        `mapstructure:"prometheus_enabled"`
	BufferSize        int         `mapstructure:"buffer_size"`
	Batch             BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int         `mapstructure:"sink_timeout_ms"`
}

// BatchConfig bounds a progress batch.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// New returns a Viper instance with defaults and environment binding applied.
// Flags may be bound to it before FromViper is called.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// FromViper unmarshals and validates.
func FromViper(v *viper.Viper) (Config, error) {
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
	v.SetDefault("namus.base_url", namus.DefaultBaseURL)
	v.SetDefault("namus.page_size", namus.DefaultPageSize)
	v.SetDefault("namus.category", "missing")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.max_attempts", 1)
	v.SetDefault("crawler.backoff_initial_ms", 250)
	v.SetDefault("crawler.backoff_max_ms", 5000)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "namus-crawler/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rps", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 0)
	v.SetDefault("storage.provider", StorageNone)
	v.SetDefault("storage.prefix", "namus")
	v.SetDefault("storage.write_concurrency", 8)
	v.SetDefault("db.runs_table", "crawl_runs")
	v.SetDefault("db.failures_table", "crawl_failures")
	v.SetDefault("db.migrate", true)
	v.SetDefault("cache.prefix", "namus")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 512)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := c.Category(); err != nil {
		return fmt.Errorf("namus.category: %w", err)
	}
	if c.NamUs.PageSize <= 0 {
		return errors.New("namus.page_size must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return errors.New("crawler.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.Server.Port < 0 {
		return errors.New("server.port must be >= 0")
	}
	switch c.Storage.Provider {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir is required for the local provider")
		}
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not one of none, memory, local, gcs", c.Storage.Provider)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Category parses namus.category.
func (c Config) Category() (namus.Category, error) {
	return namus.ParseCategory(c.NamUs.Category)
}

// RequestTimeout is the per-exchange transport timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
