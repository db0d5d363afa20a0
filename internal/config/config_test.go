package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/namus-crawler/internal/namus"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, namus.DefaultBaseURL, cfg.NamUs.BaseURL)
	assert.Equal(t, namus.DefaultPageSize, cfg.NamUs.PageSize)
	assert.Equal(t, 5, cfg.Crawler.Concurrency)
	assert.Equal(t, 1, cfg.Crawler.MaxAttempts)
	assert.Equal(t, StorageNone, cfg.Storage.Provider)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())

	category, err := cfg.Category()
	require.NoError(t, err)
	assert.Equal(t, namus.MissingPersons, category)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
namus:
  base_url: http://localhost:9999
  page_size: 500
  category: unclaimed
crawler:
  concurrency: 8
  max_attempts: 3
http:
  timeout_seconds: 10
  user_agent: test-agent
  rps: 2.5
logging:
  development: false
  level: debug
server:
  port: 9090
storage:
  provider: local
  prefix: out
  local:
    base_dir: /tmp/namus
db:
  dsn: postgres://localhost/namus
  max_conn_lifetime: 5m
pubsub:
  project_id: proj
  topic_name: runs
cache:
  redis_addr: localhost:6379
  ttl: 1h
progress:
  batch:
    max_events: 10
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9999", cfg.NamUs.BaseURL)
	assert.Equal(t, 500, cfg.NamUs.PageSize)
	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.Equal(t, 3, cfg.Crawler.MaxAttempts)
	assert.InDelta(t, 2.5, cfg.HTTP.RPS, 0.001)
	assert.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/namus", cfg.Storage.Local.BaseDir)
	assert.Equal(t, 5*time.Minute, cfg.DB.MaxConnLifetime)
	assert.Equal(t, "runs", cfg.PubSub.TopicName)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Progress.Batch.MaxEvents)
	assert.Equal(t, 500, cfg.Progress.Batch.MaxWaitMs)

	category, err := cfg.Category()
	require.NoError(t, err)
	assert.Equal(t, namus.UnclaimedPersons, category)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_CONCURRENCY", "2")
	t.Setenv("CRAWLER_NAMUS_CATEGORY", "unidentified")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Crawler.Concurrency)
	assert.Equal(t, "unidentified", cfg.NamUs.Category)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			NamUs:   NamUsConfig{Category: "missing", PageSize: 10},
			Crawler: CrawlerConfig{Concurrency: 1, MaxAttempts: 1},
			HTTP:    HTTPConfig{TimeoutSeconds: 1},
			Storage: StorageConfig{Provider: StorageNone},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad category", func(c *Config) { c.NamUs.Category = "lost" }, "namus.category"},
		{"page size", func(c *Config) { c.NamUs.PageSize = 0 }, "namus.page_size"},
		{"concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"attempts", func(c *Config) { c.Crawler.MaxAttempts = 0 }, "crawler.max_attempts"},
		{"timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"provider", func(c *Config) { c.Storage.Provider = "s3" }, "storage.provider"},
		{"local dir", func(c *Config) { c.Storage.Provider = StorageLocal }, "base_dir"},
		{"gcs bucket", func(c *Config) { c.Storage.Provider = StorageGCS }, "bucket"},
		{"pubsub pair", func(c *Config) { c.PubSub.TopicName = "runs" }, "pubsub.project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}
