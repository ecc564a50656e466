package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pcf@localhost/pcf?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "pcf:jobs", cfg.QueueName)
	assert.Equal(t, "list", cfg.QueueMode)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, "Product", cfg.HeaderAnchor)
	assert.Equal(t, "The Pallet and the Plastic", cfg.FooterAnchor)
	assert.Equal(t, 1900, cfg.MinYear)
	assert.Equal(t, 2100, cfg.MaxYear)
	assert.Equal(t, 3, cfg.RetentionAlertDays)
	assert.Equal(t, 5, cfg.RetentionDeleteDays)
	assert.True(t, cfg.QdrantEnabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pcf@localhost/pcf")
	t.Setenv("QUEUE_MODE", "ASYNQ")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("PCF_MIN_YEAR", "2000")
	t.Setenv("PCF_MAX_YEAR", "2050")
	t.Setenv("QDRANT_ENABLED", "false")
	t.Setenv("RETENTION_SCHEDULE", "0 3 * * *")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "asynq", cfg.QueueMode)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 2000, cfg.MinYear)
	assert.Equal(t, 2050, cfg.MaxYear)
	assert.False(t, cfg.QdrantEnabled)
	assert.Equal(t, "0 3 * * *", cfg.RetentionSchedule)

	opts := cfg.PCFOptions()
	assert.Equal(t, 2000, opts.MinYear)
	assert.Equal(t, "Product", opts.HeaderAnchor)
	assert.NoError(t, opts.Validate())
}

func TestLoadConfig_MissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:            "redis://localhost:6379",
			DatabaseURL:         "postgres://localhost/pcf",
			QueueMode:           "list",
			QdrantURL:           "localhost:6334",
			QdrantEnabled:       true,
			WorkerConcurrency:   4,
			ProcessingTimeout:   60000,
			MaxImageSize:        1 << 20,
			HeaderAnchor:        "Product",
			MinYear:             1900,
			MaxYear:             2100,
			RetentionSchedule:   "@every 1h",
			RetentionAlertDays:  3,
			RetentionDeleteDays: 5,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"no redis", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"unknown queue mode", func(c *Config) { c.QueueMode = "kafka" }, "QUEUE_MODE"},
		{"qdrant without url", func(c *Config) { c.QdrantURL = "" }, "QDRANT_URL"},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"too many workers", func(c *Config) { c.WorkerConcurrency = 101 }, "WORKER_CONCURRENCY"},
		{"short timeout", func(c *Config) { c.ProcessingTimeout = 10 }, "PROCESSING_TIMEOUT"},
		{"tiny image limit", func(c *Config) { c.MaxImageSize = 10 }, "MAX_IMAGE_SIZE"},
		{"blank anchor", func(c *Config) { c.HeaderAnchor = "  " }, "PCF_HEADER_ANCHOR"},
		{"inverted years", func(c *Config) { c.MinYear = 2200 }, "PCF_MIN_YEAR"},
		{"bad cron", func(c *Config) { c.RetentionSchedule = "whenever" }, "RETENTION_SCHEDULE"},
		{"delete before alert", func(c *Config) { c.RetentionDeleteDays = 1 }, "RETENTION_DELETE_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("qdrant disabled needs no url", func(t *testing.T) {
		cfg := valid()
		cfg.QdrantEnabled = false
		cfg.QdrantURL = ""
		assert.NoError(t, cfg.Validate())
	})
}
