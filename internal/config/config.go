/**
 * Configuration for the PCF worker
 *
 * Loads configuration from environment variables (optionally seeded from
 * .env.pcf by main). Every key has a default except DATABASE_URL.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string
	QueueMode string // "list" (go-redis BRPOP) or "asynq"

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant description index
	QdrantEnabled    bool
	QdrantURL        string
	QdrantCollection string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	MaxImageSize      int64
	MaxRetries        int

	// HTTP API
	HTTPAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Tesseract configuration
	TesseractLanguage string

	// Form layout
	HeaderAnchor string
	FooterAnchor string
	MinYear      int
	MaxYear      int

	// Retention of expired line items
	RetentionSchedule   string
	RetentionAlertDays  int
	RetentionDeleteDays int

	// Node environment
	NodeEnv string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_url", "redis://nexus-redis:6379")
	v.SetDefault("queue_name", "pcf:jobs")
	v.SetDefault("queue_mode", "list")
	v.SetDefault("database_url", "")
	v.SetDefault("qdrant_enabled", true)
	v.SetDefault("qdrant_url", "nexus-qdrant:6334")
	v.SetDefault("qdrant_collection", "pcf_descriptions")
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("processing_timeout", 60000) // 1 minute
	v.SetDefault("max_image_size", 52428800)  // 50MB
	v.SetDefault("max_retries", 3)
	v.SetDefault("http_addr", ":8098")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("tesseract_language", "eng")
	v.SetDefault("pcf_header_anchor", "Product")
	v.SetDefault("pcf_footer_anchor", "The Pallet and the Plastic")
	v.SetDefault("pcf_min_year", 1900)
	v.SetDefault("pcf_max_year", 2100)
	v.SetDefault("retention_schedule", "@every 1h")
	v.SetDefault("retention_alert_days", 3)
	v.SetDefault("retention_delete_days", 5)
	v.SetDefault("node_env", "development")
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		RedisURL:            v.GetString("redis_url"),
		QueueName:           v.GetString("queue_name"),
		QueueMode:           strings.ToLower(v.GetString("queue_mode")),
		DatabaseURL:         v.GetString("database_url"),
		QdrantEnabled:       v.GetBool("qdrant_enabled"),
		QdrantURL:           v.GetString("qdrant_url"),
		QdrantCollection:    v.GetString("qdrant_collection"),
		WorkerConcurrency:   v.GetInt("worker_concurrency"),
		ProcessingTimeout:   v.GetInt("processing_timeout"),
		MaxImageSize:        v.GetInt64("max_image_size"),
		MaxRetries:          v.GetInt("max_retries"),
		HTTPAddr:            v.GetString("http_addr"),
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
		TesseractLanguage:   v.GetString("tesseract_language"),
		HeaderAnchor:        v.GetString("pcf_header_anchor"),
		FooterAnchor:        v.GetString("pcf_footer_anchor"),
		MinYear:             v.GetInt("pcf_min_year"),
		MaxYear:             v.GetInt("pcf_max_year"),
		RetentionSchedule:   v.GetString("retention_schedule"),
		RetentionAlertDays:  v.GetInt("retention_alert_days"),
		RetentionDeleteDays: v.GetInt("retention_delete_days"),
		NodeEnv:             v.GetString("node_env"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueMode != "list" && c.QueueMode != "asynq" {
		return fmt.Errorf("QUEUE_MODE must be list or asynq, got %q", c.QueueMode)
	}

	if c.QdrantEnabled && c.QdrantURL == "" {
		return fmt.Errorf("QDRANT_URL is required when QDRANT_ENABLED is set")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 1GB, got %d", c.MaxImageSize)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if strings.TrimSpace(c.HeaderAnchor) == "" {
		return fmt.Errorf("PCF_HEADER_ANCHOR is required")
	}

	if c.MinYear > c.MaxYear {
		return fmt.Errorf("PCF_MIN_YEAR (%d) must not exceed PCF_MAX_YEAR (%d)", c.MinYear, c.MaxYear)
	}

	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		return fmt.Errorf("RETENTION_SCHEDULE is not a valid cron spec: %w", err)
	}

	if c.RetentionAlertDays < 0 || c.RetentionDeleteDays < c.RetentionAlertDays {
		return fmt.Errorf("RETENTION_DELETE_DAYS (%d) must be >= RETENTION_ALERT_DAYS (%d) >= 0",
			c.RetentionDeleteDays, c.RetentionAlertDays)
	}

	return nil
}

// PCFOptions maps the form layout settings onto engine options
func (c *Config) PCFOptions() pcf.Options {
	opts := pcf.DefaultOptions()
	opts.HeaderAnchor = c.HeaderAnchor
	opts.FooterAnchor = c.FooterAnchor
	opts.MinYear = c.MinYear
	opts.MaxYear = c.MaxYear
	return opts
}
