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
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	DB        DBConfig        `mapstructure:"db"`
	Search    SearchConfig    `mapstructure:"search"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Publisher PublisherConfig `mapstructure:"publisher"`
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

// UpstreamConfig describes the listing source API.
type UpstreamConfig struct {
	URL              string `mapstructure:"url"`
	APIKey           string `mapstructure:"api_key"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
}

// ScheduleConfig governs the recurring crawl schedule.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// ArchiveConfig sets the raw-data blob storage destination.
type ArchiveConfig struct {
	GCSBucket        string `mapstructure:"gcs_bucket"`
	Prefix           string `mapstructure:"prefix"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SearchConfig describes the search engine cluster and index.
type SearchConfig struct {
	Addresses        []string `mapstructure:"addresses"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	Index            string   `mapstructure:"index"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
}

// PipelineConfig governs batch sizes, per-run limits, and tolerances.
type PipelineConfig struct {
	BatchSize         int     `mapstructure:"batch_size"`
	MaxRecordsPerRun  int     `mapstructure:"max_records_per_run"`
	ErrorTolerance    float64 `mapstructure:"error_tolerance"`
	PersistWorkers    int     `mapstructure:"persist_workers"`
	IndexWorkers      int     `mapstructure:"index_workers"`
	RunTimeoutMinutes int     `mapstructure:"run_timeout_minutes"`
}

// PublisherConfig holds metadata for run-completion notifications.
type PublisherConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
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
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.backoff_initial_ms", 500)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 */4 * * *")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.max_retries", 3)
	v.SetDefault("archive.backoff_initial_ms", 500)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.index", "listings")
	v.SetDefault("search.max_retries", 3)
	v.SetDefault("search.backoff_initial_ms", 500)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.max_records_per_run", 10000)
	v.SetDefault("pipeline.error_tolerance", 0.1)
	v.SetDefault("pipeline.persist_workers", 4)
	v.SetDefault("pipeline.index_workers", 2)
	v.SetDefault("pipeline.run_timeout_minutes", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.MaxRecordsPerRun <= 0 {
		return fmt.Errorf("pipeline.max_records_per_run must be > 0")
	}
	if c.Pipeline.ErrorTolerance < 0 || c.Pipeline.ErrorTolerance > 1 {
		return fmt.Errorf("pipeline.error_tolerance must be within [0,1]")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron must be set when the scheduler is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Publisher.Enabled && (c.Publisher.ProjectID == "" || c.Publisher.TopicName == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic_name must be set when the publisher is enabled")
	}
	return nil
}

// RunTimeout converts the configured run ceiling into a duration.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutMinutes) * time.Minute
}

// Snapshot captures the run-scoped configuration stored on each CrawlJob.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"upstream_url":        c.Upstream.URL,
		"batch_size":          c.Pipeline.BatchSize,
		"max_records_per_run": c.Pipeline.MaxRecordsPerRun,
		"error_tolerance":     c.Pipeline.ErrorTolerance,
	}
}
