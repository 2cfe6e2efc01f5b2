// Package config handles application configuration loading.
//
// Configuration follows the same patterns as other Open Cloud Ops modules:
// PHOENIX_* prefixed environment variables with sensible defaults for local
// development, layered over an optional YAML file. Database and Redis
// configuration also honour the shared POSTGRES_*, REDIS_*, DATABASE_URL and
// REDIS_URL variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Config holds all configuration values for the Phoenix DR engine.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string `mapstructure:"port"`

	// APIKey, when set, must be presented in the X-API-Key header.
	APIKey string `mapstructure:"api_key"`

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DR         DRSettings       `mapstructure:"dr"`
	Backup     BackupSettings   `mapstructure:"backup"`
	Restore    RestoreSettings  `mapstructure:"restore"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Notify     NotifySettings   `mapstructure:"notify"`

	// Regions maps a region name to the URL its health probe requests.
	Regions map[string]string `mapstructure:"regions"`

	Strategies []StrategyConfig `mapstructure:"strategies"`
	Plans      []PlanConfig     `mapstructure:"plans"`
}

// LoggingConfig controls log level, encoding and optional file rotation.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // postgres, sqlite or memory
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig configures the optional Redis connection used for health
// windows and event publishing.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	EventChannel string `mapstructure:"event_channel"`
	WindowPrefix string `mapstructure:"window_prefix"`
}

// StorageConfig selects where artifacts are kept and what is backed up.
type StorageConfig struct {
	Backend       string   `mapstructure:"backend"` // local or s3
	Path          string   `mapstructure:"path"`
	SourceDir     string   `mapstructure:"source_dir"`
	RestoreTarget string   `mapstructure:"restore_target"`
	S3            S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 artifact backend.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Prefix       string `mapstructure:"prefix"`
	Endpoint     string `mapstructure:"endpoint"` // Custom endpoint for S3-compatible stores
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// DRSettings is the file/env shape of models.DRConfig.
type DRSettings struct {
	RPOMinutes              int      `mapstructure:"rpo_minutes"`
	RTOMinutes              int      `mapstructure:"rto_minutes"`
	PrimaryRegion           string   `mapstructure:"primary_region"`
	FailoverRegions         []string `mapstructure:"failover_regions"`
	HealthCheckIntervalSec  int      `mapstructure:"health_check_interval_sec"`
	FailureThreshold        int      `mapstructure:"failure_threshold"`
	AutoFailover            bool     `mapstructure:"auto_failover"`
	AutoFailoverRTOFraction float64  `mapstructure:"auto_failover_rto_fraction"`
	ProbeTimeoutSec         int      `mapstructure:"probe_timeout_sec"`
	WindowSize              int      `mapstructure:"window_size"`
	Channels                []string `mapstructure:"channels"`
	EscalationSeverity      string   `mapstructure:"escalation_severity"`
	EscalationChannels      []string `mapstructure:"escalation_channels"`
}

// BackupSettings tunes execution retries and scheduling.
type BackupSettings struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
}

// RestoreSettings bounds restore operations.
type RestoreSettings struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ComplianceConfig controls periodic RPO evaluation.
type ComplianceConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	PlanTestMaxAge time.Duration `mapstructure:"plan_test_max_age"`
}

// NotifySettings tunes the notification dispatcher.
type NotifySettings struct {
	QueueSize   int           `mapstructure:"queue_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// StrategyConfig declares a backup strategy in the config file.
type StrategyConfig struct {
	Name       string        `mapstructure:"name"`
	Type       string        `mapstructure:"type"`
	Schedule   string        `mapstructure:"schedule"`
	MaxCount   int           `mapstructure:"max_count"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	AllowEmpty bool          `mapstructure:"allow_empty"`
}

// StepConfig declares one failover step.
type StepConfig struct {
	Name       string            `mapstructure:"name"`
	Action     string            `mapstructure:"action"`
	Params     map[string]string `mapstructure:"params"`
	TimeoutSec int               `mapstructure:"timeout_sec"`
}

// PlanConfig declares a failover plan in the config file.
type PlanConfig struct {
	ID            string       `mapstructure:"id"`
	Name          string       `mapstructure:"name"`
	TargetRegion  string       `mapstructure:"target_region"`
	Steps         []StepConfig `mapstructure:"steps"`
	RecoverySteps []StepConfig `mapstructure:"recovery_steps"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8083")
	v.SetDefault("api_key", "")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "/var/phoenix/phoenix.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.event_channel", "phoenix:events")
	v.SetDefault("redis.window_prefix", "phoenix:health:")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.path", "/var/phoenix/artifacts")
	v.SetDefault("storage.source_dir", "/var/phoenix/data")
	v.SetDefault("storage.restore_target", "/var/phoenix/data")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.prefix", "phoenix")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_path_style", false)

	v.SetDefault("dr.rpo_minutes", 60)
	v.SetDefault("dr.rto_minutes", 30)
	v.SetDefault("dr.primary_region", "us-east-1")
	v.SetDefault("dr.failover_regions", []string{"us-west-2"})
	v.SetDefault("dr.health_check_interval_sec", 30)
	v.SetDefault("dr.failure_threshold", 3)
	v.SetDefault("dr.auto_failover", false)
	v.SetDefault("dr.auto_failover_rto_fraction", 0.5)
	v.SetDefault("dr.probe_timeout_sec", 5)
	v.SetDefault("dr.window_size", 100)
	v.SetDefault("dr.channels", []string{"log"})
	v.SetDefault("dr.escalation_severity", "critical")
	v.SetDefault("dr.escalation_channels", []string{})

	v.SetDefault("backup.max_attempts", 3)
	v.SetDefault("backup.initial_backoff", 500*time.Millisecond)
	v.SetDefault("backup.max_backoff", 10*time.Second)
	v.SetDefault("backup.attempt_timeout", 10*time.Minute)
	v.SetDefault("backup.scheduler_interval", 30*time.Second)

	v.SetDefault("restore.timeout", 30*time.Minute)

	v.SetDefault("compliance.interval", time.Minute)
	v.SetDefault("compliance.plan_test_max_age", 30*24*time.Hour)

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.send_timeout", 5*time.Second)
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path looks for phoenix.yaml in the working directory and
// /etc/phoenix, and proceeds on defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PHOENIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("phoenix")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/phoenix")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode configuration: %w", err)
	}

	// Comma separated list values from the environment.
	if originsStr := os.Getenv("PHOENIX_ALLOWED_ORIGINS"); originsStr != "" {
		cfg.AllowedOrigins = splitList(originsStr)
	}
	if regions := os.Getenv("PHOENIX_DR_FAILOVER_REGIONS"); regions != "" {
		cfg.DR.FailoverRegions = splitList(regions)
	}
	if channels := os.Getenv("PHOENIX_DR_CHANNELS"); channels != "" {
		cfg.DR.Channels = splitList(channels)
	}

	if cfg.Database.URL == "" && cfg.Database.Driver == "postgres" {
		cfg.Database.URL = buildDatabaseURL()
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = buildRedisAddr()
	}

	return cfg, nil
}

// buildDatabaseURL builds a PostgreSQL connection URL from the shared
// POSTGRES_* variables, or returns DATABASE_URL when provided.
func buildDatabaseURL() string {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL
	}

	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "phoenix")
	pgUser := getEnvOrDefault("POSTGRES_USER", "phoenix")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	return dsn.String()
}

func buildRedisAddr() string {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		return redisURL
	}
	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", redisHost, redisPort)
}

// Validate checks that all required configuration fields are set and valid.
// DR objectives are validated in depth when the configuration store is built.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: PHOENIX_PORT is required")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("config: database URL could not be constructed")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("config: database.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: Redis address could not be constructed")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.SourceDir == "" {
		return fmt.Errorf("config: storage.source_dir is required")
	}
	if c.Storage.RestoreTarget == "" {
		return fmt.Errorf("config: storage.restore_target is required")
	}
	if c.Backup.MaxAttempts <= 0 {
		return fmt.Errorf("config: backup.max_attempts must be positive")
	}
	if c.DR.PrimaryRegion == "" {
		return fmt.Errorf("config: dr.primary_region is required")
	}
	return nil
}

// DRConfig converts the DR settings into the engine's configuration model.
func (c *Config) DRConfig() models.DRConfig {
	return models.DRConfig{
		RPOMinutes:      c.DR.RPOMinutes,
		RTOMinutes:      c.DR.RTOMinutes,
		PrimaryRegion:   c.DR.PrimaryRegion,
		FailoverRegions: append([]string(nil), c.DR.FailoverRegions...),
		Monitoring: models.MonitoringConfig{
			HealthCheckIntervalSec:  c.DR.HealthCheckIntervalSec,
			FailureThreshold:        c.DR.FailureThreshold,
			AutoFailover:            c.DR.AutoFailover,
			AutoFailoverRTOFraction: c.DR.AutoFailoverRTOFraction,
			ProbeTimeoutSec:         c.DR.ProbeTimeoutSec,
			WindowSize:              c.DR.WindowSize,
		},
		Notifications: models.NotificationPolicy{
			Channels: append([]string(nil), c.DR.Channels...),
			Escalation: models.EscalationPolicy{
				MinSeverity: models.Severity(c.DR.EscalationSeverity),
				Channels:    append([]string(nil), c.DR.EscalationChannels...),
			},
		},
	}
}

// StrategyDefinitions converts the declared strategies.
func (c *Config) StrategyDefinitions() []models.BackupStrategy {
	out := make([]models.BackupStrategy, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		out = append(out, models.BackupStrategy{
			Name:     s.Name,
			Type:     models.StrategyType(s.Type),
			Schedule: s.Schedule,
			Retention: models.RetentionPolicy{
				MaxCount:   s.MaxCount,
				MaxAge:     models.Duration(s.MaxAge),
				AllowEmpty: s.AllowEmpty,
			},
		})
	}
	return out
}

// PlanDefinitions converts the declared failover plans.
func (c *Config) PlanDefinitions() []models.FailoverPlan {
	out := make([]models.FailoverPlan, 0, len(c.Plans))
	for _, p := range c.Plans {
		out = append(out, models.FailoverPlan{
			ID:            p.ID,
			Name:          p.Name,
			TargetRegion:  p.TargetRegion,
			Steps:         convertSteps(p.Steps),
			RecoverySteps: convertSteps(p.RecoverySteps),
		})
	}
	return out
}

func convertSteps(steps []StepConfig) []models.FailoverStep {
	if len(steps) == 0 {
		return nil
	}
	out := make([]models.FailoverStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, models.FailoverStep{
			Name:       s.Name,
			Action:     s.Action,
			Params:     s.Params,
			TimeoutSec: s.TimeoutSec,
		})
	}
	return out
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
