package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSQLitePath is the default run database location.
	DefaultSQLitePath = "trackoor.db"

	// DefaultTrackerTimeout bounds a single tracker API call.
	DefaultTrackerTimeout = 30 * time.Second

	// DefaultTrackerRequestsPerMinute is the sustained tracker call rate.
	DefaultTrackerRequestsPerMinute = 120

	// DefaultReconcileInterval is the pause between reconciliation
	// passes in watch mode.
	DefaultReconcileInterval = 15 * time.Minute

	// DefaultReconcileConcurrency is the number of runs reconciled in
	// parallel.
	DefaultReconcileConcurrency = 4

	// DefaultReconcileLimit caps how many runs a single pass visits.
	DefaultReconcileLimit = 200

	// DefaultStaleAfter is how long a launched run may stay invisible
	// on the tracker before it is declared dead.
	DefaultStaleAfter = 2 * time.Hour

	// DefaultMatchWindow bounds creation-time distance during identity
	// matching.
	DefaultMatchWindow = 30 * time.Minute

	// DefaultListen is the API server bind address.
	DefaultListen = ":8080"
)

// Config is the root configuration for trackoor.
type Config struct {
	LogLevel   string           `yaml:"log_level,omitempty" mapstructure:"log_level"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Tracker    TrackerConfig    `yaml:"tracker,omitempty" mapstructure:"tracker"`
	Infra      InfraConfig      `yaml:"infra,omitempty" mapstructure:"infra"`
	Reconciler ReconcilerConfig `yaml:"reconciler,omitempty" mapstructure:"reconciler"`
	Server     ServerConfig     `yaml:"server,omitempty" mapstructure:"server"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
	Catalog    CatalogConfig    `yaml:"catalog,omitempty" mapstructure:"catalog"`
}

// DatabaseConfig contains run database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// TrackerConfig points at the external experiment tracker.
type TrackerConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Entity            string        `yaml:"entity" mapstructure:"entity"`
	Project           string        `yaml:"project" mapstructure:"project"`
	APIKey            string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	RequestTimeout    time.Duration `yaml:"request_timeout,omitempty" mapstructure:"request_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// InfraConfig enables the compute-infrastructure liveness fallback.
type InfraConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
}

// ReconcilerConfig tunes the reconciliation engine.
type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int           `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Limit       int           `yaml:"limit,omitempty" mapstructure:"limit"`
	StaleAfter  time.Duration `yaml:"stale_after,omitempty" mapstructure:"stale_after"`
	MatchWindow time.Duration `yaml:"match_window,omitempty" mapstructure:"match_window"`
}

// Load reads the configuration file at path, layering environment
// overrides (TRACKOOR_ prefix, underscores for dots) over file values
// over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRACKOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value for every tunable key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("tracker.request_timeout", DefaultTrackerTimeout)
	v.SetDefault("tracker.requests_per_minute",
		DefaultTrackerRequestsPerMinute)

	v.SetDefault("reconciler.interval", DefaultReconcileInterval)
	v.SetDefault("reconciler.concurrency", DefaultReconcileConcurrency)
	v.SetDefault("reconciler.limit", DefaultReconcileLimit)
	v.SetDefault("reconciler.stale_after", DefaultStaleAfter)
	v.SetDefault("reconciler.match_window", DefaultMatchWindow)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.rate_limit.requests_per_minute", 120)

	v.SetDefault("catalog.path", "benchmarks.db")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q",
			c.Database.Driver)
	}

	// The tracker section is optional, but once pointed somewhere it
	// must be complete.
	if c.Tracker.BaseURL != "" {
		if c.Tracker.Entity == "" {
			return fmt.Errorf("tracker.entity is required")
		}

		if c.Tracker.Project == "" {
			return fmt.Errorf("tracker.project is required")
		}
	}

	if c.Infra.Enabled && c.Infra.Region == "" {
		return fmt.Errorf("infra.region is required when infra is enabled")
	}

	if c.Reconciler.Interval < 0 {
		return fmt.Errorf("reconciler.interval must not be negative")
	}

	if c.Artifacts.Enabled && c.Artifacts.Bucket == "" {
		return fmt.Errorf(
			"artifacts.bucket is required when artifacts are enabled")
	}

	return nil
}

// HasTracker reports whether an external tracker is configured.
func (c *Config) HasTracker() bool {
	return c.Tracker.BaseURL != ""
}
