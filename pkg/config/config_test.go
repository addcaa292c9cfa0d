package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_FileValues(t *testing.T) {
	configPath := writeConfig(t, `
log_level: debug
database:
  driver: sqlite
  sqlite:
    path: /data/runs.db
tracker:
  base_url: https://tracker.example
  entity: mango
  project: training
  request_timeout: 10s
reconciler:
  interval: 5m
  stale_after: 3h
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/data/runs.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "https://tracker.example", cfg.Tracker.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Tracker.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, 3*time.Hour, cfg.Reconciler.StaleAfter)
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  driver: sqlite
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultTrackerTimeout, cfg.Tracker.RequestTimeout)
	assert.Equal(t, DefaultReconcileInterval, cfg.Reconciler.Interval)
	assert.Equal(t, DefaultReconcileConcurrency, cfg.Reconciler.Concurrency)
	assert.Equal(t, DefaultReconcileLimit, cfg.Reconciler.Limit)
	assert.Equal(t, DefaultStaleAfter, cfg.Reconciler.StaleAfter)
	assert.Equal(t, DefaultMatchWindow, cfg.Reconciler.MatchWindow)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
log_level: info
database:
  driver: sqlite
  sqlite:
    path: /data/runs.db
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "/data/runs.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TRACKOOR_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
		{
			name: "nested override - sqlite path",
			envVars: map[string]string{
				"TRACKOOR_DATABASE_SQLITE_PATH": "/override/runs.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/override/runs.db",
					cfg.Database.SQLite.Path)
			},
		},
		{
			name: "duration override - reconciler interval",
			envVars: map[string]string{
				"TRACKOOR_RECONCILER_INTERVAL": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Reconciler.Interval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errSubstr string
	}{
		{
			name:   "valid sqlite config",
			mutate: func(cfg *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr:   true,
			errSubstr: "unsupported database driver",
		},
		{
			name: "sqlite without path",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ""
			},
			wantErr:   true,
			errSubstr: "database.sqlite.path is required",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "trackoor"
			},
			wantErr:   true,
			errSubstr: "database.postgres.host is required",
		},
		{
			name: "tracker missing entity",
			mutate: func(cfg *Config) {
				cfg.Tracker.BaseURL = "https://tracker.example"
				cfg.Tracker.Project = "training"
			},
			wantErr:   true,
			errSubstr: "tracker.entity is required",
		},
		{
			name: "infra enabled without region",
			mutate: func(cfg *Config) {
				cfg.Infra.Enabled = true
			},
			wantErr:   true,
			errSubstr: "infra.region is required",
		},
		{
			name: "artifacts enabled without bucket",
			mutate: func(cfg *Config) {
				cfg.Artifacts.Enabled = true
			},
			wantErr:   true,
			errSubstr: "artifacts.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Database: DatabaseConfig{
					Driver: "sqlite",
					SQLite: SQLiteDatabaseConfig{Path: "runs.db"},
				},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
