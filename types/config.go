package types

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================
// Application Configuration Types
// Structured configuration accepted at every orchestration boundary.
// Later layers override earlier ones; slices replace, never concatenate.
// ============================================================

// Dialect identifies the database engine behind a handle.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// DatabaseConfig describes the database target for one application.
type DatabaseConfig struct {
	Dialect  Dialect `json:"dialect" yaml:"dialect"`
	Host     string  `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int     `json:"port,omitempty" yaml:"port,omitempty"`
	Database string  `json:"database" yaml:"database"`
	Username string  `json:"username,omitempty" yaml:"username,omitempty"`
	Password string  `json:"password,omitempty" yaml:"password,omitempty"`
	Params   string  `json:"params,omitempty" yaml:"params,omitempty"`

	Pool PoolConfig `json:"pool,omitempty" yaml:"pool,omitempty"`
}

// PoolConfig tunes the underlying sql.DB pool.
type PoolConfig struct {
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MinPoolSize     int           `json:"min_pool_size,omitempty" yaml:"min_pool_size,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time,omitempty" yaml:"conn_max_idle_time,omitempty"`
}

// Fingerprint returns the deterministic identifier used to key shared-handle
// reference counts. Two configs with equal fingerprints may share one handle.
func (c DatabaseConfig) Fingerprint() string {
	if c.Dialect == DialectSQLite {
		return fmt.Sprintf("%s:%s", c.Dialect, c.Database)
	}
	return fmt.Sprintf("%s:%s:%d/%s", c.Dialect, strings.ToLower(c.Host), c.Port, c.Database)
}

// AppConfig is the per-tenant registration configuration.
type AppConfig struct {
	Database DatabaseConfig `json:"database" yaml:"database"`

	// WorkDir is the application working directory used by migration and
	// seed components for file discovery. Must be absolute and accessible.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// Connection sharing
	IsShared      bool   `json:"is_shared,omitempty" yaml:"is_shared,omitempty"`
	UseConnection string `json:"use_connection,omitempty" yaml:"use_connection,omitempty"` // tenant name or "any"

	// Auto-operations executed after registration, in this fixed order.
	AutoMigrate        bool `json:"auto_migrate,omitempty" yaml:"auto_migrate,omitempty"`
	AutoSeed           bool `json:"auto_seed,omitempty" yaml:"auto_seed,omitempty"`
	AutoRegisterModels bool `json:"auto_register_models,omitempty" yaml:"auto_register_models,omitempty"`

	// Components toggles each sub-component slot (nil defaults apply).
	Components ComponentsConfig `json:"components,omitempty" yaml:"components,omitempty"`

	Connection  ConnectionConfig  `json:"connection,omitempty" yaml:"connection,omitempty"`
	Transaction TransactionConfig `json:"transaction,omitempty" yaml:"transaction,omitempty"`

	Migration MigrationConfig `json:"migration,omitempty" yaml:"migration,omitempty"`
	Seed      SeedConfig      `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Models are registered when AutoRegisterModels is set. Struct values,
	// not serializable; provided programmatically only.
	Models []any `json:"-" yaml:"-"`
}

// ComponentsConfig enables or disables each sub-component slot.
// Each slot is enabled by default; a false value disables it and the
// supervisor returns disabled-no-op results for its operations.
type ComponentsConfig struct {
	Security    *bool `json:"security,omitempty" yaml:"security,omitempty"`
	Migration   *bool `json:"migration,omitempty" yaml:"migration,omitempty"`
	Seed        *bool `json:"seed,omitempty" yaml:"seed,omitempty"`
	Model       *bool `json:"model,omitempty" yaml:"model,omitempty"`
	Transaction *bool `json:"transaction,omitempty" yaml:"transaction,omitempty"`
}

// Enabled reports whether a slot pointer means enabled (nil = enabled).
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

// ConnectionConfig tunes supervisor handle creation and validation.
type ConnectionConfig struct {
	ValidationRetries    int           `json:"validation_retries,omitempty" yaml:"validation_retries,omitempty"`
	ValidationRetryDelay time.Duration `json:"validation_retry_delay,omitempty" yaml:"validation_retry_delay,omitempty"`
	ValidationTimeout    time.Duration `json:"validation_timeout,omitempty" yaml:"validation_timeout,omitempty"`
	ShutdownTimeout      time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// TransactionConfig tunes the transaction coordinator.
type TransactionConfig struct {
	MaxConcurrent  int           `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay     time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxAge         time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	SweepInterval  time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	HistorySize    int           `json:"history_size,omitempty" yaml:"history_size,omitempty"`
	HistoryMaxAge  time.Duration `json:"history_max_age,omitempty" yaml:"history_max_age,omitempty"`
}

// MigrationConfig configures the migration sub-component.
type MigrationConfig struct {
	// Dir holds versioned SQL files, golang-migrate naming convention.
	// Relative paths resolve against AppConfig.WorkDir.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Table overrides the schema-migrations bookkeeping table name.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// SeedConfig configures the seed sub-component.
type SeedConfig struct {
	Dir   string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// RegistryConfig tunes the top-level registry and its health loop.
type RegistryConfig struct {
	HealthInterval       time.Duration `json:"health_interval,omitempty" yaml:"health_interval,omitempty"`
	HealthProbeTimeout   time.Duration `json:"health_probe_timeout,omitempty" yaml:"health_probe_timeout,omitempty"`
	PerformanceThreshold time.Duration `json:"performance_threshold,omitempty" yaml:"performance_threshold,omitempty"`
	MaxProbeConcurrency  int           `json:"max_probe_concurrency,omitempty" yaml:"max_probe_concurrency,omitempty"`
	ShutdownTimeout      time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	// AlertsPerMinute bounds repeated health alerts per tenant.
	AlertsPerMinute int `json:"alerts_per_minute,omitempty" yaml:"alerts_per_minute,omitempty"`
}
