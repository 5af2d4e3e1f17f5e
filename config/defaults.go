// =============================================================================
// 📦 DBFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/dbflow/internal/server"
	"github.com/BaSui01/dbflow/types"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:      DefaultLogConfig(),
		Registry: DefaultRegistryConfig(),
		Ops:      server.DefaultConfig(),
		Defaults: DefaultAppConfig(),
		Apps:     make(map[string]types.AppConfig),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() types.RegistryConfig {
	return types.RegistryConfig{
		HealthInterval:       30 * time.Second,
		HealthProbeTimeout:   5 * time.Second,
		PerformanceThreshold: 500 * time.Millisecond,
		MaxProbeConcurrency:  8,
		ShutdownTimeout:      30 * time.Second,
		AlertsPerMinute:      6,
	}
}

// DefaultAppConfig 返回应用配置基线
func DefaultAppConfig() types.AppConfig {
	return types.AppConfig{
		Database: types.DatabaseConfig{
			Dialect: types.DialectPostgres,
			Host:    "localhost",
			Port:    5432,
			Pool:    DefaultPoolConfig(),
		},
		Connection:  DefaultConnectionConfig(),
		Transaction: DefaultTransactionConfig(),
		Migration:   types.MigrationConfig{Dir: "migrations"},
		Seed:        types.SeedConfig{Dir: "seeds"},
	}
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() types.PoolConfig {
	return types.PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		MinPoolSize:     2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// DefaultConnectionConfig 返回默认连接验证配置
func DefaultConnectionConfig() types.ConnectionConfig {
	return types.ConnectionConfig{
		ValidationRetries:    3,
		ValidationRetryDelay: 500 * time.Millisecond,
		ValidationTimeout:    5 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}

// DefaultTransactionConfig 返回默认事务协调配置
func DefaultTransactionConfig() types.TransactionConfig {
	return types.TransactionConfig{
		MaxConcurrent: 100,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		Timeout:       30 * time.Second,
		MaxAge:        time.Minute,
		SweepInterval: 10 * time.Second,
		HistorySize:   100,
		HistoryMaxAge: time.Hour,
	}
}

// =============================================================================
// 🔀 配置合并
// =============================================================================

// MergeApp 用 override 覆盖 base，返回合并结果。
// 标量字段非零值覆盖；Database 等小节整体覆盖（小节内任一字段
// 被设置即以 override 的小节为准）；组件开关逐槽覆盖。
func MergeApp(base, override types.AppConfig) types.AppConfig {
	out := base

	if override.Database != (types.DatabaseConfig{}) {
		out.Database = override.Database
		if override.Database.Pool == (types.PoolConfig{}) {
			out.Database.Pool = base.Database.Pool
		}
	}
	if override.WorkDir != "" {
		out.WorkDir = override.WorkDir
	}
	if override.UseConnection != "" {
		out.UseConnection = override.UseConnection
	}
	out.IsShared = base.IsShared || override.IsShared
	out.AutoMigrate = base.AutoMigrate || override.AutoMigrate
	out.AutoSeed = base.AutoSeed || override.AutoSeed
	out.AutoRegisterModels = base.AutoRegisterModels || override.AutoRegisterModels

	out.Components = mergeComponents(base.Components, override.Components)

	if override.Connection != (types.ConnectionConfig{}) {
		out.Connection = override.Connection
	}
	if override.Transaction != (types.TransactionConfig{}) {
		out.Transaction = override.Transaction
	}
	if override.Migration != (types.MigrationConfig{}) {
		out.Migration = override.Migration
	}
	if override.Seed != (types.SeedConfig{}) {
		out.Seed = override.Seed
	}
	if len(override.Models) > 0 {
		out.Models = override.Models
	}
	return out
}

func mergeComponents(base, override types.ComponentsConfig) types.ComponentsConfig {
	pick := func(b, o *bool) *bool {
		if o != nil {
			return o
		}
		return b
	}
	return types.ComponentsConfig{
		Security:    pick(base.Security, override.Security),
		Migration:   pick(base.Migration, override.Migration),
		Seed:        pick(base.Seed, override.Seed),
		Model:       pick(base.Model, override.Model),
		Transaction: pick(base.Transaction, override.Transaction),
	}
}
