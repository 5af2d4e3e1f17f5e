package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 默认值与配置合并测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, types.DialectPostgres, cfg.Defaults.Database.Dialect)
	assert.Equal(t, 3, cfg.Defaults.Connection.ValidationRetries)
	assert.Equal(t, 3, cfg.Defaults.Transaction.MaxRetries)
	assert.Equal(t, 100, cfg.Defaults.Transaction.MaxConcurrent)
	assert.Equal(t, ":9310", cfg.Ops.Addr)
	assert.NotNil(t, cfg.Apps)
}

func TestMergeApp_OverrideWins(t *testing.T) {
	base := DefaultAppConfig()
	override := types.AppConfig{
		Database: types.DatabaseConfig{
			Dialect:  types.DialectMySQL,
			Host:     "mysql.internal",
			Port:     3306,
			Database: "crm",
		},
		WorkDir:     "/srv/crm",
		AutoMigrate: true,
	}

	merged := MergeApp(base, override)

	assert.Equal(t, types.DialectMySQL, merged.Database.Dialect)
	assert.Equal(t, "crm", merged.Database.Database)
	assert.Equal(t, "/srv/crm", merged.WorkDir)
	assert.True(t, merged.AutoMigrate)
	// override 没有提供 Pool，小节从 base 继承
	assert.Equal(t, base.Database.Pool, merged.Database.Pool)
	// 未覆盖的小节原样保留
	assert.Equal(t, base.Transaction, merged.Transaction)
	assert.Equal(t, base.Connection, merged.Connection)
}

func TestMergeApp_EmptyOverrideKeepsBase(t *testing.T) {
	base := DefaultAppConfig()
	base.AutoSeed = true

	merged := MergeApp(base, types.AppConfig{})

	assert.Equal(t, base.Database, merged.Database)
	assert.True(t, merged.AutoSeed)
}

func TestMergeApp_ComponentFlagsPerSlot(t *testing.T) {
	off := false
	on := true

	base := types.AppConfig{Components: types.ComponentsConfig{Seed: &off, Migration: &on}}
	override := types.AppConfig{Components: types.ComponentsConfig{Seed: &on}}

	merged := MergeApp(base, override)

	require.NotNil(t, merged.Components.Seed)
	assert.True(t, *merged.Components.Seed, "override flag wins")
	require.NotNil(t, merged.Components.Migration)
	assert.True(t, *merged.Components.Migration, "untouched flag inherited")
	assert.Nil(t, merged.Components.Security)
}

func TestMergeApp_TransactionSectionReplaced(t *testing.T) {
	base := DefaultAppConfig()
	override := types.AppConfig{
		Transaction: types.TransactionConfig{MaxRetries: 5},
	}

	merged := MergeApp(base, override)

	// 小节整体替换：未设置的字段归零，由运行期 normalize 兜底
	assert.Equal(t, 5, merged.Transaction.MaxRetries)
	assert.Zero(t, merged.Transaction.MaxConcurrent)
}
