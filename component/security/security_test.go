package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 安全组件（句柄生命周期）测试
// =============================================================================

func newSecurity(t *testing.T) *Security {
	factory := NewFactory()
	c, err := factory(component.Deps{
		Tenant: "billing",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	sec, ok := c.(*Security)
	require.True(t, ok)
	require.NoError(t, sec.Initialize(context.Background()))
	return sec
}

func sqliteConfig() types.DatabaseConfig {
	return types.DatabaseConfig{
		Dialect:  types.DialectSQLite,
		Database: ":memory:",
	}
}

func TestSecurity_CreateAndDestroyHandle(t *testing.T) {
	sec := newSecurity(t)

	handle, err := sec.CreateHandle(context.Background(), sqliteConfig())
	require.NoError(t, err)
	require.NotNil(t, handle)

	sqlDB, err := handle.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())

	require.NoError(t, sec.DestroyHandle())
	assert.Error(t, sqlDB.Ping(), "pool must be closed after destroy")
}

func TestSecurity_SecondHandleRejected(t *testing.T) {
	sec := newSecurity(t)

	_, err := sec.CreateHandle(context.Background(), sqliteConfig())
	require.NoError(t, err)
	defer sec.DestroyHandle()

	_, err = sec.CreateHandle(context.Background(), sqliteConfig())
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestSecurity_DestroyWithoutCreate(t *testing.T) {
	sec := newSecurity(t)
	assert.NoError(t, sec.DestroyHandle())
}

func TestSecurity_ConfigValidation(t *testing.T) {
	sec := newSecurity(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  types.DatabaseConfig
	}{
		{"missing database", types.DatabaseConfig{Dialect: types.DialectSQLite}},
		{"postgres without host", types.DatabaseConfig{Dialect: types.DialectPostgres, Port: 5432, Database: "d"}},
		{"postgres without port", types.DatabaseConfig{Dialect: types.DialectPostgres, Host: "h", Database: "d"}},
		{"unknown dialect", types.DatabaseConfig{Dialect: "mssql", Database: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sec.CreateHandle(ctx, tt.cfg)
			assert.True(t, types.IsCode(err, types.ErrConfiguration), "got %v", err)
		})
	}
}

func TestSecurity_ShutdownDestroysHandle(t *testing.T) {
	sec := newSecurity(t)

	handle, err := sec.CreateHandle(context.Background(), sqliteConfig())
	require.NoError(t, err)
	sqlDB, err := handle.DB()
	require.NoError(t, err)

	require.NoError(t, sec.Shutdown(context.Background(), component.ShutdownOptions{}))
	assert.Error(t, sqlDB.Ping())
	assert.Equal(t, types.StateShutdown, sec.Status().State)
}

func TestSecurity_PoolLimitsApplied(t *testing.T) {
	sec := newSecurity(t)
	cfg := sqliteConfig()
	cfg.Pool = types.PoolConfig{MaxOpenConns: 7, MaxIdleConns: 3}

	handle, err := sec.CreateHandle(context.Background(), cfg)
	require.NoError(t, err)
	defer sec.DestroyHandle()

	sqlDB, err := handle.DB()
	require.NoError(t, err)
	assert.Equal(t, 7, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenDirect(t *testing.T) {
	handle, err := OpenDirect(sqliteConfig())
	require.NoError(t, err)

	sqlDB, err := handle.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.NoError(t, sqlDB.Ping())
}
