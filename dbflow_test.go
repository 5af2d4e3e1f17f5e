package dbflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/config"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 门面冒烟测试
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	reg, err := New(WithoutMetrics(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, reg)
	defer reg.Shutdown(context.Background(), 5*time.Second)

	assert.Equal(t, types.StateInitialized, reg.State())
	assert.Empty(t, reg.ListApps())
}

func TestNew_RegisterSQLiteApp(t *testing.T) {
	reg, err := New(WithoutMetrics(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer reg.Shutdown(context.Background(), 5*time.Second)

	sup, err := reg.RegisterApp(context.Background(), "billing", types.AppConfig{
		Database: types.DatabaseConfig{
			Dialect:  types.DialectSQLite,
			Database: filepath.Join(t.TempDir(), "app.db"),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, sup.Handle())
	assert.NoError(t, sup.CheckHealth(context.Background()))
}

func TestNew_FromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
  format: json
registry:
  health_interval: 1h
`), 0o644))

	reg, err := New(WithConfigFile(path), WithoutMetrics(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer reg.Shutdown(context.Background(), 5*time.Second)

	assert.Equal(t, types.StateInitialized, reg.State())
}

func TestNew_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: ["), 0o644))

	_, err := New(WithConfigFile(path), WithoutMetrics())
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestNew_ExplicitConfigValidated(t *testing.T) {
	// 跳过加载器的配置同样要通过校验
	cfg := config.DefaultConfig()
	cfg.Log.Level = "verbose"

	_, err := New(WithConfig(cfg), WithoutMetrics())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), "log.level")
}

func TestNew_WithExplicitConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Registry.HealthInterval = time.Hour

	reg, err := New(WithConfig(cfg), WithoutMetrics(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer reg.Shutdown(context.Background(), 5*time.Second)

	assert.Equal(t, types.StateInitialized, reg.State())
}
