package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 配置加载器测试
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 8, cfg.Registry.MaxProbeConcurrency)
	assert.Empty(t, cfg.Apps)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbflow.yaml")
	content := `
log:
  level: debug
  format: console
registry:
  health_interval: 10s
  max_probe_concurrency: 4
defaults:
  database:
    dialect: postgres
    host: db.internal
    port: 5432
    database: shared
apps:
  billing:
    database:
      dialect: postgres
      host: db.internal
      port: 5432
      database: billing
    auto_migrate: true
  audit:
    use_connection: billing
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 4, cfg.Registry.MaxProbeConcurrency)

	billing, ok := cfg.App("billing")
	require.True(t, ok)
	assert.Equal(t, "billing", billing.Database.Database)
	assert.True(t, billing.AutoMigrate)
	// Pool 小节未被 billing 覆盖，应继承默认值
	assert.Equal(t, DefaultPoolConfig(), billing.Database.Pool)

	audit, ok := cfg.App("audit")
	require.True(t, ok)
	assert.Equal(t, "billing", audit.UseConnection)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/dbflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DBFLOW_LOG_LEVEL", "warn")
	t.Setenv("DBFLOW_REGISTRY_HEALTH_INTERVAL", "5s")
	t.Setenv("DBFLOW_REGISTRY_MAX_PROBE_CONCURRENCY", "2")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 2, cfg.Registry.MaxProbeConcurrency)
}

func TestLoad_EnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("DBFLOW_REGISTRY_HEALTH_INTERVAL", "not-a-duration")

	_, err := NewLoader().Load()
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestLoad_CustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			called = true
			return nil
		}).
		Load()

	require.NoError(t, err)
	assert.True(t, called)
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestValidateApp(t *testing.T) {
	tests := []struct {
		name    string
		app     types.AppConfig
		wantErr bool
	}{
		{
			"valid postgres",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: types.DialectPostgres, Host: "h", Port: 5432, Database: "d"}},
			false,
		},
		{
			"valid sqlite without host",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: types.DialectSQLite, Database: "/tmp/x.db"}},
			false,
		},
		{
			"postgres missing host",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: types.DialectPostgres, Port: 5432, Database: "d"}},
			true,
		},
		{
			"port out of range",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: types.DialectMySQL, Host: "h", Port: 99999, Database: "d"}},
			true,
		},
		{
			"unknown dialect",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: "oracle", Host: "h", Port: 1521, Database: "d"}},
			true,
		},
		{
			"missing database name",
			types.AppConfig{Database: types.DatabaseConfig{
				Dialect: types.DialectPostgres, Host: "h", Port: 5432}},
			true,
		},
		{
			"reuse skips database validation",
			types.AppConfig{UseConnection: "primary"},
			false,
		},
		{
			"self reference",
			types.AppConfig{UseConnection: "me"},
			true,
		},
		{
			"negative retries",
			types.AppConfig{
				Database: types.DatabaseConfig{
					Dialect: types.DialectSQLite, Database: "/tmp/x.db"},
				Transaction: types.TransactionConfig{MaxRetries: -1},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := "app"
			if tt.name == "self reference" {
				name = "me"
			}
			err := ValidateApp(name, tt.app)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
