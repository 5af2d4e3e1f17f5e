// Package migration implements the migration sub-component slot on top of
// golang-migrate. Versioned SQL files live in a per-tenant directory using
// the golang-migrate naming convention (NNN_name.up.sql / NNN_name.down.sql);
// bookkeeping (current version, dirty flag) is delegated to golang-migrate's
// schema table on the tenant's own handle.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/types"
)

// DefaultTable is the schema-migrations bookkeeping table name.
const DefaultTable = "dbflow_schema_migrations"

// Migration implements the migration slot for one tenant.
type Migration struct {
	tenant   string
	cfg      types.MigrationConfig
	dbCfg    types.DatabaseConfig
	handle   func() *gorm.DB
	logger   *zap.Logger
	notifier component.Notifier

	mu    sync.Mutex
	state types.State
}

var _ component.Migrator = (*Migration)(nil)

// NewFactory returns the factory registered on the migration slot.
func NewFactory() component.Factory {
	return func(deps component.Deps) (component.Component, error) {
		dir := deps.Config.Migration.Dir
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(deps.Config.WorkDir, dir)
		}
		cfg := deps.Config.Migration
		cfg.Dir = dir
		if cfg.Table == "" {
			cfg.Table = DefaultTable
		}
		return &Migration{
			tenant:   deps.Tenant,
			cfg:      cfg,
			dbCfg:    deps.Config.Database,
			handle:   deps.Handle,
			logger:   deps.Logger.With(zap.String("component", "migration"), zap.String("tenant", deps.Tenant)),
			notifier: deps.Notifier,
			state:    types.StateCreated,
		}, nil
	}
}

// Name implements Component.
func (m *Migration) Name() string { return string(component.SlotMigration) }

// Initialize verifies the migration directory when one is configured.
func (m *Migration) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Dir != "" {
		info, err := os.Stat(m.cfg.Dir)
		if err != nil {
			return types.NewError(types.ErrConfiguration, "migration directory not accessible").
				WithTenant(m.tenant).
				WithPhase("migration.initialize").
				WithCause(err)
		}
		if !info.IsDir() {
			return types.NewError(types.ErrConfiguration, "migration path is not a directory: "+m.cfg.Dir).
				WithTenant(m.tenant).
				WithPhase("migration.initialize")
		}
	}
	m.state = types.StateInitialized
	return nil
}

// Shutdown implements Component. The migrate engine holds no long-lived
// resources beyond the tenant handle, which the supervisor owns.
func (m *Migration) Shutdown(ctx context.Context, opts component.ShutdownOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = types.StateShutdown
	return nil
}

// Status implements Component.
func (m *Migration) Status() types.ComponentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.ComponentStatus{
		Name:    m.Name(),
		State:   m.state,
		Healthy: m.state == types.StateInitialized,
		Details: map[string]any{"dir": m.cfg.Dir, "table": m.cfg.Table},
	}
}

// Migrate applies pending migrations and reports which files ran.
func (m *Migration) Migrate(ctx context.Context, opts component.MigrateOptions) (types.MigrationResult, error) {
	eng, before, err := m.engine()
	if err != nil {
		return types.MigrationResult{}, err
	}

	if opts.Steps > 0 {
		err = eng.Steps(opts.Steps)
	} else {
		err = eng.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		m.notifyError("migration.migrate", err)
		return types.MigrationResult{}, types.NewError(types.ErrComponentFailure, "migration failed").
			WithTenant(m.tenant).
			WithPhase("migration.migrate").
			WithCause(err)
	}

	after := m.currentVersion(eng)
	applied := m.filesBetween(before, after)
	m.logger.Info("migrations applied",
		zap.Uint("from", before),
		zap.Uint("to", after),
		zap.Strings("files", applied),
	)
	return types.MigrationResult{Success: true, Migrations: applied}, nil
}

// Rollback reverts applied migrations and reports which files reverted.
func (m *Migration) Rollback(ctx context.Context, opts component.RollbackOptions) (types.MigrationResult, error) {
	eng, before, err := m.engine()
	if err != nil {
		return types.MigrationResult{}, err
	}
	if before == 0 {
		return types.MigrationResult{Success: true}, nil
	}

	switch {
	case opts.All:
		err = eng.Down()
	case opts.Steps > 0:
		err = eng.Steps(-opts.Steps)
	default:
		err = eng.Steps(-1)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		m.notifyError("migration.rollback", err)
		return types.MigrationResult{}, types.NewError(types.ErrComponentFailure, "migration rollback failed").
			WithTenant(m.tenant).
			WithPhase("migration.rollback").
			WithCause(err)
	}

	after := m.currentVersion(eng)
	reverted := m.filesBetween(after, before)
	m.logger.Info("migrations rolled back",
		zap.Uint("from", before),
		zap.Uint("to", after),
		zap.Strings("files", reverted),
	)
	return types.MigrationResult{Success: true, RolledBack: reverted}, nil
}

// engine builds the migrate instance against the tenant handle and
// returns it with the current version.
func (m *Migration) engine() (*migrate.Migrate, uint, error) {
	if m.cfg.Dir == "" {
		return nil, 0, types.NewError(types.ErrConfiguration, "no migration directory configured").
			WithTenant(m.tenant).
			WithPhase("migration")
	}
	var handle *gorm.DB
	if m.handle != nil {
		handle = m.handle()
	}
	if handle == nil {
		return nil, 0, types.NewError(types.ErrConfiguration, "no database handle available").
			WithTenant(m.tenant).
			WithPhase("migration")
	}
	sqlDB, err := handle.DB()
	if err != nil {
		return nil, 0, types.NewError(types.ErrComponentFailure, "failed to reach sql.DB").
			WithTenant(m.tenant).
			WithPhase("migration").
			WithCause(err)
	}

	var driver migratedb.Driver
	switch m.dbCfg.Dialect {
	case types.DialectPostgres:
		driver, err = migratepg.WithInstance(sqlDB, &migratepg.Config{MigrationsTable: m.cfg.Table})
	case types.DialectMySQL:
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{MigrationsTable: m.cfg.Table})
	case types.DialectSQLite:
		driver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{MigrationsTable: m.cfg.Table})
	default:
		return nil, 0, types.NewError(types.ErrConfiguration, "unsupported dialect: "+string(m.dbCfg.Dialect)).
			WithTenant(m.tenant)
	}
	if err != nil {
		return nil, 0, types.NewError(types.ErrComponentFailure, "failed to build migration driver").
			WithTenant(m.tenant).
			WithPhase("migration").
			WithCause(err)
	}

	eng, err := migrate.NewWithDatabaseInstance("file://"+m.cfg.Dir, string(m.dbCfg.Dialect), driver)
	if err != nil {
		return nil, 0, types.NewError(types.ErrComponentFailure, "failed to build migration engine").
			WithTenant(m.tenant).
			WithPhase("migration").
			WithCause(err)
	}
	return eng, m.currentVersion(eng), nil
}

func (m *Migration) currentVersion(eng *migrate.Migrate) uint {
	v, _, err := eng.Version()
	if err != nil {
		return 0
	}
	return v
}

// filesBetween lists up-migration files with from < version <= to.
func (m *Migration) filesBetween(from, to uint) []string {
	if to <= from {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil
	}
	type versioned struct {
		version uint
		name    string
	}
	var files []versioned
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		idx := strings.Index(name, "_")
		if idx <= 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		if uint(v) > from && uint(v) <= to {
			files = append(files, versioned{version: uint(v), name: name})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out
}

func (m *Migration) notifyError(phase string, err error) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(component.Event{
		Type:      component.EventError,
		Component: m.Name(),
		Tenant:    m.tenant,
		Phase:     phase,
		Message:   fmt.Sprintf("migration operation failed: %v", err),
		Err:       err,
		Timestamp: time.Now(),
	})
}
