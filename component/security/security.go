// Package security implements the security sub-component slot: it owns
// creation and destruction of the underlying database handle, including
// DSN construction, driver selection, and pool sizing.
//
// Query-shape validation and SQL-injection analysis are the business of
// external security collaborators; this default implementation covers the
// handle lifecycle only.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/internal/database"
	"github.com/BaSui01/dbflow/types"
)

// Security builds and destroys gorm handles for one tenant.
type Security struct {
	tenant   string
	logger   *zap.Logger
	notifier component.Notifier

	mu     sync.Mutex
	state  types.State
	handle *gorm.DB
}

var _ component.HandleProvider = (*Security)(nil)

// NewFactory returns the factory registered on the security slot.
func NewFactory() component.Factory {
	return func(deps component.Deps) (component.Component, error) {
		return &Security{
			tenant:   deps.Tenant,
			logger:   deps.Logger.With(zap.String("component", "security"), zap.String("tenant", deps.Tenant)),
			notifier: deps.Notifier,
			state:    types.StateCreated,
		}, nil
	}
}

// Name implements Component.
func (s *Security) Name() string { return string(component.SlotSecurity) }

// Initialize implements Component. Handle creation happens later, on
// demand, so initialization only moves the state machine.
func (s *Security) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.StateInitialized
	return nil
}

// CreateHandle opens a gorm handle for the configured database target and
// applies pool sizing. At most one handle is held at a time; creating a
// second one without destroying the first is a caller error.
func (s *Security) CreateHandle(ctx context.Context, cfg types.DatabaseConfig) (*gorm.DB, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrConfiguration, "handle already exists").
			WithTenant(s.tenant).
			WithPhase("security.create_handle")
	}
	s.mu.Unlock()

	dialector, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	handle, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		s.notifyError("security.create_handle", "handle creation failed", err)
		return nil, types.NewError(types.ErrConnectionValidation, "failed to open database handle").
			WithTenant(s.tenant).
			WithPhase("security.create_handle").
			WithCause(err)
	}
	if err := configurePool(handle, cfg.Pool); err != nil {
		s.notifyError("security.create_handle", "pool configuration failed", err)
		return nil, types.NewError(types.ErrConnectionValidation, "failed to configure pool").
			WithTenant(s.tenant).
			WithPhase("security.create_handle").
			WithCause(err)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	s.logger.Info("database handle created",
		zap.String("dialect", string(cfg.Dialect)),
		zap.String("fingerprint", cfg.Fingerprint()),
	)
	return handle, nil
}

// DestroyHandle closes the handle's connection pool and forgets it.
// Destroying a handle that was never created is a no-op.
func (s *Security) DestroyHandle() error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	sqlDB, err := handle.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Shutdown implements Component: destroys the handle if still held.
func (s *Security) Shutdown(ctx context.Context, opts component.ShutdownOptions) error {
	err := s.DestroyHandle()
	s.mu.Lock()
	s.state = types.StateShutdown
	s.mu.Unlock()
	return err
}

// Status implements Component.
func (s *Security) Status() types.ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := types.ComponentStatus{
		Name:    s.Name(),
		State:   s.state,
		Healthy: s.state == types.StateInitialized,
	}
	if s.handle != nil {
		if sqlDB, err := s.handle.DB(); err == nil {
			status.Details = map[string]any{
				"pool": database.CollectStats(sqlDB),
			}
		}
	}
	return status
}

func (s *Security) notifyError(phase, msg string, err error) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(component.Event{
		Type:      component.EventError,
		Component: s.Name(),
		Tenant:    s.tenant,
		Phase:     phase,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// DSN construction
// =============================================================================

func validate(cfg types.DatabaseConfig) error {
	if cfg.Database == "" {
		return types.NewError(types.ErrConfiguration, "database name is required")
	}
	switch cfg.Dialect {
	case types.DialectPostgres, types.DialectMySQL:
		if cfg.Host == "" {
			return types.NewError(types.ErrConfiguration, "host is required for "+string(cfg.Dialect))
		}
		if cfg.Port <= 0 {
			return types.NewError(types.ErrConfiguration, "port is required for "+string(cfg.Dialect))
		}
	case types.DialectSQLite:
		// file path or :memory:, nothing else required
	default:
		return types.NewError(types.ErrConfiguration, "unsupported dialect: "+string(cfg.Dialect))
	}
	return nil
}

func dialector(cfg types.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Dialect {
	case types.DialectPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		if cfg.Params != "" {
			dsn += " " + cfg.Params
		}
		return postgres.Open(dsn), nil
	case types.DialectMySQL:
		params := cfg.Params
		if params == "" {
			params = "parseTime=true"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, params)
		return mysql.Open(dsn), nil
	case types.DialectSQLite:
		// Pure-Go driver so sqlite tenants work without cgo.
		return sqlite.Open(cfg.Database), nil
	default:
		return nil, types.NewError(types.ErrConfiguration, "unsupported dialect: "+string(cfg.Dialect))
	}
}

func configurePool(handle *gorm.DB, pool types.PoolConfig) error {
	sqlDB, err := handle.DB()
	if err != nil {
		return err
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 100
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = time.Hour
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 10 * time.Minute
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return nil
}

// OpenDirect builds a handle without a Security instance. The supervisor
// uses it when the security slot is disabled.
func OpenDirect(cfg types.DatabaseConfig) (*gorm.DB, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	handle, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := configurePool(handle, cfg.Pool); err != nil {
		return nil, err
	}
	return handle, nil
}
