package component

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/types"
)

// ShutdownOptions bounds one component shutdown.
type ShutdownOptions struct {
	Timeout time.Duration
}

// Component is the uniform lifecycle contract required from every
// sub-component slot. Implementations publish error/warning events on the
// notifier they were constructed with.
type Component interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context, opts ShutdownOptions) error
	Status() types.ComponentStatus
}

// HandleProvider is the extra capability required from the security slot:
// it owns creation and destruction of the underlying database handle.
type HandleProvider interface {
	Component
	CreateHandle(ctx context.Context, cfg types.DatabaseConfig) (*gorm.DB, error)
	DestroyHandle() error
}

// MigrateOptions selects what a migrate run applies.
type MigrateOptions struct {
	// Steps limits how many pending migrations run; 0 means all.
	Steps int
}

// RollbackOptions selects what a rollback run reverts.
type RollbackOptions struct {
	// Steps limits how many applied migrations revert; 0 means one.
	Steps int
	// All reverts everything that has been applied.
	All bool
}

// Migrator is the capability required from the migration slot.
type Migrator interface {
	Component
	Migrate(ctx context.Context, opts MigrateOptions) (types.MigrationResult, error)
	Rollback(ctx context.Context, opts RollbackOptions) (types.MigrationResult, error)
}

// Seeder is the capability required from the seed slot.
type Seeder interface {
	Component
	Seed(ctx context.Context) (types.SeedResult, error)
	Rollback(ctx context.Context) (types.SeedResult, error)
}

// ModelBinder is the capability required from the model slot.
type ModelBinder interface {
	Component
	Register(ctx context.Context, models ...any) (types.ModelResult, error)
	Clear(ctx context.Context) (types.ModelResult, error)
}
