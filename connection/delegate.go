package connection

import (
	"context"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/txn"
	"github.com/BaSui01/dbflow/types"
)

// Thin delegations to sub-components. A disabled slot yields a result with
// Skipped set, so callers never branch on configuration.

// SubComponent returns a built sub-component, nil when absent.
func (s *Supervisor) SubComponent(slot component.Slot) component.Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.comps[slot]
}

// RunMigrations applies pending migrations through the migration slot.
func (s *Supervisor) RunMigrations(ctx context.Context, opts component.MigrateOptions) (types.MigrationResult, error) {
	m, ok := s.SubComponent(component.SlotMigration).(component.Migrator)
	if !ok {
		return types.MigrationResult{Success: true, Skipped: true}, nil
	}
	return m.Migrate(ctx, opts)
}

// RollbackMigrations reverts migrations through the migration slot.
func (s *Supervisor) RollbackMigrations(ctx context.Context, opts component.RollbackOptions) (types.MigrationResult, error) {
	m, ok := s.SubComponent(component.SlotMigration).(component.Migrator)
	if !ok {
		return types.MigrationResult{Success: true, Skipped: true}, nil
	}
	return m.Rollback(ctx, opts)
}

// RunSeeds executes pending seeds through the seed slot.
func (s *Supervisor) RunSeeds(ctx context.Context) (types.SeedResult, error) {
	sd, ok := s.SubComponent(component.SlotSeed).(component.Seeder)
	if !ok {
		return types.SeedResult{Success: true, Skipped: true}, nil
	}
	return sd.Seed(ctx)
}

// RollbackSeeds reverts the latest seed batch through the seed slot.
func (s *Supervisor) RollbackSeeds(ctx context.Context) (types.SeedResult, error) {
	sd, ok := s.SubComponent(component.SlotSeed).(component.Seeder)
	if !ok {
		return types.SeedResult{Success: true, Skipped: true}, nil
	}
	return sd.Rollback(ctx)
}

// RegisterModels binds models through the model slot.
func (s *Supervisor) RegisterModels(ctx context.Context, models ...any) (types.ModelResult, error) {
	b, ok := s.SubComponent(component.SlotModel).(component.ModelBinder)
	if !ok {
		return types.ModelResult{Success: true, Skipped: true}, nil
	}
	return b.Register(ctx, models...)
}

// ClearModels forgets registered models through the model slot.
func (s *Supervisor) ClearModels(ctx context.Context) (types.ModelResult, error) {
	b, ok := s.SubComponent(component.SlotModel).(component.ModelBinder)
	if !ok {
		return types.ModelResult{Success: true, Skipped: true}, nil
	}
	return b.Clear(ctx)
}

// Transactions returns the tenant's transaction coordinator, nil when the
// transaction slot is disabled.
func (s *Supervisor) Transactions() *txn.Coordinator {
	if t, ok := s.SubComponent(component.SlotTransaction).(*txn.TxComponent); ok {
		return t.Coordinator()
	}
	return nil
}
