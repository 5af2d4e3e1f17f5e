package connection

import (
	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/component/migration"
	"github.com/BaSui01/dbflow/component/model"
	"github.com/BaSui01/dbflow/component/security"
	"github.com/BaSui01/dbflow/component/seed"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/txn"
)

// DefaultComponents returns the factory registry with the built-in
// implementation for every slot. Callers override individual slots via
// [component.Registry.Override] before building supervisors.
func DefaultComponents(collector *metrics.Collector) *component.Registry {
	return component.NewRegistry().
		Register(component.SlotSecurity, security.NewFactory()).
		Register(component.SlotMigration, migration.NewFactory()).
		Register(component.SlotSeed, seed.NewFactory()).
		Register(component.SlotModel, model.NewFactory(true)).
		Register(component.SlotTransaction, txn.NewFactory(collector))
}
