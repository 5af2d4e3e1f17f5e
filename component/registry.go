package component

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/types"
)

// Slot identifies one sub-component position on a connection supervisor.
type Slot string

const (
	SlotSecurity    Slot = "security"
	SlotMigration   Slot = "migration"
	SlotSeed        Slot = "seed"
	SlotModel       Slot = "model"
	SlotTransaction Slot = "transaction"
)

// AllSlots lists every slot in dependency order: security first (it owns
// the handle), transaction last. Shutdown walks this list in reverse.
var AllSlots = []Slot{SlotSecurity, SlotMigration, SlotSeed, SlotModel, SlotTransaction}

// Deps is handed to every factory. Handle is late-bound because the
// security component itself produces the handle during initialization.
type Deps struct {
	Tenant   string
	Config   types.AppConfig
	Handle   func() *gorm.DB
	Logger   *zap.Logger
	Notifier Notifier
}

// Factory builds one sub-component instance for a tenant.
type Factory func(deps Deps) (Component, error)

// Registry maps slots to factories, with override support. It replaces
// runtime class swapping: overrides are installed before any supervisor
// is built and validated exactly once.
type Registry struct {
	factories map[Slot]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Slot]Factory)}
}

// Register installs the factory for a slot, replacing any previous one.
func (r *Registry) Register(slot Slot, factory Factory) *Registry {
	r.factories[slot] = factory
	return r
}

// Override is Register with validation that the slot is known.
func (r *Registry) Override(slot Slot, factory Factory) error {
	if !knownSlot(slot) {
		return types.NewError(types.ErrConfiguration, "unknown component slot: "+string(slot))
	}
	if factory == nil {
		return types.NewError(types.ErrConfiguration, "nil factory for slot: "+string(slot))
	}
	r.factories[slot] = factory
	return nil
}

// Build constructs the component for a slot. Returns nil (no error) when
// the slot has no factory, which callers treat as a disabled slot.
func (r *Registry) Build(slot Slot, deps Deps) (Component, error) {
	factory, ok := r.factories[slot]
	if !ok {
		return nil, nil
	}
	c, err := factory(deps)
	if err != nil {
		return nil, types.NewError(types.ErrComponentFailure, "component factory failed").
			WithPhase(string(slot)).
			WithTenant(deps.Tenant).
			WithCause(err)
	}
	return c, nil
}

// Validate checks every registered factory targets a known slot and the
// security slot, when present, is non-nil. Called once at supervisor
// construction.
func (r *Registry) Validate() error {
	for slot, factory := range r.factories {
		if !knownSlot(slot) {
			return types.NewError(types.ErrConfiguration, "unknown component slot: "+string(slot))
		}
		if factory == nil {
			return types.NewError(types.ErrConfiguration, "nil factory for slot: "+string(slot))
		}
	}
	return nil
}

// Clone returns a copy so per-tenant overrides never leak across tenants.
func (r *Registry) Clone() *Registry {
	clone := NewRegistry()
	for slot, factory := range r.factories {
		clone.factories[slot] = factory
	}
	return clone
}

func knownSlot(slot Slot) bool {
	for _, s := range AllSlots {
		if s == slot {
			return true
		}
	}
	return false
}
