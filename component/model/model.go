// Package model implements the model sub-component slot: a per-tenant
// registry of model structs with optional schema synchronization through
// gorm AutoMigrate. Relation mapping, lifecycle hooks, and schema
// validation belong to external ORM collaborators.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/types"
)

// Binder implements the model slot for one tenant.
type Binder struct {
	tenant   string
	handle   func() *gorm.DB
	logger   *zap.Logger
	notifier component.Notifier

	// Sync controls whether Register also runs AutoMigrate.
	sync bool

	mu     sync.Mutex
	state  types.State
	models map[string]any
}

var _ component.ModelBinder = (*Binder)(nil)

// NewFactory returns the factory registered on the model slot. sync
// enables schema synchronization on registration.
func NewFactory(syncSchema bool) component.Factory {
	return func(deps component.Deps) (component.Component, error) {
		return &Binder{
			tenant:   deps.Tenant,
			handle:   deps.Handle,
			logger:   deps.Logger.With(zap.String("component", "model"), zap.String("tenant", deps.Tenant)),
			notifier: deps.Notifier,
			sync:     syncSchema,
			state:    types.StateCreated,
			models:   make(map[string]any),
		}, nil
	}
}

// Name implements Component.
func (b *Binder) Name() string { return string(component.SlotModel) }

// Initialize implements Component.
func (b *Binder) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StateInitialized
	return nil
}

// Shutdown implements Component.
func (b *Binder) Shutdown(ctx context.Context, opts component.ShutdownOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = make(map[string]any)
	b.state = types.StateShutdown
	return nil
}

// Status implements Component.
func (b *Binder) Status() types.ComponentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.ComponentStatus{
		Name:    b.Name(),
		State:   b.state,
		Healthy: b.state == types.StateInitialized,
		Details: map[string]any{"registered": len(b.models)},
	}
}

// Register binds model structs to the tenant, optionally syncing schema.
// Registering the same model twice is an idempotent no-op.
func (b *Binder) Register(ctx context.Context, models ...any) (types.ModelResult, error) {
	b.mu.Lock()
	var fresh []any
	var names []string
	for _, m := range models {
		name := fmt.Sprintf("%T", m)
		if _, ok := b.models[name]; ok {
			continue
		}
		b.models[name] = m
		fresh = append(fresh, m)
		names = append(names, name)
	}
	b.mu.Unlock()

	if b.sync && len(fresh) > 0 {
		var handle *gorm.DB
		if b.handle != nil {
			handle = b.handle()
		}
		if handle == nil {
			return types.ModelResult{}, types.NewError(types.ErrConfiguration, "no database handle available").
				WithTenant(b.tenant).
				WithPhase("model.register")
		}
		if err := handle.WithContext(ctx).AutoMigrate(fresh...); err != nil {
			// Registration stays; schema sync is the failing part.
			b.notifyError("model.register", err)
			return types.ModelResult{}, types.NewError(types.ErrComponentFailure, "model schema sync failed").
				WithTenant(b.tenant).
				WithPhase("model.register").
				WithCause(err)
		}
	}

	return types.ModelResult{Success: true, Models: names}, nil
}

// Clear forgets every registered model. Schema is left untouched.
func (b *Binder) Clear(ctx context.Context) (types.ModelResult, error) {
	b.mu.Lock()
	names := make([]string, 0, len(b.models))
	for name := range b.models {
		names = append(names, name)
	}
	b.models = make(map[string]any)
	b.mu.Unlock()

	return types.ModelResult{Success: true, Models: names}, nil
}

// Registered returns the names of currently registered models.
func (b *Binder) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.models))
	for name := range b.models {
		names = append(names, name)
	}
	return names
}

func (b *Binder) notifyError(phase string, err error) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(component.Event{
		Type:      component.EventError,
		Component: b.Name(),
		Tenant:    b.tenant,
		Phase:     phase,
		Message:   fmt.Sprintf("model operation failed: %v", err),
		Err:       err,
		Timestamp: time.Now(),
	})
}
