// Package connection implements the per-tenant connection supervisor: it
// owns one underlying database handle and the lifecycle of the dependent
// sub-components (security, migration, seed, model, transaction).
//
// Lifecycle: created → initializing → initialized → shutting_down →
// shutdown, with rollback to created when startup fails partway.
package connection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/component/security"
	"github.com/BaSui01/dbflow/internal/database"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/timeout"
	"github.com/BaSui01/dbflow/types"
)

// Supervisor owns one database handle and its sub-components.
type Supervisor struct {
	name      string
	cfg       types.AppConfig
	factories *component.Registry
	logger    *zap.Logger
	notifier  component.Notifier
	collector *metrics.Collector

	mu        sync.RWMutex
	state     types.State
	handle    *gorm.DB
	comps     map[component.Slot]component.Component
	validated bool

	warming atomic.Bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithNotifier sets the event notifier.
func WithNotifier(n component.Notifier) Option {
	return func(s *Supervisor) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithCollector sets the prometheus collector.
func WithCollector(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.collector = m }
}

// NewSupervisor creates a supervisor in the created state. factories is
// validated once here; nil uses the default component set.
func NewSupervisor(name string, cfg types.AppConfig, factories *component.Registry, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if name == "" {
		return nil, types.NewError(types.ErrConfiguration, "supervisor name must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		name:      name,
		cfg:       cfg,
		factories: factories,
		logger:    logger.With(zap.String("component", "supervisor"), zap.String("tenant", name)),
		notifier:  component.NopNotifier{},
		state:     types.StateCreated,
		comps:     make(map[component.Slot]component.Component),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factories == nil {
		s.factories = DefaultComponents(s.collector)
	}
	if err := s.factories.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the supervisor's (initial) tenant name.
func (s *Supervisor) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Supervisor) State() types.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns the underlying database handle, nil before initialization.
func (s *Supervisor) Handle() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Fingerprint identifies the database target this supervisor connects to.
func (s *Supervisor) Fingerprint() string {
	return s.cfg.Database.Fingerprint()
}

// Config returns the supervisor's application configuration.
func (s *Supervisor) Config() types.AppConfig { return s.cfg }

// transition moves the state machine, failing on illegal transitions.
func (s *Supervisor) transition(to types.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !types.CanTransition(s.state, to) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("invalid state transition: %s -> %s", s.state, to)).
			WithTenant(s.name)
	}
	s.state = to
	return nil
}

// setState forces the state without transition checks (rollback paths).
func (s *Supervisor) setState(state types.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Initialize builds sub-components, creates the database handle, and
// validates it with bounded retries. On any failure everything partially
// created is torn down and the state rolls back to created.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.transition(types.StateInitializing); err != nil {
		return err
	}

	if err := s.validateWorkDir(); err != nil {
		s.setState(types.StateCreated)
		return err
	}

	if err := s.buildComponents(ctx); err != nil {
		s.teardownComponents(ctx)
		s.setState(types.StateCreated)
		return err
	}

	handle, err := s.createHandle(ctx)
	if err == nil {
		err = s.validateHandle(ctx, handle)
	}
	if err != nil {
		if handle != nil {
			s.releaseHandle(handle)
		}
		s.teardownComponents(ctx)
		s.setState(types.StateCreated)
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.validated = true
	s.mu.Unlock()

	if err := s.transition(types.StateInitialized); err != nil {
		return err
	}
	s.logger.Info("supervisor initialized",
		zap.String("fingerprint", s.Fingerprint()),
		zap.Int("components", len(s.comps)),
	)
	return nil
}

// validateWorkDir ensures the working directory, when configured, is an
// absolute, existing, writable directory.
func (s *Supervisor) validateWorkDir() error {
	dir := s.cfg.WorkDir
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		return types.NewError(types.ErrConfiguration, "work dir must be absolute: "+dir).
			WithTenant(s.name).
			WithPhase("initialize.workdir")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return types.NewError(types.ErrConfiguration, "work dir not accessible: "+dir).
			WithTenant(s.name).
			WithPhase("initialize.workdir").
			WithCause(err)
	}
	if !info.IsDir() {
		return types.NewError(types.ErrConfiguration, "work dir is not a directory: "+dir).
			WithTenant(s.name).
			WithPhase("initialize.workdir")
	}
	probe, err := os.CreateTemp(dir, ".dbflow-*")
	if err != nil {
		return types.NewError(types.ErrConfiguration, "work dir is not writable: "+dir).
			WithTenant(s.name).
			WithPhase("initialize.workdir").
			WithCause(err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// buildComponents constructs and initializes every enabled slot in
// dependency order.
func (s *Supervisor) buildComponents(ctx context.Context) error {
	deps := component.Deps{
		Tenant:   s.name,
		Config:   s.cfg,
		Handle:   s.Handle,
		Logger:   s.logger,
		Notifier: s.notifier,
	}
	for _, slot := range component.AllSlots {
		if !s.slotEnabled(slot) {
			continue
		}
		c, err := s.factories.Build(slot, deps)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if err := c.Initialize(ctx); err != nil {
			return types.NewError(types.ErrComponentFailure, "component initialization failed").
				WithTenant(s.name).
				WithPhase("initialize." + string(slot)).
				WithCause(err)
		}
		s.mu.Lock()
		s.comps[slot] = c
		s.mu.Unlock()
	}
	return nil
}

func (s *Supervisor) slotEnabled(slot component.Slot) bool {
	flags := s.cfg.Components
	switch slot {
	case component.SlotSecurity:
		return types.Enabled(flags.Security)
	case component.SlotMigration:
		return types.Enabled(flags.Migration)
	case component.SlotSeed:
		return types.Enabled(flags.Seed)
	case component.SlotModel:
		return types.Enabled(flags.Model)
	case component.SlotTransaction:
		return types.Enabled(flags.Transaction)
	default:
		return false
	}
}

// createHandle builds the database handle, delegating to the security
// component when enabled.
func (s *Supervisor) createHandle(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	c := s.comps[component.SlotSecurity]
	s.mu.RUnlock()

	if provider, ok := c.(component.HandleProvider); ok {
		return provider.CreateHandle(ctx, s.cfg.Database)
	}
	handle, err := security.OpenDirect(s.cfg.Database)
	if err != nil {
		return nil, types.NewError(types.ErrConnectionValidation, "failed to open database handle").
			WithTenant(s.name).
			WithPhase("initialize.handle").
			WithCause(err)
	}
	return handle, nil
}

// releaseHandle tears down a handle, preferring the security component's
// destroy path so its internal reference is cleared too.
func (s *Supervisor) releaseHandle(handle *gorm.DB) {
	s.mu.RLock()
	c := s.comps[component.SlotSecurity]
	s.mu.RUnlock()

	if provider, ok := c.(component.HandleProvider); ok {
		if err := provider.DestroyHandle(); err != nil {
			s.logger.Warn("handle destroy failed", zap.Error(err))
		}
		return
	}
	if sqlDB, err := handle.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.logger.Warn("handle close failed", zap.Error(err))
		}
	}
}

// teardownComponents shuts down every built component in reverse order,
// tolerating individual failures. Used on both rollback and shutdown.
func (s *Supervisor) teardownComponents(ctx context.Context) []string {
	shutdownTimeout := s.cfg.Connection.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	var failures []string
	for i := len(component.AllSlots) - 1; i >= 0; i-- {
		slot := component.AllSlots[i]
		s.mu.Lock()
		c, ok := s.comps[slot]
		delete(s.comps, slot)
		s.mu.Unlock()
		if !ok {
			continue
		}

		err := timeout.Run(ctx, shutdownTimeout, func(opCtx context.Context) error {
			return c.Shutdown(opCtx, component.ShutdownOptions{Timeout: shutdownTimeout})
		}, timeout.Options{
			Operation: "component.shutdown." + string(slot),
			Component: s.name,
			Logger:    s.logger,
		})
		if err != nil {
			s.logger.Warn("component shutdown failed",
				zap.String("slot", string(slot)),
				zap.Error(err))
			s.notifier.Notify(component.Event{
				Type:      component.EventWarning,
				Component: string(slot),
				Tenant:    s.name,
				Phase:     "shutdown",
				Message:   "component shutdown failed",
				Err:       err,
				Timestamp: time.Now(),
			})
			failures = append(failures, fmt.Sprintf("%s: %v", slot, err))
		}
	}
	return failures
}

// Shutdown stops every sub-component in reverse dependency order, each
// under its own deadline, then releases the handle. Individual component
// failures are logged and collected, never fatal. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context, shutdownTimeout time.Duration) (types.ShutdownReport, error) {
	start := time.Now()

	s.mu.Lock()
	if s.state == types.StateShutdown || s.state == types.StateShuttingDown {
		s.mu.Unlock()
		return types.ShutdownReport{Clean: true, Duration: time.Since(start)}, nil
	}
	if !types.CanTransition(s.state, types.StateShuttingDown) {
		state := s.state
		s.mu.Unlock()
		return types.ShutdownReport{}, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot shut down from state %s", state)).
			WithTenant(s.name)
	}
	s.state = types.StateShuttingDown
	if shutdownTimeout > 0 {
		s.cfg.Connection.ShutdownTimeout = shutdownTimeout
	}
	handle := s.handle
	securityPresent := s.comps[component.SlotSecurity] != nil
	s.mu.Unlock()

	failures := s.teardownComponents(ctx)

	// The security component destroys the handle during its own shutdown;
	// without one the supervisor closes the pool directly.
	if handle != nil && !securityPresent {
		if sqlDB, err := handle.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				s.logger.Error("failed to close database handle", zap.Error(err))
				s.setState(types.StateInitialized)
				return types.ShutdownReport{Failures: failures, Duration: time.Since(start)},
					types.NewError(types.ErrInternalError, "failed to release database handle").
						WithTenant(s.name).
						WithPhase("shutdown.handle").
						WithCause(err)
			}
		}
	}

	s.mu.Lock()
	s.handle = nil
	s.validated = false
	s.state = types.StateShutdown
	s.mu.Unlock()

	s.logger.Info("supervisor shut down",
		zap.Int("component_failures", len(failures)),
		zap.Duration("duration", time.Since(start)),
	)
	return types.ShutdownReport{
		Clean:    len(failures) == 0,
		Failures: failures,
		Duration: time.Since(start),
	}, nil
}

// CheckHealth issues a trivial round-trip query. A failure invalidates the
// cached validity; the next successful check re-runs full validation
// before the supervisor reports healthy again.
func (s *Supervisor) CheckHealth(ctx context.Context) error {
	s.mu.RLock()
	handle := s.handle
	state := s.state
	validated := s.validated
	s.mu.RUnlock()

	if state != types.StateInitialized || handle == nil {
		return types.NewError(types.ErrNotRegistered, "supervisor not initialized").
			WithTenant(s.name).
			WithPhase("health.check")
	}

	if err := s.ping(ctx, handle); err != nil {
		s.mu.Lock()
		s.validated = false
		s.mu.Unlock()
		return types.NewError(types.ErrConnectionValidation, "health probe failed").
			WithTenant(s.name).
			WithPhase("health.check").
			WithCause(err)
	}

	if !validated {
		if err := s.validateOnce(ctx, handle); err != nil {
			return types.NewError(types.ErrConnectionValidation, "revalidation failed").
				WithTenant(s.name).
				WithPhase("health.revalidate").
				WithCause(err)
		}
		s.mu.Lock()
		s.validated = true
		s.mu.Unlock()
		s.logger.Info("handle revalidated after failed health check")
	}

	if s.collector != nil {
		if sqlDB, err := handle.DB(); err == nil {
			s.collector.ObservePool(s.name, database.CollectStats(sqlDB))
		}
	}
	return nil
}

// ComponentHealth returns how many sub-components report healthy out of
// the total built.
func (s *Supervisor) ComponentHealth() (healthy, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.comps {
		total++
		if c.Status().Healthy {
			healthy++
		}
	}
	return healthy, total
}

// Status reports the supervisor and all sub-component statuses.
func (s *Supervisor) Status() types.ComponentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	details := map[string]any{
		"fingerprint": s.Fingerprint(),
		"connected":   s.handle != nil,
		"validated":   s.validated,
	}
	components := make(map[string]types.ComponentStatus, len(s.comps))
	for slot, c := range s.comps {
		components[string(slot)] = c.Status()
	}
	details["components"] = components

	return types.ComponentStatus{
		Name:    s.name,
		State:   s.state,
		Healthy: s.state == types.StateInitialized && s.validated,
		Details: details,
	}
}
