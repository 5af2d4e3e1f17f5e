package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/connection"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/timeout"
	"github.com/BaSui01/dbflow/types"
)

// UseAnyConnection requests reuse of any shared supervisor whose
// fingerprint matches the registration's database target.
const UseAnyConnection = "any"

// Tenant is one registered application.
type Tenant struct {
	Name         string
	Supervisor   *connection.Supervisor
	IsShared     bool
	Fingerprint  string
	RegisteredAt time.Time
}

// sharedHandle tracks which tenants reference one shared supervisor.
// Guarded by Registry.mu; the supervisor is torn down exactly once, when
// refs empties.
type sharedHandle struct {
	supervisor *connection.Supervisor
	refs       map[string]struct{}
}

// Registry creates and destroys tenants and supervises their health.
type Registry struct {
	cfg       types.RegistryConfig
	logger    *zap.Logger
	notifier  component.Notifier
	collector *metrics.Collector
	factories *component.Registry

	mu      sync.Mutex
	state   types.State
	tenants map[string]*Tenant
	shared  map[string]*sharedHandle
	// pending reserves names while registration I/O runs outside the lock.
	pending map[string]struct{}

	// Health supervision
	samples          map[string][]types.HealthSample
	alertLimiters    map[string]*rate.Limiter
	aggregateLimiter *rate.Limiter
	healthDone       chan struct{}
	healthStop       sync.Once
	healthWG         sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the event notifier shared by all tenants.
func WithNotifier(n component.Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithCollector sets the prometheus collector.
func WithCollector(m *metrics.Collector) Option {
	return func(r *Registry) { r.collector = m }
}

// WithComponentFactories overrides the sub-component factory registry used
// for every new supervisor.
func WithComponentFactories(f *component.Registry) Option {
	return func(r *Registry) { r.factories = f }
}

// New creates a registry in the created state; Initialize starts it.
func New(cfg types.RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:           normalize(cfg),
		logger:        logger.With(zap.String("component", "registry")),
		notifier:      component.NopNotifier{},
		state:         types.StateCreated,
		tenants:       make(map[string]*Tenant),
		shared:        make(map[string]*sharedHandle),
		pending:       make(map[string]struct{}),
		samples:       make(map[string][]types.HealthSample),
		alertLimiters: make(map[string]*rate.Limiter),
		healthDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factories == nil {
		r.factories = connection.DefaultComponents(r.collector)
	}
	r.aggregateLimiter = rate.NewLimiter(
		rate.Every(time.Minute/time.Duration(r.cfg.AlertsPerMinute)), 1)
	return r
}

func normalize(cfg types.RegistryConfig) types.RegistryConfig {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.HealthProbeTimeout <= 0 {
		cfg.HealthProbeTimeout = 5 * time.Second
	}
	if cfg.PerformanceThreshold <= 0 {
		cfg.PerformanceThreshold = 500 * time.Millisecond
	}
	if cfg.MaxProbeConcurrency <= 0 {
		cfg.MaxProbeConcurrency = 8
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.AlertsPerMinute <= 0 {
		cfg.AlertsPerMinute = 6
	}
	return cfg
}

// Initialize validates the factory registry and starts the health loop.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if !types.CanTransition(r.state, types.StateInitializing) {
		state := r.state
		r.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot initialize from state %s", state))
	}
	r.state = types.StateInitializing
	r.mu.Unlock()

	if err := r.factories.Validate(); err != nil {
		r.mu.Lock()
		r.state = types.StateCreated
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.state = types.StateInitialized
	r.mu.Unlock()

	r.healthWG.Add(1)
	go r.healthLoop()

	r.logger.Info("registry initialized",
		zap.Duration("health_interval", r.cfg.HealthInterval))
	return nil
}

// RegisterApp registers a named application, resolving its connection
// strategy and running configured auto-operations. On any failure the
// registration is rolled back so no tenant entry remains.
func (r *Registry) RegisterApp(ctx context.Context, name string, cfg types.AppConfig) (*connection.Supervisor, error) {
	if name == "" {
		return nil, types.NewError(types.ErrConfiguration, "application name must not be empty")
	}

	if err := r.reserve(name); err != nil {
		return nil, err
	}

	sup, isShared, reused, err := r.resolveSupervisor(ctx, name, cfg)
	if err != nil {
		r.unreserve(name)
		return nil, err
	}

	if err := r.runAutoOps(ctx, name, sup, cfg); err != nil {
		r.rollbackOps(ctx, name, sup)
		r.release(name, sup, isShared)
		r.unreserve(name)
		return nil, err
	}

	tenant := &Tenant{
		Name:         name,
		Supervisor:   sup,
		IsShared:     isShared,
		Fingerprint:  sup.Fingerprint(),
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	if r.state != types.StateInitialized {
		// Shutdown won the race while initialization ran outside the lock;
		// committing now would leak a live supervisor past teardown.
		r.mu.Unlock()
		r.rollbackOps(ctx, name, sup)
		r.release(name, sup, isShared)
		r.unreserve(name)
		return nil, types.NewError(types.ErrShutdown, "registry shut down during registration").
			WithTenant(name)
	}
	delete(r.pending, name)
	r.tenants[name] = tenant
	tenantCount := len(r.tenants)
	sharedCount := len(r.shared)
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.SetRegisteredApps(tenantCount)
		r.collector.SetSharedHandles(sharedCount)
	}
	r.notifier.Notify(component.Event{
		Type:      component.EventAppRegistered,
		Component: "registry",
		Tenant:    name,
		Phase:     "register",
		Message:   "application registered",
		Fields:    map[string]any{"shared": isShared, "fingerprint": tenant.Fingerprint},
		Timestamp: time.Now(),
	})
	r.logger.Info("application registered",
		zap.String("app", name),
		zap.Bool("shared", isShared),
		zap.Bool("reused_connection", reused),
	)
	return sup, nil
}

// reserve atomically claims a name, rejecting duplicates and races.
func (r *Registry) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.StateInitialized {
		return types.NewError(types.ErrShutdown, "registry not running").WithTenant(name)
	}
	if _, ok := r.tenants[name]; ok {
		return types.NewError(types.ErrAlreadyExists, "application already registered: "+name).
			WithTenant(name)
	}
	if _, ok := r.pending[name]; ok {
		return types.NewError(types.ErrAlreadyExists, "application registration in progress: "+name).
			WithTenant(name)
	}
	r.pending[name] = struct{}{}
	return nil
}

func (r *Registry) unreserve(name string) {
	r.mu.Lock()
	delete(r.pending, name)
	r.mu.Unlock()
}

// resolveSupervisor picks, in priority order: a shared supervisor named by
// UseConnection, any fingerprint-compatible shared supervisor, a live
// shared supervisor for the same fingerprint when IsShared is set, or a
// brand-new supervisor. reused reports whether an existing handle serves
// the tenant.
func (r *Registry) resolveSupervisor(ctx context.Context, name string, cfg types.AppConfig) (sup *connection.Supervisor, isShared, reused bool, err error) {
	fp := cfg.Database.Fingerprint()

	r.mu.Lock()
	switch {
	case cfg.UseConnection != "" && cfg.UseConnection != UseAnyConnection:
		source, ok := r.tenants[cfg.UseConnection]
		if !ok {
			r.mu.Unlock()
			return nil, false, false, types.NewError(types.ErrNotRegistered,
				"source connection not registered: "+cfg.UseConnection).
				WithTenant(name)
		}
		if !source.IsShared {
			r.mu.Unlock()
			return nil, false, false, types.NewError(types.ErrConfiguration,
				"source connection is not shared: "+cfg.UseConnection).
				WithTenant(name)
		}
		entry := r.shared[source.Fingerprint]
		if entry == nil {
			r.mu.Unlock()
			return nil, false, false, types.NewError(types.ErrInternalError,
				"shared table entry missing for "+source.Fingerprint).
				WithTenant(name)
		}
		entry.refs[name] = struct{}{}
		r.mu.Unlock()
		return entry.supervisor, true, true, nil

	case cfg.UseConnection == UseAnyConnection:
		if entry, ok := r.shared[fp]; ok {
			entry.refs[name] = struct{}{}
			r.mu.Unlock()
			return entry.supervisor, true, true, nil
		}
		// No compatible handle yet; fall through to creation as shared.
		cfg.IsShared = true

	case cfg.IsShared:
		// At most one live connection per shared fingerprint.
		if entry, ok := r.shared[fp]; ok {
			entry.refs[name] = struct{}{}
			r.mu.Unlock()
			r.logger.Warn("reusing existing shared connection",
				zap.String("app", name),
				zap.String("fingerprint", fp))
			return entry.supervisor, true, true, nil
		}
	}
	r.mu.Unlock()

	// Create and initialize a brand-new supervisor outside the lock.
	sup, err = connection.NewSupervisor(name, cfg, r.factories.Clone(), r.logger,
		connection.WithNotifier(r.notifier),
		connection.WithCollector(r.collector),
	)
	if err != nil {
		return nil, false, false, err
	}
	if err := sup.Initialize(ctx); err != nil {
		return nil, false, false, err
	}

	if cfg.IsShared {
		r.mu.Lock()
		if entry, ok := r.shared[fp]; ok {
			// Lost a creation race for this fingerprint; keep the winner.
			entry.refs[name] = struct{}{}
			r.mu.Unlock()
			if _, err := sup.Shutdown(ctx, r.cfg.ShutdownTimeout); err != nil {
				r.logger.Warn("failed to shut down duplicate supervisor", zap.Error(err))
			}
			return entry.supervisor, true, true, nil
		}
		r.shared[fp] = &sharedHandle{
			supervisor: sup,
			refs:       map[string]struct{}{name: {}},
		}
		r.mu.Unlock()
		return sup, true, false, nil
	}
	return sup, false, false, nil
}

// runAutoOps executes migrate, seed, and model registration in that fixed
// order.
func (r *Registry) runAutoOps(ctx context.Context, name string, sup *connection.Supervisor, cfg types.AppConfig) error {
	if cfg.AutoMigrate {
		if _, err := sup.RunMigrations(ctx, component.MigrateOptions{}); err != nil {
			return types.NewError(types.ErrComponentFailure, "auto-migration failed").
				WithTenant(name).
				WithPhase("register.migrate").
				WithCause(err)
		}
	}
	if cfg.AutoSeed {
		if _, err := sup.RunSeeds(ctx); err != nil {
			return types.NewError(types.ErrComponentFailure, "auto-seed failed").
				WithTenant(name).
				WithPhase("register.seed").
				WithCause(err)
		}
	}
	if cfg.AutoRegisterModels {
		if _, err := sup.RegisterModels(ctx, cfg.Models...); err != nil {
			return types.NewError(types.ErrComponentFailure, "auto model registration failed").
				WithTenant(name).
				WithPhase("register.models").
				WithCause(err)
		}
	}
	return nil
}

// rollbackOps reverts auto-operations best-effort: clear models, roll back
// seeds, roll back migrations. Each step is independently recovered so one
// failure never blocks the next.
func (r *Registry) rollbackOps(ctx context.Context, name string, sup *connection.Supervisor) {
	if _, err := sup.ClearModels(ctx); err != nil {
		r.logger.Warn("rollback: clear models failed", zap.String("app", name), zap.Error(err))
	}
	if _, err := sup.RollbackSeeds(ctx); err != nil {
		r.logger.Warn("rollback: seed rollback failed", zap.String("app", name), zap.Error(err))
	}
	if _, err := sup.RollbackMigrations(ctx, component.RollbackOptions{All: true}); err != nil {
		r.logger.Warn("rollback: migration rollback failed", zap.String("app", name), zap.Error(err))
	}
}

// release undoes the connection resolution for a failed registration:
// drops the shared ref or shuts the fresh supervisor down.
func (r *Registry) release(name string, sup *connection.Supervisor, isShared bool) {
	if isShared {
		last := false
		r.mu.Lock()
		fp := sup.Fingerprint()
		if entry, ok := r.shared[fp]; ok {
			delete(entry.refs, name)
			if len(entry.refs) == 0 {
				delete(r.shared, fp)
				last = true
			}
		} else {
			// The shared table no longer knows this supervisor (shutdown
			// cleared it mid-flight); shut it down here or nobody will.
			last = true
		}
		r.mu.Unlock()
		if !last {
			return
		}
	}
	if _, err := sup.Shutdown(context.Background(), r.cfg.ShutdownTimeout); err != nil {
		r.logger.Warn("failed to shut down supervisor during rollback",
			zap.String("app", name), zap.Error(err))
	}
}

// UnregisterOptions tunes one unregistration.
type UnregisterOptions struct {
	// SkipRollback leaves migrations, seeds, and models in place.
	SkipRollback bool
	// Timeout bounds the supervisor shutdown; zero uses the default.
	Timeout time.Duration
}

// UnregisterApp rolls back auto-operations (unless skipped), removes the
// tenant, and shuts the supervisor down when this was its last reference.
// The last-reference decision is atomic with respect to concurrent
// unregistrations of the same fingerprint.
func (r *Registry) UnregisterApp(ctx context.Context, name string, opts UnregisterOptions) error {
	r.mu.Lock()
	tenant, ok := r.tenants[name]
	r.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotRegistered, "application not registered: "+name).
			WithTenant(name)
	}

	if !opts.SkipRollback {
		r.rollbackOps(ctx, name, tenant.Supervisor)
	}

	// Reference removal and the last-reference decision under one lock.
	r.mu.Lock()
	if _, still := r.tenants[name]; !still {
		r.mu.Unlock()
		return types.NewError(types.ErrNotRegistered, "application not registered: "+name).
			WithTenant(name)
	}
	delete(r.tenants, name)
	delete(r.samples, name)
	delete(r.alertLimiters, name)
	shutdownNeeded := true
	if tenant.IsShared {
		if entry, ok := r.shared[tenant.Fingerprint]; ok {
			delete(entry.refs, name)
			if len(entry.refs) == 0 {
				delete(r.shared, tenant.Fingerprint)
			} else {
				shutdownNeeded = false
			}
		}
	}
	tenantCount := len(r.tenants)
	sharedCount := len(r.shared)
	r.mu.Unlock()

	if shutdownNeeded {
		d := opts.Timeout
		if d <= 0 {
			d = r.cfg.ShutdownTimeout
		}
		if _, err := tenant.Supervisor.Shutdown(ctx, d); err != nil {
			return types.NewError(types.ErrInternalError, "supervisor shutdown failed").
				WithTenant(name).
				WithPhase("unregister.shutdown").
				WithCause(err)
		}
	}

	if r.collector != nil {
		r.collector.SetRegisteredApps(tenantCount)
		r.collector.SetSharedHandles(sharedCount)
		r.collector.DropTenant(name)
	}
	r.notifier.Notify(component.Event{
		Type:      component.EventAppUnregistered,
		Component: "registry",
		Tenant:    name,
		Phase:     "unregister",
		Message:   "application unregistered",
		Fields:    map[string]any{"handle_shutdown": shutdownNeeded},
		Timestamp: time.Now(),
	})
	r.logger.Info("application unregistered",
		zap.String("app", name),
		zap.Bool("handle_shutdown", shutdownNeeded),
	)
	return nil
}

// GetApp returns the supervisor bound to a name, nil when unregistered.
func (r *Registry) GetApp(name string) *connection.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenant, ok := r.tenants[name]; ok {
		return tenant.Supervisor
	}
	return nil
}

// ListApps returns the registered application names.
func (r *Registry) ListApps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	return names
}

// State returns the registry lifecycle state.
func (r *Registry) State() types.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Shutdown stops the health loop, shuts every tenant down in parallel
// (each under its own deadline, failures collected), and clears registry
// state. Idempotent.
func (r *Registry) Shutdown(ctx context.Context, shutdownTimeout time.Duration) (types.ShutdownReport, error) {
	start := time.Now()

	r.mu.Lock()
	if r.state == types.StateShutdown || r.state == types.StateShuttingDown {
		r.mu.Unlock()
		return types.ShutdownReport{Clean: true, Duration: time.Since(start)}, nil
	}
	r.state = types.StateShuttingDown

	// Deduplicate shared supervisors so each handle shuts down once.
	seen := make(map[*connection.Supervisor]string)
	for name, tenant := range r.tenants {
		if _, dup := seen[tenant.Supervisor]; !dup {
			seen[tenant.Supervisor] = name
		}
	}
	r.mu.Unlock()

	r.healthStop.Do(func() { close(r.healthDone) })
	r.healthWG.Wait()

	if shutdownTimeout <= 0 {
		shutdownTimeout = r.cfg.ShutdownTimeout
	}

	var (
		failMu   sync.Mutex
		failures []string
	)
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxProbeConcurrency)
	for sup, name := range seen {
		g.Go(func() error {
			err := timeout.Run(ctx, shutdownTimeout, func(opCtx context.Context) error {
				_, err := sup.Shutdown(opCtx, shutdownTimeout)
				return err
			}, timeout.Options{
				Operation: "tenant.shutdown",
				Component: name,
				Logger:    r.logger,
			})
			if err != nil {
				failMu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", name, err))
				failMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	r.tenants = make(map[string]*Tenant)
	r.shared = make(map[string]*sharedHandle)
	r.pending = make(map[string]struct{})
	r.samples = make(map[string][]types.HealthSample)
	r.alertLimiters = make(map[string]*rate.Limiter)
	r.state = types.StateShutdown
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.SetRegisteredApps(0)
		r.collector.SetSharedHandles(0)
	}
	r.logger.Info("registry shut down",
		zap.Int("failures", len(failures)),
		zap.Duration("duration", time.Since(start)),
	)
	return types.ShutdownReport{
		Clean:    len(failures) == 0,
		Failures: failures,
		Duration: time.Since(start),
	}, nil
}
