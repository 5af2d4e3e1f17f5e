package txn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/internal/database"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/timeout"
	"github.com/BaSui01/dbflow/types"
)

// UnitOfWork runs inside one transaction attempt. The *gorm.DB it receives
// is transaction-scoped; it must not be retained past the call.
type UnitOfWork func(tx *gorm.DB) error

// RunOptions configures one Run invocation.
type RunOptions struct {
	// Handle overrides the coordinator's default handle for this run.
	Handle *gorm.DB
	// IsolationLevel, when set, is requested at transaction begin.
	// A level the engine rejects degrades to a warning, not an abort.
	IsolationLevel string
	// Timeout bounds each attempt; zero uses the configured default.
	Timeout time.Duration
}

// Coordinator executes units of work with retry, timeout, and sweeping.
type Coordinator struct {
	tenant    string
	cfg       types.TransactionConfig
	handle    func() *gorm.DB
	logger    *zap.Logger
	notifier  component.Notifier
	collector *metrics.Collector

	mu     sync.Mutex
	active map[string]*activeTx
	hist   *history
	agg    Metrics
	closed bool

	sweepDone chan struct{}
	sweepOnce sync.Once
	startOnce sync.Once
}

// activeTx pairs an active record with the transaction handle of its
// current attempt. tx is nil between attempts. Guarded by Coordinator.mu.
type activeTx struct {
	record *Record
	tx     *gorm.DB
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the event notifier.
func WithNotifier(n component.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithCollector sets the prometheus collector.
func WithCollector(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.collector = m }
}

// NewCoordinator creates a coordinator for one tenant. handle supplies the
// default database handle; it is late-bound because the handle may not
// exist yet when the coordinator is constructed.
func NewCoordinator(tenant string, cfg types.TransactionConfig, handle func() *gorm.DB, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		tenant:    tenant,
		cfg:       normalize(cfg),
		handle:    handle,
		logger:    logger.With(zap.String("component", "txn"), zap.String("tenant", tenant)),
		notifier:  component.NopNotifier{},
		active:    make(map[string]*activeTx),
		sweepDone: make(chan struct{}),
	}
	c.hist = newHistory(c.cfg.HistorySize, c.cfg.HistoryMaxAge)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalize(cfg types.TransactionConfig) types.TransactionConfig {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = time.Hour
	}
	return cfg
}

// Start launches the background sweeper. Idempotent.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.sweepLoop()
	})
}

// Close stops the sweeper and force-rolls-back any remaining active
// transactions. Idempotent.
func (c *Coordinator) Close() {
	c.sweepOnce.Do(func() {
		close(c.sweepDone)
	})

	c.mu.Lock()
	c.closed = true
	stale := make([]*activeTx, 0, len(c.active))
	for id, at := range c.active {
		delete(c.active, id)
		stale = append(stale, at)
	}
	c.mu.Unlock()

	for _, at := range stale {
		c.expire(at, "coordinator closed")
	}
}

// Run executes fn inside a transaction with retry and timeout. The same
// transaction id spans all attempts; each attempt begins a fresh database
// transaction.
func (c *Coordinator) Run(ctx context.Context, fn UnitOfWork, opts RunOptions) error {
	if fn == nil {
		return types.NewError(types.ErrConfiguration, "unit of work must not be nil").
			WithTenant(c.tenant)
	}
	handle := opts.Handle
	if handle == nil && c.handle != nil {
		handle = c.handle()
	}
	if handle == nil {
		return types.NewError(types.ErrConfiguration, "no database handle available").
			WithTenant(c.tenant).
			WithPhase("transaction.begin")
	}

	at, err := c.admit()
	if err != nil {
		return err
	}
	c.notify(component.EventTransactionStarted, "transaction started", at.record, nil)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.mu.Lock()
		at.record.Attempts = attempt
		swept := at.record.Status != StatusActive
		c.mu.Unlock()
		if swept {
			return types.NewError(types.ErrTimeout, "transaction swept as stale").
				WithTenant(c.tenant).
				WithPhase("transaction.sweep")
		}

		lastErr = c.attempt(ctx, fn, handle, opts, at)
		if lastErr == nil {
			c.finish(at, StatusCommitted, nil)
			return nil
		}

		retryable := database.IsRetryable(lastErr) || types.IsCode(lastErr, types.ErrTimeout)
		if !retryable || attempt == c.cfg.MaxRetries {
			break
		}

		// Linear backoff: retryDelay × attemptNumber.
		delay := c.cfg.RetryDelay * time.Duration(attempt)
		c.logger.Warn("transaction attempt failed, retrying",
			zap.String("id", at.record.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			c.finish(at, StatusFailed, ctx.Err())
			return types.NewError(types.ErrTimeout, "transaction cancelled during backoff").
				WithTenant(c.tenant).
				WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}

	status := StatusFailed
	code := types.ErrInternalError
	switch {
	case types.IsCode(lastErr, types.ErrTimeout):
		status = StatusTimedOut
		code = types.ErrTimeout
	case database.IsRetryable(lastErr):
		code = types.ErrTransientDatabase
	}
	c.finish(at, status, lastErr)

	c.mu.Lock()
	attempts := at.record.Attempts
	c.mu.Unlock()
	return types.NewError(code, fmt.Sprintf("transaction failed after %d attempts", attempts)).
		WithTenant(c.tenant).
		WithPhase("transaction.run").
		WithCause(lastErr)
}

// admit reserves a slot in the active table, rejecting at the ceiling.
func (c *Coordinator) admit() (*activeTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, types.NewError(types.ErrShutdown, "transaction coordinator closed").
			WithTenant(c.tenant)
	}
	if len(c.active) >= c.cfg.MaxConcurrent {
		return nil, types.NewError(types.ErrConcurrencyLimit,
			fmt.Sprintf("active transaction ceiling reached (%d)", c.cfg.MaxConcurrent)).
			WithTenant(c.tenant).
			WithRetryable(true)
	}

	at := &activeTx{record: &Record{
		ID:        uuid.NewString(),
		Tenant:    c.tenant,
		StartTime: time.Now(),
		Status:    StatusActive,
	}}
	c.active[at.record.ID] = at
	c.agg.Started++
	if c.collector != nil {
		c.collector.SetActiveTransactions(c.tenant, len(c.active))
	}
	return at, nil
}

// attempt runs one transaction attempt under the per-attempt deadline.
// The deadline's cleanup rolls back the attempt's transaction so the
// connection returns to the pool even when fn never returns.
func (c *Coordinator) attempt(ctx context.Context, fn UnitOfWork, handle *gorm.DB, opts RunOptions, at *activeTx) error {
	d := opts.Timeout
	if d <= 0 {
		d = c.cfg.Timeout
	}

	op := func(opCtx context.Context) error {
		tx, err := c.begin(handle.WithContext(opCtx), opts.IsolationLevel)
		if err != nil {
			return err
		}
		c.setTx(at, tx)
		defer c.setTx(at, nil)

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	}

	return timeout.RunCancellable(ctx, d, op, timeout.Options{
		Operation: "transaction.attempt",
		Component: c.tenant,
		Cleanup:   func() error { return c.rollbackCurrent(at) },
		Logger:    c.logger,
	})
}

// begin starts a database transaction, requesting the isolation level when
// given. An engine that rejects the level produces a warning and a plain
// transaction, never an abort.
func (c *Coordinator) begin(handle *gorm.DB, isolation string) (*gorm.DB, error) {
	if isolation == "" {
		tx := handle.Begin()
		return tx, tx.Error
	}

	level, ok := isolationLevel(isolation)
	if !ok {
		c.logger.Warn("unknown isolation level, beginning without",
			zap.String("isolation", isolation))
		c.notifyDegraded("unknown isolation level, beginning without", isolation, nil)
		tx := handle.Begin()
		return tx, tx.Error
	}

	tx := handle.Begin(&sql.TxOptions{Isolation: level})
	if tx.Error != nil {
		c.logger.Warn("failed to set isolation level",
			zap.String("isolation", isolation),
			zap.Error(tx.Error))
		c.notifyDegraded("failed to set isolation level", isolation, tx.Error)
		tx = handle.Begin()
	}
	return tx, tx.Error
}

// notifyDegraded publishes a warning for a transaction that proceeds
// without its requested isolation level.
func (c *Coordinator) notifyDegraded(msg, isolation string, cause error) {
	c.notifier.Notify(component.Event{
		Type:      component.EventWarning,
		Component: "txn",
		Tenant:    c.tenant,
		Phase:     "transaction.begin",
		Message:   msg,
		Err:       cause,
		Fields:    map[string]any{"isolation": isolation},
		Timestamp: time.Now(),
	})
}

func isolationLevel(s string) (sql.IsolationLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read uncommitted":
		return sql.LevelReadUncommitted, true
	case "read committed":
		return sql.LevelReadCommitted, true
	case "repeatable read":
		return sql.LevelRepeatableRead, true
	case "serializable":
		return sql.LevelSerializable, true
	default:
		return sql.LevelDefault, false
	}
}

func (c *Coordinator) setTx(at *activeTx, tx *gorm.DB) {
	c.mu.Lock()
	at.tx = tx
	c.mu.Unlock()
}

// rollbackCurrent rolls back the attempt's transaction, if any.
func (c *Coordinator) rollbackCurrent(at *activeTx) error {
	c.mu.Lock()
	tx := at.tx
	at.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return nil
	}
	return tx.Rollback().Error
}

// finish moves a record from the active table to history. A record the
// sweeper already expired is left untouched.
func (c *Coordinator) finish(at *activeTx, status Status, cause error) {
	c.mu.Lock()
	if at.record.Status != StatusActive {
		c.mu.Unlock()
		return
	}
	delete(c.active, at.record.ID)
	now := time.Now()
	at.record.Status = status
	at.record.EndTime = now
	at.record.Duration = now.Sub(at.record.StartTime)
	if cause != nil {
		at.record.Err = cause.Error()
	}
	c.hist.append(at.record)
	c.aggregate(at.record)
	activeCount := len(c.active)
	rec := *at.record
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.SetActiveTransactions(c.tenant, activeCount)
		c.collector.ObserveTransaction(c.tenant, string(status), rec.Duration, rec.Attempts)
	}
	switch status {
	case StatusCommitted:
		c.notify(component.EventTransactionCompleted, "transaction committed", &rec, nil)
	case StatusTimedOut:
		c.notify(component.EventTransactionTimedOut, "transaction timed out", &rec, cause)
	default:
		c.notify(component.EventTransactionFailed, "transaction failed", &rec, cause)
	}
}

// aggregate updates in-memory aggregates. Caller holds c.mu.
func (c *Coordinator) aggregate(rec *Record) {
	switch rec.Status {
	case StatusCommitted:
		c.agg.Committed++
	case StatusTimedOut:
		c.agg.TimedOut++
	default:
		c.agg.Failed++
	}
	c.agg.TotalAttempts += int64(rec.Attempts)
	c.agg.TotalDuration += rec.Duration
	if rec.Duration > c.agg.LongestDuration {
		c.agg.LongestDuration = rec.Duration
	}
}

func (c *Coordinator) notify(t component.EventType, msg string, rec *Record, cause error) {
	c.notifier.Notify(component.Event{
		Type:      t,
		Component: "txn",
		Tenant:    c.tenant,
		Phase:     "transaction",
		Message:   msg,
		Err:       cause,
		Fields: map[string]any{
			"id":       rec.ID,
			"attempts": rec.Attempts,
			"status":   string(rec.Status),
		},
		Timestamp: time.Now(),
	})
}

// =============================================================================
// 🧹 Stale-transaction sweeping
// =============================================================================

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.sweepDone:
			return
		}
	}
}

// sweep force-rolls-back active transactions older than the configured max
// age. This guards against unit-of-work callers that never return.
func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	var stale []*activeTx
	for id, at := range c.active {
		if now.Sub(at.record.StartTime) > c.cfg.MaxAge {
			delete(c.active, id)
			stale = append(stale, at)
		}
	}
	activeCount := len(c.active)
	c.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	if c.collector != nil {
		c.collector.SetActiveTransactions(c.tenant, activeCount)
	}
	for _, at := range stale {
		c.expire(at, "exceeded max transaction age")
	}
}

// expire finalizes a record the sweeper (or Close) pulled out of the
// active table, rolling back its live transaction if one exists.
func (c *Coordinator) expire(at *activeTx, reason string) {
	if err := c.rollbackCurrent(at); err != nil {
		c.logger.Warn("stale transaction rollback failed",
			zap.String("id", at.record.ID),
			zap.Error(err))
	}

	c.mu.Lock()
	now := time.Now()
	at.record.Status = StatusTimedOut
	at.record.EndTime = now
	at.record.Duration = now.Sub(at.record.StartTime)
	at.record.Err = reason
	c.hist.append(at.record)
	c.aggregate(at.record)
	rec := *at.record
	c.mu.Unlock()

	c.logger.Warn("swept stale transaction",
		zap.String("id", rec.ID),
		zap.Duration("age", rec.Duration))
	if c.collector != nil {
		c.collector.ObserveTransaction(c.tenant, string(StatusTimedOut), rec.Duration, rec.Attempts)
	}
	c.notify(component.EventTransactionTimedOut, "transaction swept: "+reason, &rec, nil)
}

// =============================================================================
// 📊 Introspection
// =============================================================================

// Active returns a snapshot of currently active records.
func (c *Coordinator) Active() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.active))
	for _, at := range c.active {
		out = append(out, *at.record)
	}
	return out
}

// History returns a snapshot of the bounded history log, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hist.snapshot()
}

// Metrics returns the aggregate counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agg
}
