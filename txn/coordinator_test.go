package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 事务协调器测试
// =============================================================================

func openSQLite(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// :memory: 数据库按连接隔离，必须钉死单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec(`CREATE TABLE ledger (id INTEGER PRIMARY KEY, amount INTEGER)`).Error)
	return db
}

func newCoordinator(t *testing.T, db *gorm.DB, cfg types.TransactionConfig) *Coordinator {
	c := NewCoordinator("billing", cfg, func() *gorm.DB { return db }, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func countLedger(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Table("ledger").Count(&n).Error)
	return n
}

func TestCoordinator_RunCommits(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})

	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (100)`).Error
	}, RunOptions{})

	require.NoError(t, err)
	assert.EqualValues(t, 1, countLedger(t, db))

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCommitted, hist[0].Status)
	assert.Equal(t, 1, hist[0].Attempts)
	assert.Empty(t, c.Active())

	m := c.Metrics()
	assert.EqualValues(t, 1, m.Started)
	assert.EqualValues(t, 1, m.Committed)
	assert.InDelta(t, 1.0, m.SuccessRate(), 0.001)
}

func TestCoordinator_FailedWorkRollsBack(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})

	boom := errors.New("business rule violated")
	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Exec(`INSERT INTO ledger (amount) VALUES (100)`).Error; err != nil {
			return err
		}
		return boom
	}, RunOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, countLedger(t, db), "failed unit of work must leave no rows")

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusFailed, hist[0].Status)
	assert.Equal(t, 1, hist[0].Attempts, "non-retryable errors must not be retried")
}

func TestCoordinator_RetriesTransientErrors(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})

	var calls atomic.Int32
	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		if calls.Add(1) <= 2 {
			return errors.New("deadlock detected (SQLSTATE 40P01)")
		}
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (7)`).Error
	}, RunOptions{})

	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, countLedger(t, db))

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCommitted, hist[0].Status)
	assert.Equal(t, 3, hist[0].Attempts)

	m := c.Metrics()
	assert.EqualValues(t, 3, m.TotalAttempts)
}

func TestCoordinator_ExhaustsRetries(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})

	var calls atomic.Int32
	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		calls.Add(1)
		return errors.New("deadlock detected (SQLSTATE 40P01)")
	}, RunOptions{})

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTransientDatabase), "got %v", err)
	assert.EqualValues(t, 3, calls.Load(), "MaxRetries counts total attempts")

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusFailed, hist[0].Status)
}

func TestCoordinator_AttemptTimeout(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{
		MaxRetries: 1,
		Timeout:    50 * time.Millisecond,
	})

	release := make(chan struct{})
	defer close(release)

	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		<-release
		return nil
	}, RunOptions{})

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout), "got %v", err)

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusTimedOut, hist[0].Status)
}

func TestCoordinator_ConcurrencyCeiling(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{MaxConcurrent: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- c.Run(context.Background(), func(tx *gorm.DB) error {
			close(entered)
			<-release
			return nil
		}, RunOptions{})
	}()

	<-entered
	err := c.Run(context.Background(), func(tx *gorm.DB) error { return nil }, RunOptions{})
	assert.True(t, types.IsCode(err, types.ErrConcurrencyLimit), "got %v", err)
	assert.True(t, types.IsRetryable(err), "ceiling rejection is retryable back-pressure")

	close(release)
	require.NoError(t, <-done)
}

func TestCoordinator_SweeperExpiresStale(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{
		MaxRetries:    1,
		MaxAge:        50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		Timeout:       5 * time.Second,
	})
	c.Start()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), func(tx *gorm.DB) error {
			<-release
			return nil
		}, RunOptions{})
	}()

	assert.Eventually(t, func() bool {
		hist := c.History()
		return len(hist) == 1 && hist[0].Status == StatusTimedOut
	}, 2*time.Second, 10*time.Millisecond, "sweeper must expire the stale transaction")
	assert.Empty(t, c.Active())

	close(release)
	// 工作单元返回后提交必然失败：事务已被清扫器回滚
	assert.Error(t, <-done)
}

func TestCoordinator_RunAfterClose(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})
	c.Close()
	c.Close() // 幂等

	err := c.Run(context.Background(), func(tx *gorm.DB) error { return nil }, RunOptions{})
	assert.True(t, types.IsCode(err, types.ErrShutdown))
}

func TestCoordinator_NilUnitOfWork(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})

	err := c.Run(context.Background(), nil, RunOptions{})
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestCoordinator_NoHandle(t *testing.T) {
	c := NewCoordinator("billing", types.TransactionConfig{}, nil, zap.NewNop())
	defer c.Close()

	err := c.Run(context.Background(), func(tx *gorm.DB) error { return nil }, RunOptions{})
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestCoordinator_IsolationLevelDegrades(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})

	// sqlite 不支持所有隔离级别；请求必须降级而不是中止
	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (1)`).Error
	}, RunOptions{IsolationLevel: "serializable"})

	require.NoError(t, err)
	assert.EqualValues(t, 1, countLedger(t, db))
}

func TestCoordinator_UnknownIsolationLevel(t *testing.T) {
	db := openSQLite(t)
	c := newCoordinator(t, db, types.TransactionConfig{})

	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (1)`).Error
	}, RunOptions{IsolationLevel: "chaotic"})

	require.NoError(t, err)
}

// eventRecorder 记录收到的事件，测试专用。
type eventRecorder struct {
	mu     sync.Mutex
	events []component.Event
}

func (r *eventRecorder) Notify(e component.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t component.EventType) []component.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []component.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestCoordinator_IsolationDegradeEmitsWarning(t *testing.T) {
	db := openSQLite(t)
	recorder := &eventRecorder{}
	c := NewCoordinator("billing", types.TransactionConfig{},
		func() *gorm.DB { return db }, zap.NewNop(), WithNotifier(recorder))
	t.Cleanup(c.Close)

	// 降级不能只留在日志里，订阅方必须看到警告事件
	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (1)`).Error
	}, RunOptions{IsolationLevel: "chaotic"})
	require.NoError(t, err)

	warnings := recorder.byType(component.EventWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "txn", warnings[0].Component)
	assert.Equal(t, "billing", warnings[0].Tenant)
	assert.Equal(t, "transaction.begin", warnings[0].Phase)
	assert.Equal(t, "chaotic", warnings[0].Fields["isolation"])
}

func TestCoordinator_HandleOverride(t *testing.T) {
	defaultDB := openSQLite(t)
	otherDB := openSQLite(t)
	c := newCoordinator(t, defaultDB, types.TransactionConfig{})

	err := c.Run(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO ledger (amount) VALUES (9)`).Error
	}, RunOptions{Handle: otherDB})

	require.NoError(t, err)
	assert.EqualValues(t, 0, countLedger(t, defaultDB))
	assert.EqualValues(t, 1, countLedger(t, otherDB))
}
