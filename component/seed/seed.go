// Package seed implements the seed sub-component slot: ordered execution
// of SQL seed files with batch bookkeeping on the tenant's own handle.
//
// Seed files are named NNN_name.sql and run in version order; an optional
// companion NNN_name.down.sql reverts the seed when the latest batch is
// rolled back. Bookkeeping (file name, batch number, execution time) lives
// in a table on the seeded database so re-runs are idempotent.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/types"
)

// DefaultTable is the seed bookkeeping table name.
const DefaultTable = "dbflow_seeds"

// record mirrors one bookkeeping row.
type record struct {
	ID         uint      `gorm:"primaryKey"`
	Name       string    `gorm:"size:255;uniqueIndex"`
	Batch      int       `gorm:"index"`
	ExecutedAt time.Time
}

// Seeder implements the seed slot for one tenant.
type Seeder struct {
	tenant   string
	dir      string
	table    string
	handle   func() *gorm.DB
	logger   *zap.Logger
	notifier component.Notifier

	mu    sync.Mutex
	state types.State
}

var _ component.Seeder = (*Seeder)(nil)

// NewFactory returns the factory registered on the seed slot.
func NewFactory() component.Factory {
	return func(deps component.Deps) (component.Component, error) {
		dir := deps.Config.Seed.Dir
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(deps.Config.WorkDir, dir)
		}
		table := deps.Config.Seed.Table
		if table == "" {
			table = DefaultTable
		}
		return &Seeder{
			tenant:   deps.Tenant,
			dir:      dir,
			table:    table,
			handle:   deps.Handle,
			logger:   deps.Logger.With(zap.String("component", "seed"), zap.String("tenant", deps.Tenant)),
			notifier: deps.Notifier,
			state:    types.StateCreated,
		}, nil
	}
}

// Name implements Component.
func (s *Seeder) Name() string { return string(component.SlotSeed) }

// Initialize verifies the seed directory when one is configured.
func (s *Seeder) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		info, err := os.Stat(s.dir)
		if err != nil {
			return types.NewError(types.ErrConfiguration, "seed directory not accessible").
				WithTenant(s.tenant).
				WithPhase("seed.initialize").
				WithCause(err)
		}
		if !info.IsDir() {
			return types.NewError(types.ErrConfiguration, "seed path is not a directory: "+s.dir).
				WithTenant(s.tenant).
				WithPhase("seed.initialize")
		}
	}
	s.state = types.StateInitialized
	return nil
}

// Shutdown implements Component.
func (s *Seeder) Shutdown(ctx context.Context, opts component.ShutdownOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.StateShutdown
	return nil
}

// Status implements Component.
func (s *Seeder) Status() types.ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ComponentStatus{
		Name:    s.Name(),
		State:   s.state,
		Healthy: s.state == types.StateInitialized,
		Details: map[string]any{"dir": s.dir, "table": s.table},
	}
}

// Seed runs every pending seed file in version order as one new batch.
func (s *Seeder) Seed(ctx context.Context) (types.SeedResult, error) {
	db, err := s.db(ctx)
	if err != nil {
		return types.SeedResult{}, err
	}
	if s.dir == "" {
		return types.SeedResult{Success: true}, nil
	}

	executed, batch, err := s.bookkeeping(db)
	if err != nil {
		return types.SeedResult{}, err
	}

	files, err := s.listSeedFiles()
	if err != nil {
		return types.SeedResult{}, err
	}

	var ran []string
	for _, name := range files {
		if _, done := executed[name]; done {
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.notifyError("seed.run", err)
			return types.SeedResult{}, types.NewError(types.ErrComponentFailure, "failed to read seed file "+name).
				WithTenant(s.tenant).
				WithPhase("seed.run").
				WithCause(err)
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(content)).Error; err != nil {
				return err
			}
			return tx.Table(s.table).Create(&record{
				Name:       name,
				Batch:      batch + 1,
				ExecutedAt: time.Now(),
			}).Error
		})
		if err != nil {
			s.notifyError("seed.run", err)
			return types.SeedResult{}, types.NewError(types.ErrComponentFailure, "seed file failed: "+name).
				WithTenant(s.tenant).
				WithPhase("seed.run").
				WithCause(err)
		}
		ran = append(ran, name)
	}

	if len(ran) > 0 {
		s.logger.Info("seeds executed", zap.Int("batch", batch+1), zap.Strings("files", ran))
	}
	return types.SeedResult{Success: true, Batch: batch + 1, Seeds: ran}, nil
}

// Rollback reverts the latest batch, newest file first. A seed without a
// companion .down.sql is forgotten from bookkeeping with a warning.
func (s *Seeder) Rollback(ctx context.Context) (types.SeedResult, error) {
	db, err := s.db(ctx)
	if err != nil {
		return types.SeedResult{}, err
	}
	if s.dir == "" {
		return types.SeedResult{Success: true}, nil
	}
	if _, _, err := s.bookkeeping(db); err != nil {
		return types.SeedResult{}, err
	}

	var rows []record
	sub := db.Table(s.table).Select("max(batch)")
	if err := db.Table(s.table).Where("batch = (?)", sub).Order("name desc").Find(&rows).Error; err != nil {
		return types.SeedResult{}, types.NewError(types.ErrComponentFailure, "failed to read seed bookkeeping").
			WithTenant(s.tenant).
			WithPhase("seed.rollback").
			WithCause(err)
	}
	if len(rows) == 0 {
		return types.SeedResult{Success: true}, nil
	}

	var reverted []string
	for _, row := range rows {
		down := strings.TrimSuffix(row.Name, ".sql") + ".down.sql"
		content, err := os.ReadFile(filepath.Join(s.dir, down))
		switch {
		case os.IsNotExist(err):
			s.logger.Warn("no down file for seed, dropping bookkeeping only",
				zap.String("seed", row.Name))
		case err != nil:
			s.notifyError("seed.rollback", err)
			return types.SeedResult{}, types.NewError(types.ErrComponentFailure, "failed to read "+down).
				WithTenant(s.tenant).
				WithPhase("seed.rollback").
				WithCause(err)
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if len(content) > 0 {
				if err := tx.Exec(string(content)).Error; err != nil {
					return err
				}
			}
			return tx.Table(s.table).Where("name = ?", row.Name).Delete(&record{}).Error
		})
		if err != nil {
			s.notifyError("seed.rollback", err)
			return types.SeedResult{}, types.NewError(types.ErrComponentFailure, "seed rollback failed: "+row.Name).
				WithTenant(s.tenant).
				WithPhase("seed.rollback").
				WithCause(err)
		}
		reverted = append(reverted, row.Name)
	}

	s.logger.Info("seed batch rolled back",
		zap.Int("batch", rows[0].Batch),
		zap.Strings("files", reverted))
	return types.SeedResult{Success: true, Batch: rows[0].Batch, RolledBack: reverted}, nil
}

func (s *Seeder) db(ctx context.Context) (*gorm.DB, error) {
	var handle *gorm.DB
	if s.handle != nil {
		handle = s.handle()
	}
	if handle == nil {
		return nil, types.NewError(types.ErrConfiguration, "no database handle available").
			WithTenant(s.tenant).
			WithPhase("seed")
	}
	return handle.WithContext(ctx), nil
}

// bookkeeping ensures the table exists and returns executed names plus the
// highest batch number.
func (s *Seeder) bookkeeping(db *gorm.DB) (map[string]struct{}, int, error) {
	if err := db.Table(s.table).AutoMigrate(&record{}); err != nil {
		return nil, 0, types.NewError(types.ErrComponentFailure, "failed to ensure seed bookkeeping table").
			WithTenant(s.tenant).
			WithPhase("seed").
			WithCause(err)
	}
	var rows []record
	if err := db.Table(s.table).Find(&rows).Error; err != nil {
		return nil, 0, types.NewError(types.ErrComponentFailure, "failed to read seed bookkeeping").
			WithTenant(s.tenant).
			WithPhase("seed").
			WithCause(err)
	}
	executed := make(map[string]struct{}, len(rows))
	batch := 0
	for _, row := range rows {
		executed[row.Name] = struct{}{}
		if row.Batch > batch {
			batch = row.Batch
		}
	}
	return executed, batch, nil
}

// listSeedFiles returns .sql files (excluding .down.sql) in lexical order.
func (s *Seeder) listSeedFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, types.NewError(types.ErrComponentFailure, "failed to list seed directory").
			WithTenant(s.tenant).
			WithPhase("seed").
			WithCause(err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func (s *Seeder) notifyError(phase string, err error) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(component.Event{
		Type:      component.EventError,
		Component: s.Name(),
		Tenant:    s.tenant,
		Phase:     phase,
		Message:   fmt.Sprintf("seed operation failed: %v", err),
		Err:       err,
		Timestamp: time.Now(),
	})
}
