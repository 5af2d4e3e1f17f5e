package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/internal/database"
	"github.com/BaSui01/dbflow/types"
)

// WarmPool pre-warms the connection pool by issuing the configured minimum
// number of trivial queries in parallel. Individual failures are collected,
// never fatal; concurrent invocations are rejected while one is running.
func (s *Supervisor) WarmPool(ctx context.Context) (types.WarmPoolReport, error) {
	if !s.warming.CompareAndSwap(false, true) {
		return types.WarmPoolReport{}, types.NewError(types.ErrConfiguration, "pool warming already in progress").
			WithTenant(s.name).
			WithPhase("pool.warm")
	}
	defer s.warming.Store(false)

	s.mu.RLock()
	handle := s.handle
	state := s.state
	s.mu.RUnlock()
	if state != types.StateInitialized || handle == nil {
		return types.WarmPoolReport{}, types.NewError(types.ErrNotRegistered, "supervisor not initialized").
			WithTenant(s.name).
			WithPhase("pool.warm")
	}

	n := s.cfg.Database.Pool.MinPoolSize
	if n <= 0 {
		n = 2
	}

	start := time.Now()
	var (
		mu       sync.Mutex
		failures []string
	)
	succeeded := 0

	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		attempt := i + 1
		g.Go(func() error {
			if err := s.ping(ctx, handle); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("attempt %d: %v", attempt, err))
				mu.Unlock()
				return nil // collect, don't abort the group
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report := types.WarmPoolReport{
		Requested:   n,
		Succeeded:   succeeded,
		Failed:      len(failures),
		SuccessRate: float64(succeeded) / float64(n),
		Duration:    time.Since(start),
		Errors:      failures,
	}

	s.logger.Info("pool warming finished",
		zap.Int("requested", report.Requested),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	if report.Failed > 0 {
		s.notifier.Notify(component.Event{
			Type:      component.EventWarning,
			Component: "connection",
			Tenant:    s.name,
			Phase:     "pool.warm",
			Message:   "pool warming partially failed",
			Fields: map[string]any{
				"requested": report.Requested,
				"failed":    report.Failed,
			},
			Timestamp: time.Now(),
		})
	}
	if s.collector != nil {
		if sqlDB, err := handle.DB(); err == nil {
			s.collector.ObservePool(s.name, database.CollectStats(sqlDB))
		}
	}
	return report, nil
}
