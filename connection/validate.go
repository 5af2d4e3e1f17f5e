package connection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/internal/database"
	"github.com/BaSui01/dbflow/timeout"
	"github.com/BaSui01/dbflow/types"
)

// validateHandle proves a freshly created handle usable, retrying the full
// validation pass a bounded number of times before giving up.
func (s *Supervisor) validateHandle(ctx context.Context, handle *gorm.DB) error {
	retries := s.cfg.Connection.ValidationRetries
	if retries <= 0 {
		retries = 3
	}
	delay := s.cfg.Connection.ValidationRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = s.validateOnce(ctx, handle)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("handle validation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(lastErr),
		)
		if attempt < retries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = retries
			case <-time.After(delay):
			}
		}
	}
	return types.NewError(types.ErrConnectionValidation,
		fmt.Sprintf("handle validation failed after %d attempts", retries)).
		WithTenant(s.name).
		WithPhase("initialize.validate").
		WithCause(lastErr)
}

// validateOnce runs one full validation pass under a deadline: trivial
// round trip, engine-specific schema visibility, pool saturation.
func (s *Supervisor) validateOnce(ctx context.Context, handle *gorm.DB) error {
	d := s.cfg.Connection.ValidationTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return timeout.RunCancellable(ctx, d, func(opCtx context.Context) error {
		if err := s.ping(opCtx, handle); err != nil {
			return fmt.Errorf("round-trip query: %w", err)
		}
		if err := s.probeSchema(opCtx, handle); err != nil {
			return fmt.Errorf("schema probe: %w", err)
		}
		sqlDB, err := handle.DB()
		if err != nil {
			return err
		}
		if database.Saturated(sqlDB) {
			return fmt.Errorf("connection pool saturated (%d in use)", sqlDB.Stats().InUse)
		}
		return nil
	}, timeout.Options{
		Operation: "handle.validate",
		Component: s.name,
		Logger:    s.logger,
	})
}

// ping issues the trivial round-trip query.
func (s *Supervisor) ping(ctx context.Context, handle *gorm.DB) error {
	var one int
	return handle.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// probeSchema verifies the schema catalog is visible to this connection.
func (s *Supervisor) probeSchema(ctx context.Context, handle *gorm.DB) error {
	var count int64
	db := handle.WithContext(ctx)
	switch s.cfg.Database.Dialect {
	case types.DialectPostgres:
		return db.Raw("SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema()").
			Scan(&count).Error
	case types.DialectMySQL:
		return db.Raw("SELECT count(*) FROM information_schema.tables WHERE table_schema = DATABASE()").
			Scan(&count).Error
	case types.DialectSQLite:
		return db.Raw("SELECT count(*) FROM sqlite_master").Scan(&count).Error
	default:
		return fmt.Errorf("unsupported dialect: %s", s.cfg.Database.Dialect)
	}
}
