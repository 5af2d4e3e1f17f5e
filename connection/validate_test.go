package connection

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🧪 句柄校验测试
// =============================================================================

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func postgresSupervisor(t *testing.T, conn types.ConnectionConfig) *Supervisor {
	cfg := types.AppConfig{
		Database: types.DatabaseConfig{
			Dialect:  types.DialectPostgres,
			Host:     "localhost",
			Port:     5432,
			Database: "billing",
		},
		Connection: conn,
	}
	sup, err := NewSupervisor("billing", cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return sup
}

func expectValidationPass(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
}

func TestValidateHandle_Succeeds(t *testing.T) {
	_, mock, gormDB := setupMockDB(t)
	sup := postgresSupervisor(t, types.ConnectionConfig{})

	expectValidationPass(mock)

	assert.NoError(t, sup.validateHandle(context.Background(), gormDB))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateHandle_RetriesThenSucceeds(t *testing.T) {
	_, mock, gormDB := setupMockDB(t)
	sup := postgresSupervisor(t, types.ConnectionConfig{
		ValidationRetries:    2,
		ValidationRetryDelay: 10 * time.Millisecond,
	})

	// 第一轮失败，第二轮通过
	mock.ExpectQuery("SELECT 1").
		WillReturnError(fmt.Errorf("connection refused"))
	expectValidationPass(mock)

	assert.NoError(t, sup.validateHandle(context.Background(), gormDB))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateHandle_ExhaustsRetries(t *testing.T) {
	_, mock, gormDB := setupMockDB(t)
	sup := postgresSupervisor(t, types.ConnectionConfig{
		ValidationRetries:    2,
		ValidationRetryDelay: 10 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT 1").
			WillReturnError(fmt.Errorf("connection refused"))
	}

	err := sup.validateHandle(context.Background(), gormDB)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConnectionValidation))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateHandle_SchemaProbeFailure(t *testing.T) {
	_, mock, gormDB := setupMockDB(t)
	sup := postgresSupervisor(t, types.ConnectionConfig{
		ValidationRetries:    1,
		ValidationRetryDelay: time.Millisecond,
	})

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM information_schema.tables").
		WillReturnError(fmt.Errorf("permission denied for schema"))

	err := sup.validateHandle(context.Background(), gormDB)
	assert.True(t, types.IsCode(err, types.ErrConnectionValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateHandle_ContextCancelled(t *testing.T) {
	_, mock, gormDB := setupMockDB(t)
	sup := postgresSupervisor(t, types.ConnectionConfig{
		ValidationRetries:    3,
		ValidationRetryDelay: time.Hour, // 取消必须打断重试等待
	})

	mock.ExpectQuery("SELECT 1").
		WillReturnError(fmt.Errorf("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sup.validateHandle(ctx, gormDB)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeSchema_UnsupportedDialect(t *testing.T) {
	_, _, gormDB := setupMockDB(t)
	cfg := types.AppConfig{
		Database: types.DatabaseConfig{Dialect: "oracle", Database: "x"},
	}
	sup, err := NewSupervisor("billing", cfg, nil, zap.NewNop())
	require.NoError(t, err)

	err = sup.probeSchema(context.Background(), gormDB)
	assert.ErrorContains(t, err, "unsupported dialect")
}
