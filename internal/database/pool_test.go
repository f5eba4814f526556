package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	// 创建 mock DB
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	// 创建 GORM DB
	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})

	// gorm.Open 自身会 ping 一次
	mock.ExpectPing()
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	logger := zap.NewNop()
	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := NewPoolManager(gormDB, config, logger)
	require.NoError(t, err)

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.db)
	assert.NotNil(t, manager.logger)
	assert.Equal(t, config, manager.config)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_GetDB(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	db := manager.DB()

	assert.NotNil(t, db)
	assert.Equal(t, gormDB, db)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// Mock ping 成功
	mock.ExpectPing()

	err = manager.Ping(ctx)
	assert.NoError(t, err)
}

func TestPoolManager_PingFailed(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// Mock ping 失败
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	err = manager.Ping(ctx)
	assert.Error(t, err)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// Mock 事务
	mock.ExpectBegin()
	mock.ExpectCommit()

	err = manager.WithTransaction(ctx, func(tx *gorm.DB) error {
		// 事务内的操作
		return nil
	})

	assert.NoError(t, err)

	// 验证所有期望都被满足
	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// Mock 事务回滚
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = manager.WithTransaction(ctx, func(tx *gorm.DB) error {
		// 返回错误触发回滚
		return assert.AnError
	})

	assert.Error(t, err)

	// 验证所有期望都被满足
	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestPoolManager_WithTransactionRetry_NonRetryable(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// 非可重试错误应只尝试一次
	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err = manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		calls++
		return errors.New("constraint violation")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPoolManager_WithTransactionRetry_Retryable(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// 第一次死锁，第二次成功
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err = manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPoolManager_Close(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)

	// Mock close
	mock.ExpectClose()

	err = manager.Close()
	assert.NoError(t, err)

	// 二次关闭应该是幂等的
	assert.NoError(t, manager.Close())

	_ = mockDB
}

func TestPoolManager_Instrument(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	manager, err := NewPoolManager(db, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	collector := metrics.NewCollector("pool_instrument_test", zap.NewNop())
	require.NoError(t, manager.Instrument(collector, "sqlite"))

	// 跑一条写入和一条查询，两者都应被回调计时
	type widget struct{ ID uint }
	require.NoError(t, db.AutoMigrate(&widget{}))
	require.NoError(t, db.Create(&widget{}).Error)
	var rows []widget
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var querySamples uint64
	var gaugeSeen bool
	for _, mf := range families {
		switch mf.GetName() {
		case "pool_instrument_test_db_query_duration_seconds":
			for _, m := range mf.GetMetric() {
				querySamples += m.GetHistogram().GetSampleCount()
			}
		case "pool_instrument_test_db_connections_open":
			gaugeSeen = len(mf.GetMetric()) > 0
		}
	}
	assert.GreaterOrEqual(t, querySamples, uint64(2), "create and query must both be observed")
	assert.True(t, gaugeSeen, "connection gauge must carry a sample")
}

func TestPoolManager_InstrumentNilCollector(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	manager, err := NewPoolManager(db, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	assert.NoError(t, manager.Instrument(nil, "sqlite"))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("Deadlock found when trying to get lock"), true},
		{"serialization", errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"constraint", errors.New("UNIQUE constraint failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryableError(tt.err))
		})
	}
}
