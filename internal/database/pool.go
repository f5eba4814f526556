package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/internal/metrics"
)

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// PoolManager 包装 gorm.DB，负责连接池参数、健康巡检与带重试的事务执行。
// 协调器的所有持久化操作都经由它访问数据库。
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	collector *metrics.Collector
	driver    string
}

// PoolConfig 连接池参数
type PoolConfig struct {
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 健康检查间隔，0 表示不巡检
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池参数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        25,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewPoolManager 基于已打开的 gorm.DB 创建连接池管理器并应用参数
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		done:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return pm, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.closed {
		return fmt.Errorf("pool is closed")
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回底层连接池统计
func (pm *PoolManager) Stats() sql.DBStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.sqlDB.Stats()
}

// Close 停止巡检并关闭连接池，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return nil
	}
	pm.closed = true
	close(pm.done)

	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 📊 指标接入
// =============================================================================

// queryStartKey 存放每次查询的起始时间，挂在 gorm 语句实例上
const queryStartKey = "taskmesh:query_start"

// Instrument 把连接池和查询耗时接到指标收集器上：每轮健康巡检上报连接
// 数，GORM 回调上报各类语句的耗时。collector 为 nil 时是空操作。
func (pm *PoolManager) Instrument(collector *metrics.Collector, driver string) error {
	if collector == nil {
		return nil
	}

	pm.mu.Lock()
	pm.collector = collector
	pm.driver = driver
	db := pm.db
	pm.mu.Unlock()

	before := func(tx *gorm.DB) {
		tx.InstanceSet(queryStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			collector.RecordDBQuery(driver, operation, time.Since(start))
		}
	}

	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("taskmesh:metrics_before_create", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("taskmesh:metrics_after_create", after("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("taskmesh:metrics_before_query", before); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("taskmesh:metrics_after_query", after("query")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("taskmesh:metrics_before_update", before); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("taskmesh:metrics_after_update", after("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("taskmesh:metrics_before_delete", before); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("taskmesh:metrics_after_delete", after("delete")); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("taskmesh:metrics_before_row", before); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("taskmesh:metrics_after_row", after("row")); err != nil {
		return err
	}

	// 立即上报一次连接数，后续由健康巡检持续刷新
	stats := pm.Stats()
	collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
	return nil
}

// =============================================================================
// 🏥 健康巡检
// =============================================================================

func (pm *PoolManager) healthCheckLoop() {
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := pm.Ping(ctx)
		cancel()

		if err != nil {
			pm.logger.Error("database health check failed", zap.Error(err))
			continue
		}

		stats := pm.Stats()
		pm.mu.RLock()
		collector, driver := pm.collector, pm.driver
		pm.mu.RUnlock()
		if collector != nil {
			collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
		}

		pm.logger.Debug("database health check passed",
			zap.Int("open_connections", stats.OpenConnections),
			zap.Int("in_use", stats.InUse),
			zap.Int("idle", stats.Idle),
		)
	}
}

// =============================================================================
// 🔄 事务执行
// =============================================================================

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	if pm.closed {
		pm.mu.RUnlock()
		return fmt.Errorf("pool is closed")
	}
	db := pm.db
	pm.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 执行事务，对可重试错误按指数退避重做。
// 协调器的任务绑定依赖这里吸收 sqlite 写锁竞争与 postgres 序列化失败。
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, maxRetries int, fn TransactionFunc) error {
	var lastErr error

	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := pm.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// retryableSubstrings 覆盖死锁、序列化失败（SQLSTATE 40001）、sqlite 写锁、
// 锁超时与连接级故障。
var retryableSubstrings = []string{
	"deadlock",
	"serialization failure",
	"40001",
	"database is locked",
	"busy",
	"lock timeout",
	"lock wait timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
