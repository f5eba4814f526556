package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/taskmesh/config"
)

// =============================================================================
// 🔌 数据库连接
// =============================================================================

// Open 根据配置打开数据库连接并返回连接池管理器。
// 支持的驱动: sqlite（默认，纯 Go 实现）、postgres、mysql。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database (%s): %w", cfg.Driver, err)
	}

	poolCfg := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	return NewPoolManager(db, poolCfg, logger)
}

// dialectorFor 选择 GORM 方言
func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.Open(cfg.DSN()), nil
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
