package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/types"
)

// Store is the persistent repository for coordinator state.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// New creates a Store over the given pool and migrates the schema.
func New(pool *database.PoolManager, logger *zap.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "store")),
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	return s.pool.DB().AutoMigrate(
		&types.Agent{},
		&types.Task{},
		&types.Conflict{},
		&types.Message{},
	)
}

// DB exposes the underlying GORM handle for query composition.
func (s *Store) DB() *gorm.DB {
	return s.pool.DB()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn in a transaction with retry on transient failures.
func (s *Store) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.pool.WithTransactionRetry(ctx, 2, fn)
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
