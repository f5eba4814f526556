// Package taskmesh provides a top-level convenience entry point for embedding
// the coordinator in another process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/taskmesh"
//
//	c, err := taskmesh.New()                                    // in-memory sqlite
//	c, err := taskmesh.New(taskmesh.WithSQLite("mesh.db"))      // file-backed
//	c, err := taskmesh.New(taskmesh.WithDatabase(dbCfg))        // postgres/mysql
//
// The returned Coordinator exposes the same components the taskmesh server
// wires up, minus the HTTP surface: register agents on Registry, submit work
// through Delegator, and inspect load via Accountant.
package taskmesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/delegate"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/load"
	"github.com/BaSui01/taskmesh/match"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/planner"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/triage"
)

// Coordinator bundles an embedded, fully wired coordination stack.
type Coordinator struct {
	Store      *store.Store
	Registry   *directory.Registry
	Exchange   *bus.Exchange
	Delegator  *delegate.Delegator
	Resolver   *conflict.Resolver
	Accountant *load.Accountant

	pool   *database.PoolManager
	cancel context.CancelFunc
}

// Option configures the coordinator created by New.
type Option func(*options)

type options struct {
	db                 config.DatabaseConfig
	oracleCfg          *config.OracleConfig
	matcher            *match.Config
	logger             *zap.Logger
	maxRetries         int
	offlineThreshold   time.Duration
	negotiationTimeout time.Duration
}

// WithSQLite stores state in a sqlite database at the given path.
func WithSQLite(path string) Option {
	return func(o *options) {
		o.db = config.DatabaseConfig{Driver: "sqlite", Name: path}
	}
}

// WithDatabase uses a full database configuration (postgres, mysql, sqlite).
func WithDatabase(cfg config.DatabaseConfig) Option {
	return func(o *options) { o.db = cfg }
}

// WithOracle enables LLM-backed triage, planning, and conflict arbitration.
// Without it all analysis falls back to the deterministic heuristics.
func WithOracle(cfg config.OracleConfig) Option {
	return func(o *options) { o.oracleCfg = &cfg }
}

// WithMatcherConfig overrides the capability scoring policy.
func WithMatcherConfig(cfg match.Config) Option {
	return func(o *options) { o.matcher = &cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxRetries bounds failed-task reassignments.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithOfflineThreshold sets how stale a heartbeat may be before the sweeper
// marks an agent offline.
func WithOfflineThreshold(d time.Duration) Option {
	return func(o *options) { o.offlineThreshold = d }
}

// WithNegotiationTimeout bounds task offers and conflict votes.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *options) { o.negotiationTimeout = d }
}

// New creates an embedded coordinator. With no options it runs entirely in
// memory: sqlite state and an in-process message transport.
func New(opts ...Option) (*Coordinator, error) {
	o := &options{
		db: config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.offlineThreshold <= 0 {
		o.offlineThreshold = 2 * time.Minute
	}

	pool, err := database.Open(o.db, o.logger)
	if err != nil {
		return nil, err
	}

	st, err := store.New(pool, o.logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	matcher := match.NewMatcher(o.matcher, o.logger)
	registry := directory.NewRegistry(st, nil, matcher, nil, o.logger, o.offlineThreshold)

	var (
		analyzer     triage.Analyzer
		oracleClient oracle.Oracle
		pl           *planner.Planner
	)
	if o.oracleCfg != nil {
		client := oracle.NewClient(*o.oracleCfg, nil, o.logger)
		oracleClient = client
		analyzer = triage.NewOracleAnalyzer(client, nil, nil, o.logger)
		pl = planner.New(client, nil, o.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exchange := bus.NewExchange(bus.NewChannelTransport(), st, nil, o.logger, o.negotiationTimeout)
	exchange.Start(ctx)

	detector := conflict.NewDetector(st, nil, o.logger)
	resolver := conflict.NewResolver(st, exchange, oracleClient, nil, o.logger, o.negotiationTimeout)

	delegator := delegate.NewDelegator(st, registry, analyzer, pl, exchange, detector, nil, o.logger, delegate.Options{
		MaxRetries:         o.maxRetries,
		NegotiationTimeout: o.negotiationTimeout,
	})

	return &Coordinator{
		Store:      st,
		Registry:   registry,
		Exchange:   exchange,
		Delegator:  delegator,
		Resolver:   resolver,
		Accountant: load.NewAccountant(st, registry, nil, o.logger),
		pool:       pool,
		cancel:     cancel,
	}, nil
}

// Close stops the message dispatch loop and releases the database pool.
func (c *Coordinator) Close() error {
	c.cancel()
	return c.pool.Close()
}
