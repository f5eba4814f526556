// Package directory tracks the agent fleet: registration, liveness, and
// capability-based lookup. It layers a Redis capability cache and Prometheus
// gauges over the persistent store and owns the periodic staleness sweep.
package directory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/cache"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/match"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// Registry is the agent directory.
type Registry struct {
	store     *store.Store
	cache     *cache.Manager
	matcher   *match.Matcher
	collector *metrics.Collector
	logger    *zap.Logger

	offlineThreshold time.Duration
}

// NewRegistry wires the directory. Cache and collector may be nil when the
// corresponding subsystems are disabled; the matcher falls back to the
// default policy when nil.
func NewRegistry(st *store.Store, cacheMgr *cache.Manager, matcher *match.Matcher, collector *metrics.Collector, logger *zap.Logger, offlineThreshold time.Duration) *Registry {
	if matcher == nil {
		matcher = match.NewMatcher(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 120 * time.Second
	}
	return &Registry{
		store:            st,
		cache:            cacheMgr,
		matcher:          matcher,
		collector:        collector,
		logger:           logger.With(zap.String("component", "directory")),
		offlineThreshold: offlineThreshold,
	}
}

// Register upserts an agent by name and resets it to idle. Re-registration
// refreshes capabilities and resources but keeps performance history.
func (r *Registry) Register(ctx context.Context, agent *types.Agent) (*types.Agent, error) {
	registered, err := r.store.RegisterAgent(ctx, agent)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.CacheAgentCapabilities(ctx, registered.ID, registered.Capabilities); err != nil {
			r.logger.Warn("failed to cache agent capabilities",
				zap.Uint("agent_id", registered.ID),
				zap.Error(err),
			)
		}
	}
	r.refreshGauges(ctx)
	return registered, nil
}

// Unregister sets the agent offline. Agents are never hard-deleted.
func (r *Registry) Unregister(ctx context.Context, agentID uint) error {
	if err := r.store.UnregisterAgent(ctx, agentID); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.InvalidateAgent(ctx, agentID); err != nil {
			r.logger.Warn("failed to invalidate agent cache",
				zap.Uint("agent_id", agentID),
				zap.Error(err),
			)
		}
	}
	r.refreshGauges(ctx)
	return nil
}

// Heartbeat records liveness. Unknown agents report found=false without
// error; recovered flags an offline agent coming back as idle.
func (r *Registry) Heartbeat(ctx context.Context, agentID uint) (found, recovered bool, err error) {
	return r.store.Heartbeat(ctx, agentID)
}

// Get fetches one agent by id.
func (r *Registry) Get(ctx context.Context, agentID uint) (*types.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns agents, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status types.AgentStatus) ([]types.Agent, error) {
	return r.store.ListAgents(ctx, status)
}

// Capabilities returns an agent's capability set, served from cache when
// possible.
func (r *Registry) Capabilities(ctx context.Context, agentID uint) ([]string, error) {
	if r.cache != nil {
		caps, err := r.cache.GetAgentCapabilities(ctx, agentID)
		if err == nil {
			if r.collector != nil {
				r.collector.RecordCacheHit("agent_capabilities")
			}
			return caps, nil
		}
		if cache.IsCacheMiss(err) && r.collector != nil {
			r.collector.RecordCacheMiss("agent_capabilities")
		}
	}

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.CacheAgentCapabilities(ctx, agentID, agent.Capabilities)
	}
	return agent.Capabilities, nil
}

// FindAvailable ranks idle agents against the requirements, best first,
// skipping excluded agent ids. Only agents clearing the eligibility floor
// are returned.
func (r *Registry) FindAvailable(ctx context.Context, req types.Requirements, exclude map[uint]struct{}) ([]match.Candidate, error) {
	idle, err := r.store.ListAgents(ctx, types.AgentStatusIdle)
	if err != nil {
		return nil, err
	}

	pool := idle[:0]
	for _, a := range idle {
		if _, skip := exclude[a.ID]; skip {
			continue
		}
		pool = append(pool, a)
	}
	return r.matcher.Rank(pool, req), nil
}

// SweepStale transitions agents whose heartbeat age exceeds the configured
// threshold to offline and returns how many were transitioned.
func (r *Registry) SweepStale(ctx context.Context) (int64, error) {
	n, err := r.store.MarkStaleOffline(ctx, r.offlineThreshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("stale agents marked offline", zap.Int64("count", n))
		r.refreshGauges(ctx)
	}
	return n, nil
}

// RunSweeper periodically sweeps stale agents until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepStale(ctx); err != nil {
				r.logger.Error("stale agent sweep failed", zap.Error(err))
			}
		}
	}
}

// CapabilityStatistics summarizes fleet-wide capability coverage.
func (r *Registry) CapabilityStatistics(ctx context.Context) (*store.CapabilityStatistics, error) {
	return r.store.GetCapabilityStatistics(ctx)
}

func (r *Registry) refreshGauges(ctx context.Context) {
	if r.collector == nil {
		return
	}
	agents, err := r.store.ListAgents(ctx, "")
	if err != nil {
		return
	}
	counts := map[types.AgentStatus]int{
		types.AgentStatusIdle:    0,
		types.AgentStatusBusy:    0,
		types.AgentStatusError:   0,
		types.AgentStatusOffline: 0,
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		r.collector.SetAgentCount(string(status), n)
	}
}
