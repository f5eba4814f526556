// Package load tracks how busy the agent pool is and produces advisory
// rebalancing reports. It never moves work by itself; the delegator owns
// assignment.
package load

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// highLoadThreshold is the average load above which the pool counts as
// saturated.
const highLoadThreshold = 0.8

// Statistics is a point-in-time snapshot of pool utilization. AverageLoad
// is busy agents over registered online agents (idle + busy); offline
// agents do not dilute it.
type Statistics struct {
	TotalAgents         int     `json:"total_agents"`
	IdleAgents          int     `json:"idle_agents"`
	BusyAgents          int     `json:"busy_agents"`
	OfflineAgents       int     `json:"offline_agents"`
	QueuedTasks         int64   `json:"queued_tasks"`
	ActiveTasks         int     `json:"active_tasks"`
	UnresolvedConflicts int64   `json:"unresolved_conflicts"`
	AverageLoad         float64 `json:"average_load"`
}

// Report is the outcome of an advisory rebalance pass.
type Report struct {
	SweptOffline int64              `json:"swept_offline"`
	Statistics   *Statistics        `json:"statistics"`
	Findings     []conflict.Finding `json:"findings,omitempty"`
	Advice       []string           `json:"advice,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// Accountant computes load statistics and advisory rebalance reports.
type Accountant struct {
	store     *store.Store
	registry  *directory.Registry
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewAccountant wires the accountant. The collector may be nil.
func NewAccountant(st *store.Store, registry *directory.Registry, collector *metrics.Collector, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accountant{
		store:     st,
		registry:  registry,
		collector: collector,
		logger:    logger.With(zap.String("component", "load")),
	}
}

// Statistics gathers the current utilization snapshot.
func (a *Accountant) Statistics(ctx context.Context) (*Statistics, error) {
	agents, err := a.registry.List(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalAgents: len(agents)}
	for _, agent := range agents {
		switch agent.Status {
		case types.AgentStatusIdle:
			stats.IdleAgents++
		case types.AgentStatusBusy:
			stats.BusyAgents++
		case types.AgentStatusOffline:
			stats.OfflineAgents++
		}
	}

	online := stats.IdleAgents + stats.BusyAgents
	if online > 0 {
		stats.AverageLoad = float64(stats.BusyAgents) / float64(online)
	}

	if stats.QueuedTasks, err = a.store.CountQueuedTasks(ctx); err != nil {
		return nil, err
	}
	active, err := a.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveTasks = len(active)

	if stats.UnresolvedConflicts, err = a.store.CountUnresolvedConflicts(ctx); err != nil {
		return nil, err
	}

	if a.collector != nil {
		a.collector.SetAgentCount(string(types.AgentStatusIdle), stats.IdleAgents)
		a.collector.SetAgentCount(string(types.AgentStatusBusy), stats.BusyAgents)
		a.collector.SetAgentCount(string(types.AgentStatusOffline), stats.OfflineAgents)
	}
	return stats, nil
}

// Rebalance sweeps stale agents offline, recomputes statistics, runs
// conflict detection over the pool and derives advice. It mutates nothing
// beyond the offline sweep.
func (a *Accountant) Rebalance(ctx context.Context) (*Report, error) {
	swept, err := a.registry.SweepStale(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := a.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	agents, err := a.registry.List(ctx, "")
	if err != nil {
		return nil, err
	}
	findings := conflict.Detect(conflict.Snapshot{Agents: agents})

	report := &Report{
		SweptOffline: swept,
		Statistics:   stats,
		Findings:     findings,
		Advice:       advise(stats, findings),
		GeneratedAt:  time.Now().UTC(),
	}
	a.logger.Info("rebalance pass",
		zap.Int64("swept_offline", swept),
		zap.Int("findings", len(findings)),
		zap.Float64("average_load", stats.AverageLoad),
	)
	return report, nil
}

func advise(stats *Statistics, findings []conflict.Finding) []string {
	var advice []string
	if stats.QueuedTasks > 0 && stats.IdleAgents > 0 {
		advice = append(advice, "queued tasks exist while agents sit idle; re-run delegation for pending tasks")
	}
	if stats.QueuedTasks > 0 && stats.IdleAgents == 0 {
		advice = append(advice, "queued tasks with no idle agents; consider registering more agents")
	}
	if stats.AverageLoad > highLoadThreshold {
		advice = append(advice, "agent pool is saturated; new tasks will queue")
	}
	if stats.UnresolvedConflicts > 0 {
		advice = append(advice, "unresolved conflicts are pending resolution")
	}
	for _, f := range findings {
		if f.Type == types.ConflictResourceContention {
			advice = append(advice, "resource contention detected among registered agents")
			break
		}
	}
	return advice
}
