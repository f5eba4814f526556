// Package planner turns composite tasks into subtasks and schedules them
// across agents. Both operations are oracle backed and degrade to "no plan"
// on failure; callers treat an empty result as a signal to fall back to
// simple single-agent assignment, never as an error.
package planner

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/types"
)

// Planner decomposes tasks and builds execution plans.
type Planner struct {
	oracle    oracle.Oracle
	collector *metrics.Collector
	logger    *zap.Logger
}

// New creates a planner. Oracle may be nil, in which case every call yields
// the empty fallback. The collector may be nil when metrics are disabled.
func New(o oracle.Oracle, collector *metrics.Collector, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		oracle:    o,
		collector: collector,
		logger:    logger.With(zap.String("component", "planner")),
	}
}

// Decompose splits a task into subtasks. It returns an empty slice when the
// oracle fails or produces an invalid dependency graph; it never returns an
// error.
func (p *Planner) Decompose(ctx context.Context, description string, req types.Requirements) []types.Subtask {
	if p.oracle == nil {
		return nil
	}

	subtasks, err := p.oracle.Decompose(ctx, description, req)
	if err != nil {
		p.fallback("decompose", err)
		return nil
	}
	if err := ValidateDependencies(subtasks); err != nil {
		p.fallback("decompose", err)
		return nil
	}
	return subtasks
}

// Plan assigns subtasks to agents. It returns an empty plan when the oracle
// fails or produces a schedule that does not cover every subtask with known
// agents.
func (p *Planner) Plan(ctx context.Context, subtasks []types.Subtask, agents []types.Agent) *types.ExecutionPlan {
	if p.oracle == nil || len(subtasks) == 0 {
		return &types.ExecutionPlan{}
	}

	plan, err := p.oracle.Plan(ctx, subtasks, agents)
	if err != nil {
		p.fallback("plan", err)
		return &types.ExecutionPlan{}
	}
	if err := ValidatePlan(plan, len(subtasks), agents); err != nil {
		p.fallback("plan", err)
		return &types.ExecutionPlan{}
	}
	return plan
}

func (p *Planner) fallback(operation string, err error) {
	p.logger.Info("oracle planning failed, falling back to simple assignment",
		zap.String("operation", operation),
		zap.Error(err),
	)
	if p.collector != nil {
		p.collector.RecordOracleFallback(operation)
	}
}

// ValidateDependencies checks that every dependency index references another
// subtask and that the dependency graph is acyclic. Cyclic decompositions
// are rejected rather than trusted.
func ValidateDependencies(subtasks []types.Subtask) error {
	n := len(subtasks)
	for i, st := range subtasks {
		for _, dep := range st.DependencyIndices {
			if dep < 0 || dep >= n {
				return types.NewError(types.ErrOracleParse, "subtask dependency out of range")
			}
			if dep == i {
				return types.NewError(types.ErrOracleParse, "subtask depends on itself")
			}
		}
	}

	// Colors: 0 unvisited, 1 on stack, 2 done.
	colors := make([]int, n)
	var visit func(int) bool
	visit = func(i int) bool {
		if colors[i] == 1 {
			return false
		}
		if colors[i] == 2 {
			return true
		}
		colors[i] = 1
		for _, dep := range subtasks[i].DependencyIndices {
			if !visit(dep) {
				return false
			}
		}
		colors[i] = 2
		return true
	}
	for i := 0; i < n; i++ {
		if !visit(i) {
			return types.NewError(types.ErrOracleParse, "subtask dependencies form a cycle")
		}
	}
	return nil
}

// ValidatePlan checks that a plan assigns every subtask exactly once, only
// references known agents, and contains no empty phases.
func ValidatePlan(plan *types.ExecutionPlan, subtaskCount int, agents []types.Agent) error {
	if plan.Empty() {
		return types.NewError(types.ErrOracleParse, "plan has no phases")
	}

	known := make(map[uint]struct{}, len(agents))
	for _, a := range agents {
		known[a.ID] = struct{}{}
	}

	assigned := make(map[int]struct{}, subtaskCount)
	for _, phase := range plan.Phases {
		if len(phase.ParallelAssignments) == 0 {
			return types.NewError(types.ErrOracleParse, "plan contains an empty phase")
		}
		for _, a := range phase.ParallelAssignments {
			if a.SubtaskIndex < 0 || a.SubtaskIndex >= subtaskCount {
				return types.NewError(types.ErrOracleParse, "plan references unknown subtask")
			}
			if _, dup := assigned[a.SubtaskIndex]; dup {
				return types.NewError(types.ErrOracleParse, "plan assigns a subtask twice")
			}
			if _, ok := known[a.AgentID]; !ok {
				return types.NewError(types.ErrOracleParse, "plan references unknown agent")
			}
			assigned[a.SubtaskIndex] = struct{}{}
		}
	}
	if len(assigned) != subtaskCount {
		return types.NewError(types.ErrOracleParse, "plan leaves subtasks unassigned")
	}
	return nil
}
