// Package oracle integrates an external reasoning service for task triage,
// decomposition, execution planning, and conflict arbitration. Every call is
// bounded by a timeout and may fail; callers own the fallback path and must
// never treat an oracle failure as a system error.
package oracle

import (
	"context"

	"github.com/BaSui01/taskmesh/types"
)

// Resolution is the oracle's answer to a conflict payload.
type Resolution struct {
	Success   bool           `json:"success"`
	Decision  string         `json:"decision"`
	Rationale string         `json:"rationale"`
	Details   map[string]any `json:"details,omitempty"`
}

// Oracle is the decision service consulted for judgment calls the
// coordinator cannot make deterministically.
type Oracle interface {
	// AnalyzeTask estimates task complexity and capability needs.
	AnalyzeTask(ctx context.Context, description string, req types.Requirements) (*types.TriageResult, error)

	// Decompose splits a composite task into subtasks. An error means the
	// caller should fall back to simple assignment.
	Decompose(ctx context.Context, description string, req types.Requirements) ([]types.Subtask, error)

	// Plan schedules subtasks across the given agents.
	Plan(ctx context.Context, subtasks []types.Subtask, agents []types.Agent) (*types.ExecutionPlan, error)

	// Synthesize produces a resolution from a conflict payload, typically
	// the conflict record plus collected agent responses.
	Synthesize(ctx context.Context, payload map[string]any) (*Resolution, error)
}
