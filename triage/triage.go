// Package triage estimates task complexity and decides whether a task needs
// decomposition before assignment. Two interchangeable analyzers exist: a
// deterministic heuristic and an oracle-backed analysis that silently falls
// back to the heuristic on any failure.
package triage

import (
	"context"

	"github.com/BaSui01/taskmesh/types"
)

// Analyzer estimates task complexity.
type Analyzer interface {
	Analyze(ctx context.Context, description string, req types.Requirements) (*types.TriageResult, error)
}
