package triage

import (
	"context"
	"strings"

	"github.com/BaSui01/taskmesh/types"
)

// complexityKeywords bump the score when they appear in a task description.
var complexityKeywords = []string{
	"analyze", "research", "comprehensive", "multiple", "complex", "detailed",
}

// DefaultDecomposeThreshold is the score at or above which a task is
// considered composite.
const DefaultDecomposeThreshold = 6

// HeuristicAnalyzer scores tasks from surface features alone. It is
// deterministic and side effect free, which makes it the authoritative
// fallback when the oracle is unavailable.
type HeuristicAnalyzer struct {
	// DecomposeThreshold overrides DefaultDecomposeThreshold when positive.
	DecomposeThreshold int
}

// NewHeuristicAnalyzer returns an analyzer with the default threshold.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{DecomposeThreshold: DefaultDecomposeThreshold}
}

// Analyze implements Analyzer. It never fails.
func (h *HeuristicAnalyzer) Analyze(_ context.Context, description string, req types.Requirements) (*types.TriageResult, error) {
	score := 1

	if len(req.Capabilities) > 1 {
		score += 2
	}
	if req.MultiAgent {
		score += 3
	}

	lower := strings.ToLower(description)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if score > 10 {
		score = 10
	}

	threshold := h.DecomposeThreshold
	if threshold <= 0 {
		threshold = DefaultDecomposeThreshold
	}

	return &types.TriageResult{
		ComplexityScore:          score,
		RequiresDecomposition:    score >= threshold,
		RequiredCapabilities:     req.Capabilities,
		EstimatedDurationMinutes: score,
		Source:                   "heuristic",
	}, nil
}

var _ Analyzer = (*HeuristicAnalyzer)(nil)
