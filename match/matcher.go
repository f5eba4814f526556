// Package match scores agents against task requirements. The score blends
// capability coverage with historical performance; the weights are policy
// knobs, not derived constants, and live in Config so deployments can tune
// them.
package match

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// Config tunes the scoring policy.
type Config struct {
	// CapabilityWeight scales the capability coverage term.
	CapabilityWeight float64 `json:"capability_weight"`
	// SuccessWeight scales the historical success rate term.
	SuccessWeight float64 `json:"success_weight"`
	// ResponseWeight scales the response time term.
	ResponseWeight float64 `json:"response_weight"`
	// MinScore is the eligibility floor; agents scoring below it are
	// excluded from candidate lists.
	MinScore float64 `json:"min_score"`
}

// DefaultConfig returns the default scoring policy.
func DefaultConfig() *Config {
	return &Config{
		CapabilityWeight: 0.6,
		SuccessWeight:    0.3,
		ResponseWeight:   0.1,
		MinScore:         0.3,
	}
}

const (
	// exactMatchBonus rewards direct coverage of required capabilities on
	// top of the Jaccard similarity.
	exactMatchBonus = 0.2
	// responseBaselineMs is the turnaround beyond which the response term
	// contributes nothing.
	responseBaselineMs = 10000
)

// Candidate is one scored agent.
type Candidate struct {
	Agent           *types.Agent `json:"agent"`
	Score           float64      `json:"score"`
	CapabilityScore float64      `json:"capability_score"`
}

// Matcher ranks agents for task assignment.
type Matcher struct {
	config *Config
	logger *zap.Logger
}

// NewMatcher creates a matcher with the given policy. A nil config falls
// back to DefaultConfig.
func NewMatcher(config *Config, logger *zap.Logger) *Matcher {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		config: config,
		logger: logger.With(zap.String("component", "matcher")),
	}
}

// Score computes the combined score for one agent against the given
// requirements. Scores fall in [0, CapabilityWeight+SuccessWeight+ResponseWeight],
// [0, 1.2] under the default policy.
func (m *Matcher) Score(agent *types.Agent, req types.Requirements) Candidate {
	capScore := CapabilityScore(agent.Capabilities, req.Capabilities)
	perf := agent.Performance.PerformanceRecord

	total := m.config.CapabilityWeight*capScore +
		m.config.SuccessWeight*perf.SuccessRate +
		m.config.ResponseWeight*responseScore(perf.AvgResponseTimeMs)

	return Candidate{
		Agent:           agent,
		Score:           total,
		CapabilityScore: capScore,
	}
}

// Eligible reports whether the agent clears the minimum score floor.
func (m *Matcher) Eligible(agent *types.Agent, req types.Requirements) bool {
	return m.Score(agent, req).Score >= m.config.MinScore
}

// Rank scores every agent and returns the eligible ones, best first. Ties
// break on success rate, then on lower average response time.
func (m *Matcher) Rank(agents []types.Agent, req types.Requirements) []Candidate {
	candidates := make([]Candidate, 0, len(agents))
	for i := range agents {
		c := m.Score(&agents[i], req)
		if c.Score < m.config.MinScore {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := a.Agent.Performance.PerformanceRecord, b.Agent.Performance.PerformanceRecord
		if pa.SuccessRate != pb.SuccessRate {
			return pa.SuccessRate > pb.SuccessRate
		}
		return pa.AvgResponseTimeMs < pb.AvgResponseTimeMs
	})

	return candidates
}

// Best returns the highest-ranked eligible agent, or nil when no agent
// clears the floor.
func (m *Matcher) Best(agents []types.Agent, req types.Requirements) *Candidate {
	ranked := m.Rank(agents, req)
	if len(ranked) == 0 {
		m.logger.Debug("no eligible agent",
			zap.Int("pool_size", len(agents)),
			zap.Strings("required", req.Capabilities),
		)
		return nil
	}
	return &ranked[0]
}

// CapabilityScore measures how well the agent's capability set covers the
// required set, in [0, 1]. An empty requirement matches everything. The
// score is Jaccard similarity plus a small bonus proportional to the
// fraction of required capabilities covered directly, capped at 1.
func CapabilityScore(agentCaps, required []string) float64 {
	req := normalizeSet(required)
	if len(req) == 0 {
		return 1.0
	}
	have := normalizeSet(agentCaps)

	intersection := 0
	for c := range req {
		if _, ok := have[c]; ok {
			intersection++
		}
	}
	union := len(have) + len(req) - intersection
	if union == 0 {
		return 1.0
	}

	jaccard := float64(intersection) / float64(union)
	exactRatio := float64(intersection) / float64(len(req))

	score := jaccard + exactMatchBonus*exactRatio
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func responseScore(avgMs float64) float64 {
	s := 1 - avgMs/responseBaselineMs
	if s < 0 {
		return 0
	}
	return s
}

func normalizeSet(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}
