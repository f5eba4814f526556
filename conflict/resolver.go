package conflict

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// VotingOption is one choice offered to agents during a vote.
type VotingOption struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// VotingOptions derives the fixed option set for a conflict type. The
// derivation is deterministic so repeated votes over the same conflict type
// offer identical choices.
func VotingOptions(conflictType types.ConflictType) []VotingOption {
	switch conflictType {
	case types.ConflictResourceContention:
		return []VotingOption{
			{ID: "priority_based", Description: "Allocate resources based on task priority"},
			{ID: "equal_split", Description: "Allocate resources equally among agents"},
			{ID: "sequential_queue", Description: "Queue tasks and allocate resources sequentially"},
		}
	case types.ConflictCapabilityOverlap:
		return []VotingOption{
			{ID: "performance_based", Description: "Assign based on agent performance history"},
			{ID: "collaborate", Description: "Collaborate on the task together"},
		}
	case types.ConflictPriorityClash:
		return []VotingOption{
			{ID: "preempt", Description: "Preempt the lowest priority running task"},
			{ID: "wait", Description: "Queue the task until an agent frees up"},
		}
	default:
		return nil
	}
}

// Resolver applies one resolution strategy to a detected conflict. Whatever
// happens, the conflict record ends up resolved or failed, never back in
// detected.
type Resolver struct {
	store     *store.Store
	exchange  *bus.Exchange
	oracle    oracle.Oracle
	collector *metrics.Collector
	logger    *zap.Logger

	timeout time.Duration
}

// NewResolver wires a resolver. Oracle may be nil, which fails the
// negotiation and arbitration strategies; the collector may be nil.
func NewResolver(st *store.Store, exchange *bus.Exchange, o oracle.Oracle, collector *metrics.Collector, logger *zap.Logger, timeout time.Duration) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		store:     st,
		exchange:  exchange,
		oracle:    o,
		collector: collector,
		logger:    logger.With(zap.String("component", "conflict.resolver")),
		timeout:   timeout,
	}
}

// Resolve runs the chosen strategy against a conflict still in detected
// state and records the outcome. A failed strategy is a valid outcome, not
// an error; errors are reserved for unknown or already-terminated conflicts
// and storage faults.
func (r *Resolver) Resolve(ctx context.Context, conflictID uint, strategy types.ResolutionStrategy) (*types.ResolutionOutcome, error) {
	record, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if record.Status != types.ConflictDetected {
		return nil, types.NewError(types.ErrInvalidTransition, "conflict already has a resolution attempt").
			WithHTTPStatus(http.StatusConflict)
	}

	var outcome types.ResolutionOutcome
	switch strategy {
	case types.StrategyNegotiation:
		outcome = r.resolveByNegotiation(ctx, record)
	case types.StrategyMajorityVote:
		outcome = r.resolveByVoting(ctx, record, false)
	case types.StrategyWeightedVote:
		outcome = r.resolveByVoting(ctx, record, true)
	case types.StrategyExpertDecision:
		outcome = r.resolveByExpert(ctx, record)
	case types.StrategyArbitration:
		outcome = r.resolveByArbitration(ctx, record)
	default:
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown resolution strategy %q", strategy)).
			WithHTTPStatus(http.StatusBadRequest)
	}
	outcome.Strategy = strategy

	if err := r.store.RecordResolution(ctx, conflictID, outcome); err != nil {
		return nil, err
	}
	if r.collector != nil {
		result := "failed"
		if outcome.Resolved {
			result = "resolved"
		}
		r.collector.RecordConflictResolution(string(strategy), result)
	}
	r.logger.Info("conflict resolution recorded",
		zap.Uint("conflict_id", conflictID),
		zap.String("strategy", string(strategy)),
		zap.Bool("resolved", outcome.Resolved),
	)
	return &outcome, nil
}

// resolveByNegotiation broadcasts the conflict to involved agents and asks
// the oracle to synthesize the responses into a resolution.
func (r *Resolver) resolveByNegotiation(ctx context.Context, record *types.Conflict) types.ResolutionOutcome {
	if r.oracle == nil {
		return failedOutcome("no oracle available for negotiation synthesis")
	}

	agents := r.involvedAgents(ctx, record)
	responses := r.exchange.Broadcast(ctx, agents, "conflict_negotiation", map[string]any{
		"conflict_id": record.ID,
		"type":        string(record.Type),
		"details":     map[string]any(record.Details),
	}, r.timeout)

	collected := make([]map[string]any, 0, len(responses))
	for _, resp := range responses {
		if resp.Err != nil || resp.Response == nil {
			continue
		}
		collected = append(collected, map[string]any{
			"agent_id": resp.AgentID,
			"payload":  resp.Response.Payload,
		})
	}

	resolution, err := r.oracle.Synthesize(ctx, map[string]any{
		"conflict":  conflictPayload(record),
		"responses": collected,
	})
	if err != nil {
		return failedOutcome("negotiation synthesis failed: " + err.Error())
	}
	return types.ResolutionOutcome{
		Resolved:  resolution.Success,
		Decision:  resolution.Decision,
		Rationale: resolution.Rationale,
		Details: types.JSONMap{
			"responses": len(collected),
		},
	}
}

// resolveByVoting broadcasts a fixed option set and tallies the answers.
// Weighted votes scale by agent performance; no votes at all is a failure.
func (r *Resolver) resolveByVoting(ctx context.Context, record *types.Conflict, weighted bool) types.ResolutionOutcome {
	options := VotingOptions(record.Type)
	if len(options) == 0 {
		return failedOutcome("no voting options for conflict type")
	}

	agents := r.involvedAgents(ctx, record)
	weights := make(map[uint]float64, len(agents))
	for _, a := range agents {
		if weighted {
			weights[a.ID] = voteWeight(a.Performance.PerformanceRecord)
		} else {
			weights[a.ID] = 1.0
		}
	}

	responses := r.exchange.Broadcast(ctx, agents, "conflict_vote", map[string]any{
		"conflict_id": record.ID,
		"options":     options,
	}, r.timeout)

	valid := make(map[string]bool, len(options))
	for _, opt := range options {
		valid[opt.ID] = true
	}

	tally := make(map[string]float64)
	votes := 0
	for _, resp := range responses {
		if resp.Err != nil || resp.Response == nil {
			continue
		}
		selected, _ := resp.Response.Payload["selected_option"].(string)
		if !valid[selected] {
			continue
		}
		tally[selected] += weights[resp.AgentID]
		votes++
	}
	if votes == 0 {
		return failedOutcome("no votes received")
	}

	winner := ""
	best := -1.0
	for option, weight := range tally {
		if weight > best {
			winner, best = option, weight
		}
	}

	return types.ResolutionOutcome{
		Resolved:  true,
		Decision:  winner,
		Rationale: fmt.Sprintf("won with weight %.2f over %d votes", best, votes),
		Details: types.JSONMap{
			"tally":    tally,
			"votes":    votes,
			"weighted": weighted,
		},
	}
}

// resolveByExpert picks the most qualified involved agent and accepts its
// answer as the decision.
func (r *Resolver) resolveByExpert(ctx context.Context, record *types.Conflict) types.ResolutionOutcome {
	agents := r.involvedAgents(ctx, record)
	if len(agents) == 0 {
		return failedOutcome("no involved agents available")
	}

	expert := agents[0]
	bestScore := expertiseScore(&agents[0], record)
	for i := 1; i < len(agents); i++ {
		if score := expertiseScore(&agents[i], record); score > bestScore {
			expert, bestScore = agents[i], score
		}
	}

	resp, err := r.exchange.Request(ctx, expert.ID, "expert_decision", map[string]any{
		"conflict_id": record.ID,
		"type":        string(record.Type),
		"details":     map[string]any(record.Details),
	}, r.timeout)
	if err != nil {
		return failedOutcome("expert did not answer: " + err.Error())
	}

	decision, _ := resp.Payload["decision"].(string)
	rationale, _ := resp.Payload["rationale"].(string)
	return types.ResolutionOutcome{
		Resolved:  true,
		Decision:  decision,
		Rationale: rationale,
		Details: types.JSONMap{
			"expert_agent_id": expert.ID,
			"expertise_score": bestScore,
		},
	}
}

// resolveByArbitration hands the full conflict payload to the oracle in a
// single call.
func (r *Resolver) resolveByArbitration(ctx context.Context, record *types.Conflict) types.ResolutionOutcome {
	if r.oracle == nil {
		return failedOutcome("no oracle available for arbitration")
	}

	resolution, err := r.oracle.Synthesize(ctx, conflictPayload(record))
	if err != nil {
		return failedOutcome("arbitration failed: " + err.Error())
	}
	return types.ResolutionOutcome{
		Resolved:  resolution.Success,
		Decision:  resolution.Decision,
		Rationale: resolution.Rationale,
	}
}

func (r *Resolver) involvedAgents(ctx context.Context, record *types.Conflict) []types.Agent {
	ids := DecodeAgentIDs(record.AgentIDs)
	agents := make([]types.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.store.GetAgent(ctx, id)
		if err != nil {
			r.logger.Warn("skipping unknown involved agent",
				zap.Uint("agent_id", id),
				zap.Error(err),
			)
			continue
		}
		agents = append(agents, *agent)
	}
	return agents
}

// voteWeight scales a vote by historical reliability and experience,
// clamped so even a fresh agent keeps a voice.
func voteWeight(perf types.PerformanceRecord) float64 {
	experience := float64(perf.TotalTasks) / 100.0
	if experience > 1.0 {
		experience = 1.0
	}
	w := 0.7*perf.SuccessRate + 0.3*experience
	if w < 0.1 {
		return 0.1
	}
	return w
}

// expertiseScore ranks an agent's fitness to decide a conflict: success
// history, experience, and how relevant its capabilities are to the
// conflicting capability sets.
func expertiseScore(agent *types.Agent, record *types.Conflict) float64 {
	perf := agent.Performance.PerformanceRecord

	experience := float64(perf.TotalTasks) / 100.0
	if experience > 1.0 {
		experience = 1.0
	}

	relevance := 0.0
	if caps := conflictCapabilities(record); len(caps) > 0 {
		for _, c := range caps {
			if agent.HasCapability(c) {
				relevance = 1.0
				break
			}
		}
	}

	return 0.4*perf.SuccessRate + 0.3*experience + 0.3*relevance
}

// conflictCapabilities extracts capability names mentioned by the conflict's
// findings.
func conflictCapabilities(record *types.Conflict) []string {
	findings, ok := record.Details["findings"].([]any)
	if !ok {
		return nil
	}
	var caps []string
	for _, f := range findings {
		detail, ok := f.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := detail["capabilities"].([]any)
		if !ok {
			continue
		}
		for _, c := range raw {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	return caps
}

func conflictPayload(record *types.Conflict) map[string]any {
	return map[string]any{
		"conflict_id": record.ID,
		"type":        string(record.Type),
		"severity":    string(record.Severity),
		"agent_ids":   []string(record.AgentIDs),
		"task_ids":    []string(record.TaskIDs),
		"details":     map[string]any(record.Details),
	}
}

func failedOutcome(reason string) types.ResolutionOutcome {
	return types.ResolutionOutcome{
		Resolved:  false,
		Rationale: reason,
	}
}
