// Package conflict detects contention between agents and drives one-shot
// resolution through negotiation, voting, expert decision, or arbitration.
// Detection runs over snapshots at decision points rather than continuously,
// and every resolution attempt terminates its conflict record: retries
// create a new record instead of mutating history.
package conflict

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// Snapshot is the state a detection pass runs over.
type Snapshot struct {
	Agents []types.Agent
	// Task is the optional task context, e.g. a newly arrived high
	// priority task.
	Task *types.Task
}

// Finding is one detected issue. A detection pass unions all findings into
// a single conflict record.
type Finding struct {
	Type     types.ConflictType      `json:"type"`
	Severity types.ConflictSeverity  `json:"severity"`
	AgentIDs []uint                  `json:"agent_ids"`
	Details  map[string]any          `json:"details,omitempty"`
}

const (
	// resourceConflictThreshold flags a resource once combined demand
	// exceeds full utilization.
	resourceConflictThreshold = 1.0
	// resourceHighSeverityThreshold escalates severity.
	resourceHighSeverityThreshold = 1.5
	// capabilityOverlapThreshold is the Jaccard similarity above which two
	// agents count as overlapping.
	capabilityOverlapThreshold = 0.7
	// highPriorityFloor marks a task priority as high.
	highPriorityFloor = 4
)

// Detect runs all three checks over the snapshot. It is pure and
// deterministic; persistence belongs to the Detector wrapper.
func Detect(snap Snapshot) []Finding {
	var findings []Finding
	findings = append(findings, detectResourceContention(snap.Agents)...)
	findings = append(findings, detectCapabilityOverlap(snap.Agents)...)
	findings = append(findings, detectPriorityClash(snap)...)
	return findings
}

// detectResourceContention sums per-resource demand across agents and flags
// every resource type whose combined demand exceeds full utilization.
func detectResourceContention(agents []types.Agent) []Finding {
	type claim struct {
		agentID uint
		amount  float64
	}
	usage := make(map[string][]claim)
	for _, a := range agents {
		for resource, amount := range a.Resources {
			usage[resource] = append(usage[resource], claim{agentID: a.ID, amount: amount})
		}
	}

	resources := make([]string, 0, len(usage))
	for r := range usage {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	var findings []Finding
	for _, resource := range resources {
		claims := usage[resource]
		if len(claims) < 2 {
			continue
		}
		total := 0.0
		ids := make([]uint, 0, len(claims))
		for _, c := range claims {
			total += c.amount
			ids = append(ids, c.agentID)
		}
		if total <= resourceConflictThreshold {
			continue
		}
		severity := types.SeverityMedium
		if total > resourceHighSeverityThreshold {
			severity = types.SeverityHigh
		}
		findings = append(findings, Finding{
			Type:     types.ConflictResourceContention,
			Severity: severity,
			AgentIDs: ids,
			Details: map[string]any{
				"resource_type":     resource,
				"total_requirement": total,
			},
		})
	}
	return findings
}

// detectCapabilityOverlap clusters agents whose capability sets are more
// than 70% similar; any cluster of two or more is a low severity overlap.
func detectCapabilityOverlap(agents []types.Agent) []Finding {
	type group struct {
		caps []string
		ids  []uint
	}
	var groups []*group

	for _, a := range agents {
		placed := false
		for _, g := range groups {
			if jaccard(a.Capabilities, g.caps) > capabilityOverlapThreshold {
				g.ids = append(g.ids, a.ID)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &group{caps: a.Capabilities, ids: []uint{a.ID}})
		}
	}

	var findings []Finding
	for _, g := range groups {
		if len(g.ids) < 2 {
			continue
		}
		findings = append(findings, Finding{
			Type:     types.ConflictCapabilityOverlap,
			Severity: types.SeverityLow,
			AgentIDs: g.ids,
			Details: map[string]any{
				"capabilities": append([]string(nil), g.caps...),
			},
		})
	}
	return findings
}

// detectPriorityClash flags a medium severity conflict when a high priority
// task arrives while involved agents are busy.
func detectPriorityClash(snap Snapshot) []Finding {
	if snap.Task == nil || snap.Task.Priority < highPriorityFloor {
		return nil
	}
	var busy []uint
	for _, a := range snap.Agents {
		if a.Status == types.AgentStatusBusy {
			busy = append(busy, a.ID)
		}
	}
	if len(busy) == 0 {
		return nil
	}
	return []Finding{{
		Type:     types.ConflictPriorityClash,
		Severity: types.SeverityMedium,
		AgentIDs: busy,
		Details: map[string]any{
			"high_priority_task": snap.Task.ID,
			"task_priority":      snap.Task.Priority,
		},
	}}
}

func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func severityRank(s types.ConflictSeverity) int {
	switch s {
	case types.SeverityHigh:
		return 3
	case types.SeverityMedium:
		return 2
	case types.SeverityLow:
		return 1
	default:
		return 0
	}
}

// BuildRecord unions findings into a single conflict record. The record
// carries the most severe finding's type and severity and keeps the full
// finding list in its details.
func BuildRecord(findings []Finding, snap Snapshot) *types.Conflict {
	if len(findings) == 0 {
		return nil
	}

	dominant := findings[0]
	agentSet := make(map[uint]struct{})
	findingDetails := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		if severityRank(f.Severity) > severityRank(dominant.Severity) {
			dominant = f
		}
		for _, id := range f.AgentIDs {
			agentSet[id] = struct{}{}
		}
		detail := map[string]any{
			"type":     string(f.Type),
			"severity": string(f.Severity),
		}
		for k, v := range f.Details {
			detail[k] = v
		}
		findingDetails = append(findingDetails, detail)
	}

	agentIDs := make([]uint, 0, len(agentSet))
	for id := range agentSet {
		agentIDs = append(agentIDs, id)
	}
	sort.Slice(agentIDs, func(i, j int) bool { return agentIDs[i] < agentIDs[j] })

	c := &types.Conflict{
		Type:     dominant.Type,
		Severity: dominant.Severity,
		Status:   types.ConflictDetected,
		AgentIDs: encodeIDs(agentIDs),
		Details: types.JSONMap{
			"findings": findingDetails,
		},
	}
	if snap.Task != nil {
		c.TaskIDs = types.StringList{strconv.FormatUint(uint64(snap.Task.ID), 10)}
	}
	return c
}

func encodeIDs(ids []uint) types.StringList {
	out := make(types.StringList, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatUint(uint64(id), 10))
	}
	return out
}

// DecodeAgentIDs parses a conflict record's agent id list.
func DecodeAgentIDs(list types.StringList) []uint {
	out := make([]uint, 0, len(list))
	for _, s := range list {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uint(id))
	}
	return out
}

// Detector persists detection results and feeds metrics.
type Detector struct {
	store     *store.Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewDetector wires a detector. The collector may be nil.
func NewDetector(st *store.Store, collector *metrics.Collector, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:     st,
		collector: collector,
		logger:    logger.With(zap.String("component", "conflict.detector")),
	}
}

// Detect runs the checks and, when anything was found, persists one
// conflict record. Returns nil when the snapshot is conflict free.
func (d *Detector) Detect(ctx context.Context, snap Snapshot) (*types.Conflict, error) {
	findings := Detect(snap)
	record := BuildRecord(findings, snap)
	if record == nil {
		return nil, nil
	}

	created, err := d.store.CreateConflict(ctx, record)
	if err != nil {
		return nil, err
	}
	if d.collector != nil {
		d.collector.RecordConflictDetected(string(created.Type), string(created.Severity))
	}
	d.logger.Warn("conflict detected",
		zap.Uint("conflict_id", created.ID),
		zap.Int("findings", len(findings)),
	)
	return created, nil
}
