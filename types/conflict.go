package types

import "time"

// ConflictType classifies how agents or tasks collide.
type ConflictType string

const (
	// ConflictResourceContention: concurrently active tasks oversubscribe a resource.
	ConflictResourceContention ConflictType = "resource_contention"
	// ConflictCapabilityOverlap: busy agents with near-identical capability sets.
	ConflictCapabilityOverlap ConflictType = "capability_overlap"
	// ConflictPriorityClash: a high-priority task is starved by busy agents.
	ConflictPriorityClash ConflictType = "priority_disagreement"
)

// ConflictSeverity grades a conflict.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ConflictStatus is the conflict lifecycle state.
type ConflictStatus string

const (
	ConflictDetected ConflictStatus = "detected"
	ConflictResolved ConflictStatus = "resolved"
	ConflictFailed   ConflictStatus = "failed"
)

// ResolutionStrategy names one of the supported resolution approaches.
type ResolutionStrategy string

const (
	StrategyNegotiation    ResolutionStrategy = "negotiation"
	StrategyMajorityVote   ResolutionStrategy = "majority_vote"
	StrategyWeightedVote   ResolutionStrategy = "weighted_vote"
	StrategyExpertDecision ResolutionStrategy = "expert_decision"
	StrategyArbitration    ResolutionStrategy = "arbitration"
)

// Conflict is a detected collision between agents and/or tasks.
type Conflict struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	Type        ConflictType     `gorm:"size:50;index" json:"type"`
	Severity    ConflictSeverity `gorm:"size:20" json:"severity"`
	Status      ConflictStatus   `gorm:"size:20;index;default:detected" json:"status"`
	Description string           `gorm:"type:text" json:"description"`

	AgentIDs StringList `gorm:"type:text" json:"agent_ids"`
	TaskIDs  StringList `gorm:"type:text" json:"task_ids"`

	// Details carries detector-specific context (resource sums, overlap ratio).
	Details JSONMap `gorm:"type:text" json:"details"`

	Strategy   ResolutionStrategy `gorm:"size:50" json:"strategy,omitempty"`
	Resolution JSONMap            `gorm:"type:text" json:"resolution,omitempty"`

	DetectedAt time.Time  `gorm:"index" json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ResolutionOutcome is the shared result contract of all strategies.
type ResolutionOutcome struct {
	Resolved bool               `json:"resolved"`
	Strategy ResolutionStrategy `json:"strategy"`
	// Decision is the winning choice, when one was reached.
	Decision string `json:"decision,omitempty"`
	// Rationale explains the outcome for the audit record.
	Rationale string `json:"rationale,omitempty"`
	// Details carries strategy-specific evidence (vote tallies, scores).
	Details JSONMap `json:"details,omitempty"`
}
