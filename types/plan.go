package types

// TriageResult is the outcome of task complexity analysis.
type TriageResult struct {
	// ComplexityScore in [1,10].
	ComplexityScore int `json:"complexity_score"`
	// RequiresDecomposition is true when the task should be split before
	// assignment.
	RequiresDecomposition bool `json:"requires_decomposition"`
	// RequiredCapabilities the analysis believes the task needs.
	RequiredCapabilities StringList `json:"required_capabilities"`
	// EstimatedDurationMinutes is a rough effort estimate.
	EstimatedDurationMinutes int `json:"estimated_duration_minutes"`
	// Source names the analyzer that produced the result.
	Source string `json:"source,omitempty"`
}

// Subtask is one unit of a decomposed composite task.
type Subtask struct {
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	RequiredCapabilities StringList `json:"required_capabilities"`
	Priority             int        `json:"priority"`
	// EstimatedDurationMinutes is the planner's effort estimate.
	EstimatedDurationMinutes int `json:"estimated_duration_minutes"`
	// DependencyIndices reference earlier subtasks by position. They must
	// form a DAG; cyclic decompositions are rejected.
	DependencyIndices []int `json:"dependency_indices"`
}

// Assignment pairs one subtask with the agent chosen to run it.
type Assignment struct {
	SubtaskIndex int  `json:"subtask_index"`
	AgentID      uint `json:"agent_id"`
}

// Phase is a set of assignments that can run in parallel.
type Phase struct {
	ParallelAssignments []Assignment `json:"parallel_assignments"`
}

// ExecutionPlan schedules decomposed subtasks across agents.
type ExecutionPlan struct {
	Phases []Phase `json:"phases"`
	// CriticalPath lists subtask indices on the longest dependency chain.
	CriticalPath []int `json:"critical_path"`
	// TotalDurationMinutes estimates end-to-end wall time.
	TotalDurationMinutes int `json:"total_duration_minutes"`
	// ResourceSummary aggregates fractional resource demand by type.
	ResourceSummary ResourceProfile `json:"resource_summary"`
}

// Empty reports whether the plan schedules nothing. Callers treat an empty
// plan as a signal to fall back to simple assignment.
func (p *ExecutionPlan) Empty() bool {
	return p == nil || len(p.Phases) == 0
}
