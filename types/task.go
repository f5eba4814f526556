package types

import "time"

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Requirements describes what a task needs from its executor.
type Requirements struct {
	// Capabilities the executing agent must cover. Lowercase tags.
	Capabilities StringList `json:"capabilities"`
	// Priority in [1,5]; 5 is most urgent.
	Priority int `json:"priority"`
	// MultiAgent hints that the submitter expects coordinated execution.
	MultiAgent bool `json:"multi_agent"`
}

// Task is a unit of work flowing through the coordinator.
type Task struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Title       string `gorm:"size:255;not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`

	Capabilities StringList `gorm:"type:text" json:"capabilities"`
	Priority     int        `gorm:"index;default:1" json:"priority"`
	MultiAgent   bool       `json:"multi_agent"`

	Status          TaskStatus `gorm:"size:50;index;default:pending" json:"status"`
	ComplexityScore int        `json:"complexity_score"`

	// ParentTaskID links a subtask to the composite task it was split from.
	ParentTaskID    *uint `gorm:"index" json:"parent_task_id,omitempty"`
	AssignedAgentID *uint `gorm:"index" json:"assigned_agent_id,omitempty"`

	// Resources is the task's fractional resource demand profile.
	Resources ResourceProfile `gorm:"type:text" json:"resources"`

	RetryCount  int     `json:"retry_count"`
	Progress    float64 `json:"progress"`
	ErrorReason string  `gorm:"type:text" json:"error_reason,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Requires returns the task's requirements view.
func (t *Task) Requires() Requirements {
	return Requirements{
		Capabilities: t.Capabilities,
		Priority:     t.Priority,
		MultiAgent:   t.MultiAgent,
	}
}

// ParsePriority maps the string priorities accepted at the API boundary
// to numeric levels. Unknown strings map to medium.
func ParsePriority(s string) int {
	switch s {
	case "low":
		return 1
	case "high":
		return 5
	case "medium", "":
		return 3
	default:
		return 3
	}
}
