package types

import "time"

// AgentStatus represents the lifecycle status of a worker agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is registered and has no active task.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent has exactly one active task bound.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusError indicates the agent reported a fault and needs attention.
	AgentStatusError AgentStatus = "error"
	// AgentStatusOffline indicates the agent missed its heartbeat window or
	// was explicitly unregistered. Agents are never hard-deleted.
	AgentStatusOffline AgentStatus = "offline"
)

// PerformanceRecord tracks an agent's historical execution quality.
// It feeds the capability matcher's performance term.
type PerformanceRecord struct {
	// SuccessRate is the fraction of completed tasks that succeeded, in [0,1].
	SuccessRate float64 `json:"success_rate"`
	// AvgResponseTimeMs is the average task turnaround in milliseconds.
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	// TotalTasks is the number of tasks ever assigned.
	TotalTasks int64 `json:"total_tasks"`
	// CompletedTasks is the number of tasks that finished successfully.
	CompletedTasks int64 `json:"completed_tasks"`
}

// DefaultPerformance returns the neutral record assigned at registration.
// A fresh agent is assumed average until it builds history.
func DefaultPerformance() PerformanceRecord {
	return PerformanceRecord{
		SuccessRate:       0.5,
		AvgResponseTimeMs: 1000,
	}
}

// Agent is a registered worker agent.
type Agent struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Name         string      `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Description  string      `gorm:"type:text" json:"description"`
	Capabilities StringList  `gorm:"type:text" json:"capabilities"`
	Status       AgentStatus `gorm:"size:50;index;default:idle" json:"status"`

	// Performance is updated at task completion boundaries only.
	Performance PerformanceJSON `gorm:"type:text" json:"performance"`

	// Resources is the agent's fractional resource requirement profile.
	Resources ResourceProfile `gorm:"type:text" json:"resources"`

	LastHeartbeat time.Time `gorm:"index" json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent provides the named capability.
// Capabilities are case-insensitive lowercase tags.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if equalFoldASCII(c, name) {
			return true
		}
	}
	return false
}

// HeartbeatAge returns how long ago the agent last checked in.
func (a *Agent) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(a.LastHeartbeat)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
