package store

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/types"
)

// RegisterAgent creates an agent or, if one with the same name exists,
// refreshes its capabilities and description and resets it to idle.
// Registration is idempotent: repeating it never creates duplicates.
func (s *Store) RegisterAgent(ctx context.Context, agent *types.Agent) (*types.Agent, error) {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var existing types.Agent
		err := tx.Where("name = ?", agent.Name).First(&existing).Error
		if err != nil && !notFound(err) {
			return err
		}

		if notFound(err) {
			agent.Status = types.AgentStatusIdle
			agent.LastHeartbeat = now
			if agent.Performance.TotalTasks == 0 && agent.Performance.SuccessRate == 0 {
				agent.Performance = types.PerformanceJSON{PerformanceRecord: types.DefaultPerformance()}
			}
			return tx.Create(agent).Error
		}

		// Re-registration refreshes metadata and revives the agent,
		// but keeps accumulated performance history.
		existing.Description = agent.Description
		existing.Capabilities = agent.Capabilities
		existing.Resources = agent.Resources
		existing.Status = types.AgentStatusIdle
		existing.LastHeartbeat = now
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*agent = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.Uint("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.Int("capabilities", len(agent.Capabilities)),
	)
	return agent, nil
}

// UnregisterAgent marks the agent offline. The row is kept for history.
func (s *Store) UnregisterAgent(ctx context.Context, agentID uint) error {
	res := s.DB().WithContext(ctx).
		Model(&types.Agent{}).
		Where("id = ?", agentID).
		Update("status", types.AgentStatusOffline)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(http.StatusNotFound)
	}
	return nil
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID uint) (*types.Agent, error) {
	var agent types.Agent
	err := s.DB().WithContext(ctx).First(&agent, agentID).Error
	if notFound(err) {
		return nil, types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgentByName fetches one agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*types.Agent, error) {
	var agent types.Agent
	err := s.DB().WithContext(ctx).Where("name = ?", name).First(&agent).Error
	if notFound(err) {
		return nil, types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns agents, optionally filtered by status.
func (s *Store) ListAgents(ctx context.Context, status types.AgentStatus) ([]types.Agent, error) {
	q := s.DB().WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var agents []types.Agent
	if err := q.Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

// Heartbeat refreshes the agent's liveness timestamp. An agent that was
// swept offline comes back as idle; recovered reports that transition.
// Unknown agents report found=false without error.
func (s *Store) Heartbeat(ctx context.Context, agentID uint) (found, recovered bool, err error) {
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *gorm.DB) error {
		var agent types.Agent
		err := tx.First(&agent, agentID).Error
		if notFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		updates := map[string]any{"last_heartbeat": now}
		if agent.Status == types.AgentStatusOffline {
			updates["status"] = types.AgentStatusIdle
			recovered = true
		}
		if err := tx.Model(&agent).Updates(updates).Error; err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return found, recovered, nil
}

// MarkStaleOffline flips agents whose heartbeat is older than threshold to
// offline and returns how many rows changed. Running it twice in a row
// without new heartbeats changes nothing the second time.
func (s *Store) MarkStaleOffline(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	res := s.DB().WithContext(ctx).
		Model(&types.Agent{}).
		Where("status IN ?", []types.AgentStatus{types.AgentStatusIdle, types.AgentStatusBusy, types.AgentStatusError}).
		Where("last_heartbeat < ?", cutoff).
		Update("status", types.AgentStatusOffline)
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		s.logger.Warn("stale agents marked offline", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// UpdateAgentStatus sets the agent's status without touching last_heartbeat.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID uint, status types.AgentStatus) error {
	res := s.DB().WithContext(ctx).
		Model(&types.Agent{}).
		Where("id = ?", agentID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(http.StatusNotFound)
	}
	return nil
}

// CapabilityStatistics aggregates the directory's capability landscape.
type CapabilityStatistics struct {
	TotalAgents            int64                 `json:"total_agents"`
	CapabilityDistribution map[string]int        `json:"capability_distribution"`
	StatusDistribution     map[string]int64      `json:"status_distribution"`
	UniqueCapabilities     int                   `json:"unique_capabilities"`
	Agents                 []AgentCapabilitySumm `json:"agents"`
}

// AgentCapabilitySumm is a per-agent slice of the statistics payload.
type AgentCapabilitySumm struct {
	ID           uint     `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// GetCapabilityStatistics computes directory-wide capability and status
// distributions in one pass over the agent table.
func (s *Store) GetCapabilityStatistics(ctx context.Context) (*CapabilityStatistics, error) {
	var agents []types.Agent
	if err := s.DB().WithContext(ctx).Find(&agents).Error; err != nil {
		return nil, err
	}

	stats := &CapabilityStatistics{
		TotalAgents:            int64(len(agents)),
		CapabilityDistribution: make(map[string]int),
		StatusDistribution:     make(map[string]int64),
	}

	for _, a := range agents {
		stats.StatusDistribution[string(a.Status)]++
		for _, c := range a.Capabilities {
			stats.CapabilityDistribution[c]++
		}
		stats.Agents = append(stats.Agents, AgentCapabilitySumm{
			ID:           a.ID,
			Name:         a.Name,
			Status:       string(a.Status),
			Capabilities: a.Capabilities,
		})
	}
	stats.UniqueCapabilities = len(stats.CapabilityDistribution)

	return stats, nil
}
