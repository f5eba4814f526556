package store

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// CreateConflict persists a freshly detected conflict.
func (s *Store) CreateConflict(ctx context.Context, c *types.Conflict) (*types.Conflict, error) {
	if c.Status == "" {
		c.Status = types.ConflictDetected
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if err := s.DB().WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}

	s.logger.Info("conflict recorded",
		zap.Uint("conflict_id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("severity", string(c.Severity)),
	)
	return c, nil
}

// GetConflict fetches one conflict by id.
func (s *Store) GetConflict(ctx context.Context, conflictID uint) (*types.Conflict, error) {
	var c types.Conflict
	err := s.DB().WithContext(ctx).First(&c, conflictID).Error
	if notFound(err) {
		return nil, types.NewError(types.ErrConflictNotFound, "conflict not found").WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordResolution stores the outcome of a resolution attempt. The conflict
// always ends up resolved or failed, never back in detected.
func (s *Store) RecordResolution(ctx context.Context, conflictID uint, outcome types.ResolutionOutcome) error {
	status := types.ConflictFailed
	var resolvedAt *time.Time
	if outcome.Resolved {
		status = types.ConflictResolved
		now := time.Now().UTC()
		resolvedAt = &now
	}

	resolution := types.JSONMap{
		"resolved":  outcome.Resolved,
		"strategy":  string(outcome.Strategy),
		"decision":  outcome.Decision,
		"rationale": outcome.Rationale,
	}
	if outcome.Details != nil {
		resolution["details"] = map[string]any(outcome.Details)
	}

	res := s.DB().WithContext(ctx).
		Model(&types.Conflict{}).
		Where("id = ?", conflictID).
		Updates(map[string]any{
			"status":      status,
			"strategy":    outcome.Strategy,
			"resolution":  resolution,
			"resolved_at": resolvedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrConflictNotFound, "conflict not found").WithHTTPStatus(http.StatusNotFound)
	}
	return nil
}

// ListConflicts returns conflict history ordered by detection time, newest
// first, optionally filtered to conflicts that involve the given agent.
func (s *Store) ListConflicts(ctx context.Context, agentID string, limit int) ([]types.Conflict, error) {
	q := s.DB().WithContext(ctx).Order("detected_at DESC")
	if agentID != "" {
		// agent_ids is a JSON array column; a quoted substring match covers
		// the supported backends without a JSON1 dependency.
		q = q.Where("agent_ids LIKE ?", "%\""+agentID+"\"%")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var conflicts []types.Conflict
	if err := q.Find(&conflicts).Error; err != nil {
		return nil, err
	}
	return conflicts, nil
}

// CountUnresolvedConflicts counts conflicts still in detected state.
func (s *Store) CountUnresolvedConflicts(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB().WithContext(ctx).
		Model(&types.Conflict{}).
		Where("status = ?", types.ConflictDetected).
		Count(&n).Error
	return n, err
}
