package store

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/types"
)

// CreateTask persists a new pending task.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.Priority == 0 {
		task.Priority = 1
	}
	if err := s.DB().WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID uint) (*types.Task, error) {
	var task types.Task
	err := s.DB().WithContext(ctx).First(&task, taskID).Error
	if notFound(err) {
		return nil, types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	q := s.DB().WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var tasks []types.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListActiveTasks returns tasks currently in progress, with resources loaded.
func (s *Store) ListActiveTasks(ctx context.Context) ([]types.Task, error) {
	var tasks []types.Task
	err := s.DB().WithContext(ctx).
		Where("status = ?", types.TaskStatusInProgress).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountQueuedTasks counts tasks waiting for assignment.
func (s *Store) CountQueuedTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB().WithContext(ctx).
		Model(&types.Task{}).
		Where("status = ?", types.TaskStatusPending).
		Count(&n).Error
	return n, err
}

// BindTask atomically assigns a task to an agent: the agent flips to busy
// and the task to in_progress with its start timestamp, in one transaction.
// The agent's status is re-read inside the transaction; if another binding
// won the race, a retryable CONCURRENT_MUTATION error is returned and no
// state changes.
func (s *Store) BindTask(ctx context.Context, taskID, agentID uint) error {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var agent types.Agent
		if err := tx.First(&agent, agentID).Error; err != nil {
			if notFound(err) {
				return types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(http.StatusNotFound)
			}
			return err
		}

		if agent.Status != types.AgentStatusIdle {
			return types.NewError(types.ErrConcurrentMutation, "agent no longer idle").
				WithHTTPStatus(http.StatusConflict).
				WithRetryable(true)
		}

		var task types.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if notFound(err) {
				return types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(http.StatusNotFound)
			}
			return err
		}
		if task.Status.Terminal() || task.Status == types.TaskStatusInProgress {
			return types.NewError(types.ErrInvalidTransition, "task is not assignable").WithHTTPStatus(http.StatusConflict)
		}

		if err := tx.Model(&agent).Update("status", types.AgentStatusBusy).Error; err != nil {
			return err
		}
		return tx.Model(&task).Updates(map[string]any{
			"status":            types.TaskStatusInProgress,
			"assigned_agent_id": agentID,
			"started_at":        now,
		}).Error
	})
	if err != nil {
		return err
	}

	s.logger.Info("task bound",
		zap.Uint("task_id", taskID),
		zap.Uint("agent_id", agentID),
	)
	return nil
}

// SetTaskComplexity stores the triage verdict on the task row.
func (s *Store) SetTaskComplexity(ctx context.Context, taskID uint, score int) error {
	return s.DB().WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ?", taskID).
		Update("complexity_score", score).Error
}

// StartCompositeTask flips a decomposed parent to in_progress without
// binding an agent; its subtasks carry the actual assignments.
func (s *Store) StartCompositeTask(ctx context.Context, parentID uint) error {
	now := time.Now().UTC()
	res := s.DB().WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status = ?", parentID, types.TaskStatusPending).
		Updates(map[string]any{
			"status":     types.TaskStatusInProgress,
			"started_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrInvalidTransition, "task is not pending").WithHTTPStatus(http.StatusConflict)
	}
	return nil
}

// CompleteTask finishes an in-progress task, releases the agent back to
// idle and folds the run into the agent's performance record. All of it
// happens in one transaction so observers never see a half-finished flip.
func (s *Store) CompleteTask(ctx context.Context, taskID uint, success bool, errorReason string) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *gorm.DB) error {
		var task types.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if notFound(err) {
				return types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(http.StatusNotFound)
			}
			return err
		}
		if task.Status != types.TaskStatusInProgress {
			return types.NewError(types.ErrInvalidTransition, "task is not in progress").WithHTTPStatus(http.StatusConflict)
		}

		updates := map[string]any{
			"completed_at": now,
			"error_reason": errorReason,
		}
		if success {
			updates["status"] = types.TaskStatusCompleted
			updates["progress"] = 1.0
		} else {
			// A failure consumes one retry; progress stays wherever the
			// run left it.
			updates["status"] = types.TaskStatusFailed
			updates["retry_count"] = task.RetryCount + 1
		}
		if err := tx.Model(&task).Updates(updates).Error; err != nil {
			return err
		}

		if task.AssignedAgentID == nil {
			return nil
		}

		var agent types.Agent
		if err := tx.First(&agent, *task.AssignedAgentID).Error; err != nil {
			return err
		}

		elapsedMs := float64(0)
		if task.StartedAt != nil {
			elapsedMs = float64(now.Sub(*task.StartedAt).Milliseconds())
		}
		perf := agent.Performance.PerformanceRecord
		perf.TotalTasks++
		if success {
			perf.CompletedTasks++
		}
		perf.SuccessRate = float64(perf.CompletedTasks) / float64(perf.TotalTasks)
		// Rolling average over all completed runs.
		perf.AvgResponseTimeMs = (perf.AvgResponseTimeMs*float64(perf.TotalTasks-1) + elapsedMs) / float64(perf.TotalTasks)

		return tx.Model(&agent).Updates(map[string]any{
			"status":      types.AgentStatusIdle,
			"performance": types.PerformanceJSON{PerformanceRecord: perf},
		}).Error
	})
}

// ReleaseForRetry detaches a failed assignment so the task can be offered
// again: task back to pending, agent back to idle. The retry was already
// charged when the failure was recorded, so the count stays untouched.
// Returns the task's retry count.
func (s *Store) ReleaseForRetry(ctx context.Context, taskID uint, reason string) (int, error) {
	var retries int
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var task types.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if notFound(err) {
				return types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(http.StatusNotFound)
			}
			return err
		}

		if task.AssignedAgentID != nil {
			if err := tx.Model(&types.Agent{}).
				Where("id = ? AND status = ?", *task.AssignedAgentID, types.AgentStatusBusy).
				Update("status", types.AgentStatusIdle).Error; err != nil {
				return err
			}
		}

		retries = task.RetryCount
		return tx.Model(&task).Updates(map[string]any{
			"status":            types.TaskStatusPending,
			"assigned_agent_id": nil,
			"started_at":        nil,
			"error_reason":      reason,
		}).Error
	})
	return retries, err
}

// TerminalizeTask moves a task to failed with its last failure reason.
func (s *Store) TerminalizeTask(ctx context.Context, taskID uint, reason string) error {
	now := time.Now().UTC()
	res := s.DB().WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":       types.TaskStatusFailed,
			"completed_at": now,
			"error_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrTaskNotFound, "task not found").WithHTTPStatus(http.StatusNotFound)
	}
	return nil
}

// CreateSubtasks persists decomposed subtasks under a parent, in order.
func (s *Store) CreateSubtasks(ctx context.Context, parentID uint, subtasks []types.Task) ([]types.Task, error) {
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		for i := range subtasks {
			subtasks[i].ParentTaskID = &parentID
			if subtasks[i].Status == "" {
				subtasks[i].Status = types.TaskStatusPending
			}
			if err := tx.Create(&subtasks[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

// GetSubtasks lists the children of a composite task.
func (s *Store) GetSubtasks(ctx context.Context, parentID uint) ([]types.Task, error) {
	var subtasks []types.Task
	err := s.DB().WithContext(ctx).
		Where("parent_task_id = ?", parentID).
		Order("id").
		Find(&subtasks).Error
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

// TaskProgress summarizes a composite task's completion ratio.
type TaskProgress struct {
	TaskID       uint             `json:"task_id"`
	Status       types.TaskStatus `json:"status"`
	Progress     float64          `json:"progress"`
	Subtasks     int              `json:"subtasks"`
	SubtaskState map[string]int   `json:"subtask_state,omitempty"`
}

// GetTaskProgress aggregates subtask completion into a single ratio. Tasks
// without subtasks report their own stored progress.
func (s *Store) GetTaskProgress(ctx context.Context, taskID uint) (*TaskProgress, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	subtasks, err := s.GetSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	p := &TaskProgress{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Subtasks: len(subtasks),
	}
	if len(subtasks) == 0 {
		return p, nil
	}

	p.SubtaskState = make(map[string]int)
	completed := 0
	for _, st := range subtasks {
		p.SubtaskState[string(st.Status)]++
		if st.Status == types.TaskStatusCompleted {
			completed++
		}
	}
	p.Progress = float64(completed) / float64(len(subtasks))
	return p, nil
}
