package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/types"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// 单连接，避免内存库在连接间不共享
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool, zap.NewNop())
	require.NoError(t, err)
	return s
}

func registerAgent(t *testing.T, s *Store, name string, caps ...string) *types.Agent {
	t.Helper()
	agent, err := s.RegisterAgent(context.Background(), &types.Agent{
		Name:         name,
		Capabilities: types.StringList(caps),
	})
	require.NoError(t, err)
	return agent
}

func createTask(t *testing.T, s *Store, title string, caps ...string) *types.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), &types.Task{
		Title:        title,
		Capabilities: types.StringList(caps),
		Priority:     3,
	})
	require.NoError(t, err)
	return task
}

// =============================================================================
// Agent registry
// =============================================================================

func TestRegisterAgent_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := registerAgent(t, s, "worker-1", "coding")
	assert.Equal(t, types.AgentStatusIdle, first.Status)
	assert.Equal(t, 0.5, first.Performance.SuccessRate)

	// 同名重复注册不应产生新行，能力集合被刷新
	again, err := s.RegisterAgent(ctx, &types.Agent{
		Name:         "worker-1",
		Capabilities: types.StringList{"coding", "testing"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, again.Capabilities, 2)

	agents, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestRegisterAgent_RevivesOffline(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	require.NoError(t, s.UnregisterAgent(ctx, agent.ID))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusOffline, got.Status)

	// 重新注册应恢复 idle
	revived, err := s.RegisterAgent(ctx, &types.Agent{Name: "worker-1", Capabilities: types.StringList{"coding"}})
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, revived.Status)
}

func TestUnregisterAgent_NotFound(t *testing.T) {
	s := setupStore(t)

	err := s.UnregisterAgent(context.Background(), 999)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestHeartbeat(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")

	found, recovered, err := s.Heartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, recovered, "a live agent does not recover")

	// 未知 Agent 返回 false 而非错误
	found, recovered, err = s.Heartbeat(ctx, 999)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, recovered)
}

func TestHeartbeat_RevivesOffline(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	require.NoError(t, s.UnregisterAgent(ctx, agent.ID))

	found, recovered, err := s.Heartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, recovered, "offline agent coming back reports recovery")

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, got.Status)

	// 第二次心跳不再是恢复
	_, recovered, err = s.Heartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestMarkStaleOffline_FixedPoint(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	stale := registerAgent(t, s, "stale-1", "coding")
	fresh := registerAgent(t, s, "fresh-1", "coding")

	// 人为做旧心跳
	old := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.DB().Model(&types.Agent{}).
		Where("id = ?", stale.ID).
		Update("last_heartbeat", old).Error)

	n, err := s.MarkStaleOffline(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 没有新心跳时再次扫描应无变化
	n, err = s.MarkStaleOffline(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, got.Status)
}

func TestGetCapabilityStatistics(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	registerAgent(t, s, "a", "coding", "testing")
	registerAgent(t, s, "b", "coding")

	stats, err := s.GetCapabilityStatistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.TotalAgents)
	assert.Equal(t, 2, stats.CapabilityDistribution["coding"])
	assert.Equal(t, 1, stats.CapabilityDistribution["testing"])
	assert.Equal(t, 2, stats.UniqueCapabilities)
	assert.Equal(t, int64(2), stats.StatusDistribution["idle"])
}

// =============================================================================
// Task binding and completion
// =============================================================================

func TestBindTask(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	task := createTask(t, s, "implement feature", "coding")

	require.NoError(t, s.BindTask(ctx, task.ID, agent.ID))

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, gotTask.Status)
	require.NotNil(t, gotTask.AssignedAgentID)
	assert.Equal(t, agent.ID, *gotTask.AssignedAgentID)
	assert.NotNil(t, gotTask.StartedAt)

	gotAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusBusy, gotAgent.Status)
}

func TestBindTask_AgentBusy(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	t1 := createTask(t, s, "first", "coding")
	t2 := createTask(t, s, "second", "coding")

	require.NoError(t, s.BindTask(ctx, t1.ID, agent.ID))

	// 同一 Agent 不能同时绑定两个任务
	err := s.BindTask(ctx, t2.ID, agent.ID)
	assert.Equal(t, types.ErrConcurrentMutation, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))

	// 失败的绑定不应留下部分状态
	gotTask, err2 := s.GetTask(ctx, t2.ID)
	require.NoError(t, err2)
	assert.Equal(t, types.TaskStatusPending, gotTask.Status)
	assert.Nil(t, gotTask.AssignedAgentID)
}

func TestBindTask_ConcurrentBindsSingleWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	t1 := createTask(t, s, "first", "coding")
	t2 := createTask(t, s, "second", "coding")

	// 两个任务同时抢同一个 idle Agent，事务内重读保证只有一个赢
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, taskID := range []uint{t1.ID, t2.ID} {
		wg.Add(1)
		go func(i int, taskID uint) {
			defer wg.Done()
			errs[i] = s.BindTask(ctx, taskID, agent.ID)
		}(i, taskID)
	}
	wg.Wait()

	var bound, lost int
	for _, err := range errs {
		if err == nil {
			bound++
			continue
		}
		require.Equal(t, types.ErrConcurrentMutation, types.GetErrorCode(err))
		lost++
	}
	assert.Equal(t, 1, bound)
	assert.Equal(t, 1, lost)

	inProgress, err := s.ListTasks(ctx, types.TaskStatusInProgress, 0)
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)
}

func TestBindTask_TerminalTask(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	task := createTask(t, s, "done already", "coding")
	require.NoError(t, s.TerminalizeTask(ctx, task.ID, "cancelled upstream"))

	err := s.BindTask(ctx, task.ID, agent.ID)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	// Agent 仍然是 idle
	got, err2 := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err2)
	assert.Equal(t, types.AgentStatusIdle, got.Status)
}

func TestCompleteTask_UpdatesPerformance(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	task := createTask(t, s, "implement feature", "coding")
	require.NoError(t, s.BindTask(ctx, task.ID, agent.ID))

	require.NoError(t, s.CompleteTask(ctx, task.ID, true, ""))

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, gotTask.Status)
	assert.Equal(t, 1.0, gotTask.Progress)
	assert.NotNil(t, gotTask.CompletedAt)

	gotAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, gotAgent.Status)
	assert.Equal(t, int64(1), gotAgent.Performance.TotalTasks)
	assert.Equal(t, int64(1), gotAgent.Performance.CompletedTasks)
	assert.Equal(t, 1.0, gotAgent.Performance.SuccessRate)
}

func TestCompleteTask_Failure(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	task := createTask(t, s, "implement feature", "coding")
	require.NoError(t, s.BindTask(ctx, task.ID, agent.ID))

	require.NoError(t, s.CompleteTask(ctx, task.ID, false, "tests failed"))

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, gotTask.Status)
	assert.Equal(t, "tests failed", gotTask.ErrorReason)
	assert.Equal(t, 1, gotTask.RetryCount, "a failure consumes one retry")
	assert.Equal(t, 0.0, gotTask.Progress, "failed tasks never report full progress")

	gotAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, gotAgent.Status)
	assert.Equal(t, int64(1), gotAgent.Performance.TotalTasks)
	assert.Equal(t, int64(0), gotAgent.Performance.CompletedTasks)
	assert.Equal(t, 0.0, gotAgent.Performance.SuccessRate)
}

func TestCompleteTask_NotInProgress(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTask(t, s, "never started", "coding")
	err := s.CompleteTask(ctx, task.ID, true, "")
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestReleaseForRetry(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "worker-1", "coding")
	task := createTask(t, s, "flaky work", "coding")
	require.NoError(t, s.BindTask(ctx, task.ID, agent.ID))
	require.NoError(t, s.CompleteTask(ctx, task.ID, false, "agent crashed"))

	// 失败已计入一次重试，释放本身不再计数
	retries, err := s.ReleaseForRetry(ctx, task.ID, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, gotTask.Status)
	assert.Nil(t, gotTask.AssignedAgentID)
	assert.Equal(t, 1, gotTask.RetryCount)

	gotAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, gotAgent.Status)
}

func TestSubtasksAndProgress(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	parent := createTask(t, s, "composite job", "coding", "testing")
	subs, err := s.CreateSubtasks(ctx, parent.ID, []types.Task{
		{Title: "part 1", Capabilities: types.StringList{"coding"}, Priority: 3},
		{Title: "part 2", Capabilities: types.StringList{"testing"}, Priority: 3},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	agent := registerAgent(t, s, "worker-1", "coding", "testing")
	require.NoError(t, s.BindTask(ctx, subs[0].ID, agent.ID))
	require.NoError(t, s.CompleteTask(ctx, subs[0].ID, true, ""))

	progress, err := s.GetTaskProgress(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Subtasks)
	assert.Equal(t, 0.5, progress.Progress)
	assert.Equal(t, 1, progress.SubtaskState["completed"])
	assert.Equal(t, 1, progress.SubtaskState["pending"])
}

func TestGetTaskProgress_NoSubtasks(t *testing.T) {
	s := setupStore(t)

	task := createTask(t, s, "simple", "coding")
	progress, err := s.GetTaskProgress(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Subtasks)
	assert.Equal(t, 0.0, progress.Progress)
}

// =============================================================================
// Conflicts
// =============================================================================

func TestConflictLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	c, err := s.CreateConflict(ctx, &types.Conflict{
		Type:     types.ConflictResourceContention,
		Severity: types.SeverityHigh,
		AgentIDs: types.StringList{"1", "2"},
		TaskIDs:  types.StringList{"10", "11"},
		Details:  types.JSONMap{"resource": "cpu", "total": 1.7},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ConflictDetected, c.Status)

	err = s.RecordResolution(ctx, c.ID, types.ResolutionOutcome{
		Resolved:  true,
		Strategy:  types.StrategyArbitration,
		Decision:  "pause task 11",
		Rationale: "lower priority loses",
	})
	require.NoError(t, err)

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictResolved, got.Status)
	assert.Equal(t, types.StrategyArbitration, got.Strategy)
	assert.NotNil(t, got.ResolvedAt)
}

func TestRecordResolution_Failed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	c, err := s.CreateConflict(ctx, &types.Conflict{
		Type:     types.ConflictPriorityClash,
		Severity: types.SeverityMedium,
	})
	require.NoError(t, err)

	err = s.RecordResolution(ctx, c.ID, types.ResolutionOutcome{
		Resolved: false,
		Strategy: types.StrategyMajorityVote,
	})
	require.NoError(t, err)

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	// 失败的解决尝试落在 failed，永远不会回到 detected
	assert.Equal(t, types.ConflictFailed, got.Status)
	assert.Nil(t, got.ResolvedAt)
}

func TestListConflicts_AgentFilter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.CreateConflict(ctx, &types.Conflict{
		Type:     types.ConflictCapabilityOverlap,
		Severity: types.SeverityLow,
		AgentIDs: types.StringList{"1", "2"},
	})
	require.NoError(t, err)
	_, err = s.CreateConflict(ctx, &types.Conflict{
		Type:     types.ConflictCapabilityOverlap,
		Severity: types.SeverityLow,
		AgentIDs: types.StringList{"3"},
	})
	require.NoError(t, err)

	all, err := s.ListConflicts(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListConflicts(ctx, "2", 0)
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
}

// =============================================================================
// Messages
// =============================================================================

func TestMessageHistoryAndRead(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sender := uint(1)
	m1, err := s.SaveMessage(ctx, &types.Message{
		Type:       types.MessageRequest,
		SenderID:   &sender,
		ReceiverID: 2,
		Subject:    "capability_query",
	})
	require.NoError(t, err)

	_, err = s.SaveMessage(ctx, &types.Message{
		Type:       types.MessageNotification,
		ReceiverID: 2,
		Subject:    "task_assigned",
	})
	require.NoError(t, err)

	history, err := s.MessageHistory(ctx, 2, "", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	requests, err := s.MessageHistory(ctx, 2, types.MessageRequest, 0)
	require.NoError(t, err)
	assert.Len(t, requests, 1)

	unread, err := s.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	require.NoError(t, s.MarkMessageRead(ctx, m1.ID))
	unread, err = s.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

// =============================================================================
// Seeding
// =============================================================================

func TestSeedDemoAgents_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDemoAgents(ctx))
	require.NoError(t, s.SeedDemoAgents(ctx))

	agents, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, agents, 4)
}
