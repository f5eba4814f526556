package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/planner"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/triage"
	"github.com/BaSui01/taskmesh/types"
)

type stubOracle struct {
	subtasks []types.Subtask
	plan     func(agents []types.Agent) *types.ExecutionPlan
}

func (s *stubOracle) AnalyzeTask(context.Context, string, types.Requirements) (*types.TriageResult, error) {
	return nil, types.NewError(types.ErrOracleFailure, "not wired")
}
func (s *stubOracle) Decompose(context.Context, string, types.Requirements) ([]types.Subtask, error) {
	if s.subtasks == nil {
		return nil, types.NewError(types.ErrOracleFailure, "decompose unavailable")
	}
	return s.subtasks, nil
}
func (s *stubOracle) Plan(_ context.Context, _ []types.Subtask, agents []types.Agent) (*types.ExecutionPlan, error) {
	if s.plan == nil {
		return nil, types.NewError(types.ErrOracleFailure, "plan unavailable")
	}
	return s.plan(agents), nil
}
func (s *stubOracle) Synthesize(context.Context, map[string]any) (*oracle.Resolution, error) {
	return nil, types.NewError(types.ErrOracleFailure, "not wired")
}

// fixedAnalyzer always returns the same triage verdict.
type fixedAnalyzer struct {
	verdict types.TriageResult
}

func (f *fixedAnalyzer) Analyze(_ context.Context, _ string, req types.Requirements) (*types.TriageResult, error) {
	v := f.verdict
	if len(v.RequiredCapabilities) == 0 {
		v.RequiredCapabilities = req.Capabilities
	}
	return &v, nil
}

type fixture struct {
	store    *store.Store
	registry *directory.Registry
	ctx      context.Context
}

func setup(t *testing.T, analyzer triage.Analyzer, o oracle.Oracle, exchange *bus.Exchange) (*Delegator, *fixture) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool, zap.NewNop())
	require.NoError(t, err)

	registry := directory.NewRegistry(st, nil, nil, nil, zap.NewNop(), 120*time.Second)

	var pl *planner.Planner
	if o != nil {
		pl = planner.New(o, nil, zap.NewNop())
	}

	d := NewDelegator(st, registry, analyzer, pl, exchange, nil, nil, zap.NewNop(), Options{
		MaxRetries:         3,
		NegotiationTimeout: 200 * time.Millisecond,
	})
	return d, &fixture{store: st, registry: registry, ctx: context.Background()}
}

func registerIdle(t *testing.T, f *fixture, name string, caps ...string) *types.Agent {
	t.Helper()
	agent, err := f.registry.Register(f.ctx, &types.Agent{
		Name:         name,
		Capabilities: types.StringList(caps),
	})
	require.NoError(t, err)
	return agent
}

func simpleTask(title string, caps ...string) *types.Task {
	return &types.Task{
		Title:        title,
		Description:  "run " + title,
		Capabilities: types.StringList(caps),
		Priority:     3,
	}
}

func TestSubmitAssignsBestAgent(t *testing.T) {
	d, f := setup(t, nil, nil, nil)

	agent := registerIdle(t, f, "analyst", "data_analysis")
	registerIdle(t, f, "scraper", "web_scraping")

	result, err := d.Submit(f.ctx, simpleTask("crunch numbers", "data_analysis"))
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, result.Status)
	require.NotNil(t, result.AgentID)
	assert.Equal(t, agent.ID, *result.AgentID)

	task, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)

	got, err := f.store.GetAgent(f.ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusBusy, got.Status)
}

func TestSubmitWithoutAgentsQueues(t *testing.T) {
	d, f := setup(t, nil, nil, nil)

	result, err := d.Submit(f.ctx, simpleTask("orphan job", "quantum_computing"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, result.Status)

	task, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status, "queued tasks stay pending")
}

func TestDelegateRejectsNonPending(t *testing.T) {
	d, f := setup(t, nil, nil, nil)
	registerIdle(t, f, "analyst", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)

	_, err = d.Delegate(f.ctx, result.TaskID)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestCompositeDelegation(t *testing.T) {
	o := &stubOracle{
		subtasks: []types.Subtask{
			{Title: "collect", RequiredCapabilities: types.StringList{"web_scraping"}, Priority: 3},
			{Title: "report", RequiredCapabilities: types.StringList{"report_generation"}, Priority: 3, DependencyIndices: []int{0}},
		},
	}
	o.plan = func(agents []types.Agent) *types.ExecutionPlan {
		// Phase 1 starts the scrape; the report waits on it.
		return &types.ExecutionPlan{
			Phases: []types.Phase{
				{ParallelAssignments: []types.Assignment{{SubtaskIndex: 0, AgentID: agents[0].ID}}},
				{ParallelAssignments: []types.Assignment{{SubtaskIndex: 1, AgentID: agents[1].ID}}},
			},
		}
	}
	analyzer := &fixedAnalyzer{verdict: types.TriageResult{ComplexityScore: 8, RequiresDecomposition: true}}
	d, f := setup(t, analyzer, o, nil)

	scraper := registerIdle(t, f, "scraper", "web_scraping")
	registerIdle(t, f, "reporter", "report_generation")

	result, err := d.Submit(f.ctx, simpleTask("comprehensive research", "web_scraping", "report_generation"))
	require.NoError(t, err)
	assert.Equal(t, StatusDecomposed, result.Status)
	require.Len(t, result.SubtaskIDs, 2)

	parent, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, parent.Status)
	assert.Equal(t, 8, parent.ComplexityScore)

	first, err := f.store.GetTask(f.ctx, result.SubtaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, first.Status)
	require.NotNil(t, first.AssignedAgentID)
	assert.Equal(t, scraper.ID, *first.AssignedAgentID)

	second, err := f.store.GetTask(f.ctx, result.SubtaskIDs[1])
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, second.Status, "later phases wait for their dependencies")
}

func TestCompositeFallsBackWhenOracleFails(t *testing.T) {
	analyzer := &fixedAnalyzer{verdict: types.TriageResult{ComplexityScore: 7, RequiresDecomposition: true}}
	d, f := setup(t, analyzer, &stubOracle{}, nil)

	agent := registerIdle(t, f, "analyst", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("big analysis", "data_analysis"))
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, result.Status, "oracle failure degrades to simple assignment")
	require.NotNil(t, result.AgentID)
	assert.Equal(t, agent.ID, *result.AgentID)
}

func TestCompleteAdvancesComposite(t *testing.T) {
	o := &stubOracle{
		subtasks: []types.Subtask{
			{Title: "collect", RequiredCapabilities: types.StringList{"web_scraping"}, Priority: 3},
			{Title: "report", RequiredCapabilities: types.StringList{"web_scraping"}, Priority: 3, DependencyIndices: []int{0}},
		},
	}
	o.plan = func(agents []types.Agent) *types.ExecutionPlan {
		return &types.ExecutionPlan{
			Phases: []types.Phase{
				{ParallelAssignments: []types.Assignment{{SubtaskIndex: 0, AgentID: agents[0].ID}}},
				{ParallelAssignments: []types.Assignment{{SubtaskIndex: 1, AgentID: agents[0].ID}}},
			},
		}
	}
	analyzer := &fixedAnalyzer{verdict: types.TriageResult{ComplexityScore: 8, RequiresDecomposition: true}}
	d, f := setup(t, analyzer, o, nil)

	registerIdle(t, f, "worker", "web_scraping")

	result, err := d.Submit(f.ctx, simpleTask("pipeline", "web_scraping"))
	require.NoError(t, err)
	require.Equal(t, StatusDecomposed, result.Status)

	// Finishing the first subtask frees the agent and starts the second.
	require.NoError(t, d.Complete(f.ctx, result.SubtaskIDs[0], true, ""))
	second, err := f.store.GetTask(f.ctx, result.SubtaskIDs[1])
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, second.Status)

	// Finishing the second completes the parent.
	require.NoError(t, d.Complete(f.ctx, result.SubtaskIDs[1], true, ""))
	parent, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, parent.Status)

	progress, err := f.store.GetTaskProgress(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, progress.Progress, 1e-9)
}

func TestSubtaskFailureFailsParent(t *testing.T) {
	o := &stubOracle{
		subtasks: []types.Subtask{
			{Title: "only", RequiredCapabilities: types.StringList{"web_scraping"}, Priority: 3},
		},
	}
	o.plan = func(agents []types.Agent) *types.ExecutionPlan {
		return &types.ExecutionPlan{
			Phases: []types.Phase{
				{ParallelAssignments: []types.Assignment{{SubtaskIndex: 0, AgentID: agents[0].ID}}},
			},
		}
	}
	analyzer := &fixedAnalyzer{verdict: types.TriageResult{ComplexityScore: 9, RequiresDecomposition: true}}
	d, f := setup(t, analyzer, o, nil)
	registerIdle(t, f, "worker", "web_scraping")

	result, err := d.Submit(f.ctx, simpleTask("fragile", "web_scraping"))
	require.NoError(t, err)
	require.Equal(t, StatusDecomposed, result.Status)

	require.NoError(t, d.Complete(f.ctx, result.SubtaskIDs[0], false, "crawler blocked"))
	parent, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, parent.Status)
}

func TestCompleteUpdatesPerformance(t *testing.T) {
	d, f := setup(t, nil, nil, nil)
	agent := registerIdle(t, f, "analyst", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)
	require.NoError(t, d.Complete(f.ctx, result.TaskID, true, ""))

	got, err := f.store.GetAgent(f.ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, got.Status)
	assert.Equal(t, int64(1), got.Performance.TotalTasks)
	assert.Equal(t, int64(1), got.Performance.CompletedTasks)
	assert.InDelta(t, 1.0, got.Performance.SuccessRate, 1e-9)
}

func TestReassignExcludesFailedAgent(t *testing.T) {
	d, f := setup(t, nil, nil, nil)
	failed := registerIdle(t, f, "failed", "data_analysis")
	backup := registerIdle(t, f, "backup", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)
	require.NotNil(t, result.AgentID)
	firstAgent := *result.AgentID

	require.NoError(t, d.Complete(f.ctx, result.TaskID, false, "ran out of memory"))

	retry, err := d.Reassign(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, retry.Status)
	require.NotNil(t, retry.AgentID)
	assert.NotEqual(t, firstAgent, *retry.AgentID)

	other := backup.ID
	if firstAgent == backup.ID {
		other = failed.ID
	}
	assert.Equal(t, other, *retry.AgentID)

	task, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
}

func TestReassignWithoutAlternative(t *testing.T) {
	d, f := setup(t, nil, nil, nil)
	registerIdle(t, f, "only", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)
	require.NoError(t, d.Complete(f.ctx, result.TaskID, false, "boom"))

	retry, err := d.Reassign(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoAlternative, retry.Status)

	task, err := f.store.GetTask(f.ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status, "task remains failed")
	assert.Equal(t, 1, task.RetryCount, "the failure consumed the retry, the reassign attempt did not")
}

func TestReassignExhaustsRetries(t *testing.T) {
	d, f := setup(t, nil, nil, nil)
	registerIdle(t, f, "a", "data_analysis")
	registerIdle(t, f, "b", "data_analysis")

	result, err := d.Submit(f.ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)

	// Two failures each consume a retry and still find another agent.
	taskID := result.TaskID
	for i := 0; i < 2; i++ {
		require.NoError(t, d.Complete(f.ctx, taskID, false, "boom"))
		retry, err := d.Reassign(f.ctx, taskID)
		require.NoError(t, err)
		require.Equal(t, StatusAssigned, retry.Status)
	}

	// The third failure hits the limit; the task fails for good.
	require.NoError(t, d.Complete(f.ctx, taskID, false, "boom"))
	_, err = d.Reassign(f.ctx, taskID)
	require.Error(t, err)
	assert.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))

	task, err := f.store.GetTask(f.ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, "max retries exceeded: boom", task.ErrorReason)
}

func TestOfferWithoutMailboxBindsDirectly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := bus.NewChannelTransport()
	defer transport.Close()
	exchange := bus.NewExchange(transport, nil, nil, nil, time.Second)
	exchange.Start(ctx)

	d, f := setup(t, nil, nil, exchange)
	agent := registerIdle(t, f, "silent", "data_analysis")

	// The agent never opened a mailbox on the transport, so the offer is
	// undeliverable. The delegator must bind directly, not queue the task.
	result, err := d.Submit(ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, result.Status)
	require.NotNil(t, result.AgentID)
	assert.Equal(t, agent.ID, *result.AgentID)
}

func TestNegotiatedAssignment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := bus.NewChannelTransport()
	defer transport.Close()
	exchange := bus.NewExchange(transport, nil, nil, nil, time.Second)
	exchange.Start(ctx)

	d, f := setup(t, nil, nil, exchange)

	// Higher scoring agent refuses; the lower one accepts.
	refuser, err := f.registry.Register(ctx, &types.Agent{
		Name:         "refuser",
		Capabilities: types.StringList{"data_analysis"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.DB().Model(&types.Agent{}).
		Where("id = ?", refuser.ID).
		Update("performance", types.PerformanceJSON{PerformanceRecord: types.PerformanceRecord{
			SuccessRate: 0.99, AvgResponseTimeMs: 10,
		}}).Error)
	accepter := registerIdle(t, f, "accepter", "data_analysis")

	answer := func(agentID uint, accepted bool) {
		mb := transport.Register(agentID)
		go func() {
			for env := range mb {
				sender := agentID
				_ = transport.Deliver(ctx, &bus.Envelope{
					CorrelationID: env.CorrelationID,
					Type:          types.MessageResponse,
					SenderID:      &sender,
					Payload:       map[string]any{"accepted": accepted},
				})
			}
		}()
	}
	answer(refuser.ID, false)
	answer(accepter.ID, true)

	result, err := d.Submit(ctx, simpleTask("crunch", "data_analysis"))
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, result.Status)
	require.NotNil(t, result.AgentID)
	assert.Equal(t, accepter.ID, *result.AgentID)
}
