// Package delegate drives the task lifecycle: triage, agent selection,
// atomic binding, composite decomposition, completion accounting, and
// retry-bounded reassignment. Tasks move pending -> in_progress ->
// completed/failed, with failed -> pending on reassignment until the retry
// limit is reached.
package delegate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/match"
	"github.com/BaSui01/taskmesh/planner"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/triage"
	"github.com/BaSui01/taskmesh/types"
)

// Result statuses reported to callers.
const (
	// StatusAssigned: the task is bound to one agent.
	StatusAssigned = "assigned"
	// StatusDecomposed: the task was split and its subtasks scheduled.
	StatusDecomposed = "decomposed"
	// StatusQueued: no suitable agent right now; the task stays pending.
	StatusQueued = "queued"
	// StatusNoAlternative: reassignment found no other agent; the task
	// remains failed.
	StatusNoAlternative = "no_alternative"
)

// Result describes what a delegation attempt did.
type Result struct {
	TaskID     uint   `json:"task_id"`
	Status     string `json:"status"`
	AgentID    *uint  `json:"agent_id,omitempty"`
	SubtaskIDs []uint `json:"subtask_ids,omitempty"`
	Complexity int    `json:"complexity_score"`
	Message    string `json:"message,omitempty"`
}

// Delegator coordinates the whole assignment flow.
type Delegator struct {
	store     *store.Store
	registry  *directory.Registry
	analyzer  triage.Analyzer
	planner   *planner.Planner
	exchange  *bus.Exchange
	detector  *conflict.Detector
	collector *metrics.Collector
	logger    *zap.Logger

	maxRetries int
	offerLimit int
	timeout    time.Duration
}

// Options tunes the delegator.
type Options struct {
	// MaxRetries bounds failed-task reassignments.
	MaxRetries int
	// OfferLimit caps how many candidates receive a task offer before the
	// delegator gives up on negotiation for this round.
	OfferLimit int
	// NegotiationTimeout bounds each task offer.
	NegotiationTimeout time.Duration
}

// NewDelegator wires the delegator. Exchange and detector may be nil:
// without an exchange the best candidate is bound directly, without a
// detector no conflict checks run on high priority arrivals. The collector
// may be nil.
func NewDelegator(st *store.Store, registry *directory.Registry, analyzer triage.Analyzer, pl *planner.Planner, exchange *bus.Exchange, detector *conflict.Detector, collector *metrics.Collector, logger *zap.Logger, opts Options) *Delegator {
	if analyzer == nil {
		analyzer = triage.NewHeuristicAnalyzer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.OfferLimit <= 0 {
		opts.OfferLimit = 3
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 30 * time.Second
	}
	return &Delegator{
		store:      st,
		registry:   registry,
		analyzer:   analyzer,
		planner:    pl,
		exchange:   exchange,
		detector:   detector,
		collector:  collector,
		logger:     logger.With(zap.String("component", "delegate")),
		maxRetries: opts.MaxRetries,
		offerLimit: opts.OfferLimit,
		timeout:    opts.NegotiationTimeout,
	}
}

// Submit persists a new task and immediately attempts delegation.
func (d *Delegator) Submit(ctx context.Context, task *types.Task) (*Result, error) {
	created, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return d.Delegate(ctx, created.ID)
}

// Delegate runs the pending -> in_progress transition for one task. A
// missing agent is not an error: the task stays pending and the result
// reports queued.
func (d *Delegator) Delegate(ctx context.Context, taskID uint) (*Result, error) {
	start := time.Now()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusPending {
		return nil, types.NewError(types.ErrInvalidTransition, "task is not pending").
			WithHTTPStatus(http.StatusConflict)
	}

	verdict, err := d.analyzer.Analyze(ctx, task.Description, task.Requires())
	if err != nil {
		// Only reachable with a custom analyzer; the stock ones always
		// produce a verdict.
		return nil, err
	}
	if err := d.store.SetTaskComplexity(ctx, task.ID, verdict.ComplexityScore); err != nil {
		return nil, err
	}

	d.checkConflicts(ctx, task)

	req := task.Requires()
	if len(verdict.RequiredCapabilities) > 0 {
		req.Capabilities = verdict.RequiredCapabilities
	}

	if verdict.RequiresDecomposition && d.planner != nil {
		if result, ok := d.delegateComposite(ctx, task, req, verdict); ok {
			d.observe("composite", result.Status, start)
			return result, nil
		}
		// Decomposition or planning fell through; degrade to simple
		// assignment. Informational, not a failure.
		d.logger.Info("composite delegation degraded to simple assignment",
			zap.Uint("task_id", task.ID),
		)
	}

	result, err := d.delegateSimple(ctx, task, req, nil)
	if err != nil {
		d.observe("simple", "error", start)
		return nil, err
	}
	result.Complexity = verdict.ComplexityScore
	d.observe("simple", result.Status, start)
	return result, nil
}

// delegateComposite tries the decompose-plan-bind path. Returns ok=false
// when the caller should fall back to simple assignment.
func (d *Delegator) delegateComposite(ctx context.Context, task *types.Task, req types.Requirements, verdict *types.TriageResult) (*Result, bool) {
	subtasks := d.planner.Decompose(ctx, task.Description, req)
	if len(subtasks) == 0 {
		return nil, false
	}

	idle, err := d.registry.List(ctx, types.AgentStatusIdle)
	if err != nil || len(idle) == 0 {
		return nil, false
	}

	plan := d.planner.Plan(ctx, subtasks, idle)
	if plan.Empty() {
		return nil, false
	}

	rows := make([]types.Task, len(subtasks))
	for i, st := range subtasks {
		rows[i] = types.Task{
			Title:        st.Title,
			Description:  st.Description,
			Capabilities: st.RequiredCapabilities,
			Priority:     st.Priority,
			Status:       types.TaskStatusPending,
		}
	}
	created, err := d.store.CreateSubtasks(ctx, task.ID, rows)
	if err != nil {
		d.logger.Error("failed to create subtasks", zap.Error(err))
		return nil, false
	}

	// Bind the first phase now; later phases start as their dependencies
	// complete.
	bound := 0
	for _, assignment := range plan.Phases[0].ParallelAssignments {
		if assignment.SubtaskIndex >= len(created) {
			continue
		}
		subtaskID := created[assignment.SubtaskIndex].ID
		if err := d.store.BindTask(ctx, subtaskID, assignment.AgentID); err != nil {
			d.logger.Warn("failed to bind subtask",
				zap.Uint("subtask_id", subtaskID),
				zap.Uint("agent_id", assignment.AgentID),
				zap.Error(err),
			)
			continue
		}
		bound++
	}
	if bound == 0 {
		// Nothing could start; leave subtasks pending and fall back.
		return nil, false
	}

	if err := d.store.StartCompositeTask(ctx, task.ID); err != nil {
		d.logger.Error("failed to start composite task", zap.Error(err))
		return nil, false
	}

	ids := make([]uint, len(created))
	for i := range created {
		ids[i] = created[i].ID
	}
	return &Result{
		TaskID:     task.ID,
		Status:     StatusDecomposed,
		SubtaskIDs: ids,
		Complexity: verdict.ComplexityScore,
	}, true
}

// delegateSimple finds the best eligible idle agent and binds it. The
// exclude set skips agents that already failed this task.
func (d *Delegator) delegateSimple(ctx context.Context, task *types.Task, req types.Requirements, exclude map[uint]struct{}) (*Result, error) {
	candidates, err := d.registry.FindAvailable(ctx, req, exclude)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Result{
			TaskID:  task.ID,
			Status:  StatusQueued,
			Message: "no suitable agent available",
		}, nil
	}

	for i, candidate := range candidates {
		if i >= d.offerLimit {
			break
		}
		agentID := candidate.Agent.ID

		if !d.offerAccepted(ctx, task, candidate) {
			continue
		}

		err := d.store.BindTask(ctx, task.ID, agentID)
		if err == nil {
			if d.collector != nil {
				d.collector.RecordAgentStateTransition(string(types.AgentStatusIdle), string(types.AgentStatusBusy))
			}
			d.logger.Info("task delegated",
				zap.Uint("task_id", task.ID),
				zap.Uint("agent_id", agentID),
				zap.Float64("score", candidate.Score),
			)
			return &Result{TaskID: task.ID, Status: StatusAssigned, AgentID: &agentID}, nil
		}
		if types.IsRetryable(err) {
			// Someone else grabbed the agent between ranking and binding;
			// move on to the next candidate.
			continue
		}
		return nil, err
	}

	return &Result{
		TaskID:  task.ID,
		Status:  StatusQueued,
		Message: "no candidate accepted the task",
	}, nil
}

// offerAccepted negotiates the assignment with the candidate when an
// exchange is wired; otherwise the best candidate is taken directly.
func (d *Delegator) offerAccepted(ctx context.Context, task *types.Task, candidate match.Candidate) bool {
	if d.exchange == nil {
		return true
	}

	resp, err := d.exchange.Request(ctx, candidate.Agent.ID, "task_offer", map[string]any{
		"task_id":      task.ID,
		"title":        task.Title,
		"capabilities": []string(task.Capabilities),
		"priority":     task.Priority,
	}, d.timeout)
	if err != nil {
		switch types.GetErrorCode(err) {
		case types.ErrAgentNotFound, types.ErrTransportClosed:
			// The agent has no negotiation channel. That is the normal
			// case for in-process agents; bind directly instead of
			// skipping the candidate.
			d.logger.Debug("agent not listening on bus, binding directly",
				zap.Uint("agent_id", candidate.Agent.ID),
			)
			return true
		}
		d.logger.Debug("task offer failed",
			zap.Uint("agent_id", candidate.Agent.ID),
			zap.Error(err),
		)
		return false
	}
	accepted, _ := resp.Payload["accepted"].(bool)
	return accepted
}

// checkConflicts runs detection when a high priority task arrives. Findings
// are recorded for later resolution; they never block delegation.
func (d *Delegator) checkConflicts(ctx context.Context, task *types.Task) {
	if d.detector == nil || task.Priority < 4 {
		return
	}
	agents, err := d.registry.List(ctx, "")
	if err != nil {
		return
	}
	if _, err := d.detector.Detect(ctx, conflict.Snapshot{Agents: agents, Task: task}); err != nil {
		d.logger.Warn("conflict detection failed", zap.Error(err))
	}
}

// Complete finishes an in-progress task and, for subtasks, advances the
// composite parent: ready siblings get bound, and the parent completes when
// every subtask has terminated.
func (d *Delegator) Complete(ctx context.Context, taskID uint, success bool, errorReason string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := d.store.CompleteTask(ctx, taskID, success, errorReason); err != nil {
		return err
	}
	if d.collector != nil {
		d.collector.RecordAgentStateTransition(string(types.AgentStatusBusy), string(types.AgentStatusIdle))
	}

	if task.ParentTaskID != nil {
		d.advanceComposite(ctx, *task.ParentTaskID)
	}
	return nil
}

// advanceComposite binds pending subtasks that now have an idle agent and
// completes the parent once all subtasks are terminal.
func (d *Delegator) advanceComposite(ctx context.Context, parentID uint) {
	subtasks, err := d.store.GetSubtasks(ctx, parentID)
	if err != nil {
		d.logger.Warn("failed to load subtasks", zap.Error(err))
		return
	}

	allTerminal := true
	anyFailed := false
	for i := range subtasks {
		st := &subtasks[i]
		switch {
		case st.Status == types.TaskStatusPending:
			allTerminal = false
			result, err := d.delegateSimple(ctx, st, st.Requires(), nil)
			if err != nil {
				d.logger.Warn("failed to advance subtask",
					zap.Uint("subtask_id", st.ID),
					zap.Error(err),
				)
				continue
			}
			d.logger.Debug("subtask advanced",
				zap.Uint("subtask_id", st.ID),
				zap.String("status", result.Status),
			)
		case !st.Status.Terminal():
			allTerminal = false
		case st.Status == types.TaskStatusFailed:
			anyFailed = true
		}
	}

	if !allTerminal {
		return
	}

	parent, err := d.store.GetTask(ctx, parentID)
	if err != nil || parent.Status != types.TaskStatusInProgress {
		return
	}
	reason := ""
	if anyFailed {
		reason = "one or more subtasks failed"
	}
	if err := d.store.CompleteTask(ctx, parentID, !anyFailed, reason); err != nil {
		d.logger.Warn("failed to complete composite parent",
			zap.Uint("task_id", parentID),
			zap.Error(err),
		)
	}
}

// Reassign retries a failed task on a different agent. The previously
// failed agent is excluded from the candidate pool. Once the retry limit is
// reached the task fails permanently.
func (d *Delegator) Reassign(ctx context.Context, taskID uint) (*Result, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusFailed {
		return nil, types.NewError(types.ErrInvalidTransition, "only failed tasks can be reassigned").
			WithHTTPStatus(http.StatusConflict)
	}
	if task.RetryCount >= d.maxRetries {
		if !strings.HasPrefix(task.ErrorReason, "max retries exceeded") {
			reason := "max retries exceeded"
			if task.ErrorReason != "" {
				reason += ": " + task.ErrorReason
			}
			if err := d.store.TerminalizeTask(ctx, task.ID, reason); err != nil {
				return nil, err
			}
		}
		if d.collector != nil {
			d.collector.RecordRetry("exhausted")
		}
		return nil, types.NewError(types.ErrRetryExhausted, "retry limit reached").
			WithHTTPStatus(http.StatusConflict)
	}

	exclude := map[uint]struct{}{}
	if task.AssignedAgentID != nil {
		exclude[*task.AssignedAgentID] = struct{}{}
	}

	candidates, err := d.registry.FindAvailable(ctx, task.Requires(), exclude)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Result{
			TaskID:  task.ID,
			Status:  StatusNoAlternative,
			Message: "no alternative agent available",
		}, nil
	}

	if _, err := d.store.ReleaseForRetry(ctx, taskID, task.ErrorReason); err != nil {
		return nil, err
	}

	fresh, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result, err := d.delegateSimple(ctx, fresh, fresh.Requires(), exclude)
	if err != nil {
		return nil, err
	}
	if d.collector != nil {
		d.collector.RecordRetry("reassigned")
	}
	return result, nil
}

func (d *Delegator) observe(mode, status string, start time.Time) {
	if d.collector != nil {
		d.collector.RecordDelegation(mode, status, time.Since(start))
	}
}
