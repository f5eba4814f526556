package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/delegate"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📋 任务管理 Handler
// =============================================================================

// TaskHandler 任务生命周期处理器
type TaskHandler struct {
	delegator *delegate.Delegator
	store     *store.Store
	logger    *zap.Logger
}

// SubmitTaskRequest 任务提交请求
type SubmitTaskRequest struct {
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Priority     FlexPriority       `json:"priority,omitempty"`
	MultiAgent   bool               `json:"multi_agent,omitempty"`
	Resources    map[string]float64 `json:"resources,omitempty"`
}

// FlexPriority 兼容数字优先级（0-5）与字符串标签（low/medium/high）
type FlexPriority int

func (p *FlexPriority) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var label string
		if err := json.Unmarshal(b, &label); err != nil {
			return err
		}
		*p = FlexPriority(types.ParsePriority(label))
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = FlexPriority(n)
	return nil
}

// CompleteTaskRequest 任务完成上报
type CompleteTaskRequest struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(delegator *delegate.Delegator, st *store.Store, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		delegator: delegator,
		store:     st,
		logger:    logger.With(zap.String("component", "task_handler")),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 提交新任务并立即尝试委派
// POST /api/v1/tasks
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Title == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "title is required", h.logger)
		return
	}
	if req.Priority < 0 || req.Priority > 5 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "priority must be between 0 and 5", h.logger)
		return
	}

	task := &types.Task{
		Title:        req.Title,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Priority:     int(req.Priority),
		MultiAgent:   req.MultiAgent,
		Resources:    req.Resources,
	}

	result, err := h.delegator.Submit(r.Context(), task)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: result, Timestamp: time.Now()})
}

// HandleGet 查询单个任务
// GET /api/v1/tasks/{id}
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, task)
}

// HandleList 列出任务，可按状态过滤
// GET /api/v1/tasks?status=pending&limit=50
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := types.TaskStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 100)

	tasks, err := h.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, tasks)
}

// HandleProgress 查询任务进度（组合任务按子任务完成比例汇总）
// GET /api/v1/tasks/{id}/progress
func (h *TaskHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	progress, err := h.store.GetTaskProgress(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, progress)
}

// HandleComplete 上报任务完成或失败
// POST /api/v1/tasks/{id}/complete
func (h *TaskHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	var req CompleteTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.delegator.Complete(r.Context(), id, req.Success, req.ErrorReason); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"task_id": id, "success": req.Success})
}

// HandleReassign 将失败任务重新委派给其他 Agent
// POST /api/v1/tasks/{id}/reassign
func (h *TaskHandler) HandleReassign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.delegator.Reassign(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// pathID 解析路径中的 {id} 参数
func pathID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid id", logger)
		return 0, false
	}
	return uint(id), true
}

// queryInt 解析整数查询参数，非法或缺失时取默认值
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
