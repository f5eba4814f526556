package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ⚔️ 冲突管理 Handler
// =============================================================================

// ConflictHandler 冲突查询与解决处理器
type ConflictHandler struct {
	store    *store.Store
	resolver *conflict.Resolver
	logger   *zap.Logger
}

// ResolveConflictRequest 冲突解决请求
type ResolveConflictRequest struct {
	Strategy string `json:"strategy"`
}

// NewConflictHandler 创建冲突处理器
func NewConflictHandler(st *store.Store, resolver *conflict.Resolver, logger *zap.Logger) *ConflictHandler {
	return &ConflictHandler{
		store:    st,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "conflict_handler")),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleList 列出冲突记录，可按 Agent 过滤
// GET /api/v1/conflicts?agent_id=3&limit=20
func (h *ConflictHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit := queryInt(r, "limit", 50)

	conflicts, err := h.store.ListConflicts(r.Context(), agentID, limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, conflicts)
}

// HandleGet 查询单条冲突记录
// GET /api/v1/conflicts/{id}
func (h *ConflictHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.store.GetConflict(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, record)
}

// HandleResolve 按指定策略解决冲突
// POST /api/v1/conflicts/{id}/resolve
func (h *ConflictHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	var req ResolveConflictRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Strategy == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "strategy is required", h.logger)
		return
	}

	outcome, err := h.resolver.Resolve(r.Context(), id, types.ResolutionStrategy(req.Strategy))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, outcome)
}
