package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🤖 Agent 目录 Handler
// =============================================================================

// AgentHandler Agent 注册与目录处理器
type AgentHandler struct {
	registry *directory.Registry
	logger   *zap.Logger
}

// RegisterAgentRequest Agent 注册请求
type RegisterAgentRequest struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Capabilities []string           `json:"capabilities"`
	Resources    map[string]float64 `json:"resources,omitempty"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	AgentID    uint      `json:"agent_id"`
	Recovered  bool      `json:"recovered"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewAgentHandler 创建 Agent 处理器
func NewAgentHandler(registry *directory.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "agent_handler")),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleRegister 注册新 Agent
// POST /api/v1/agents
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "name is required", h.logger)
		return
	}
	if len(req.Capabilities) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "at least one capability is required", h.logger)
		return
	}

	agent, err := h.registry.Register(r.Context(), &types.Agent{
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Resources:    req.Resources,
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: agent, Timestamp: time.Now()})
}

// HandleList 列出 Agent，可按状态过滤
// GET /api/v1/agents?status=idle
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := types.AgentStatus(r.URL.Query().Get("status"))

	agents, err := h.registry.List(r.Context(), status)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, agents)
}

// HandleGet 查询单个 Agent
// GET /api/v1/agents/{id}
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	agent, err := h.registry.Get(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, agent)
}

// HandleHeartbeat 接收 Agent 心跳；离线 Agent 心跳后自动恢复为 idle
// POST /api/v1/agents/{id}/heartbeat
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	// 未知 Agent 的心跳静默接受，found 不回传
	_, recovered, err := h.registry.Heartbeat(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, HeartbeatResponse{
		AgentID:    id,
		Recovered:  recovered,
		ReceivedAt: time.Now(),
	})
}

// HandleUnregister 注销 Agent（标记 offline，不删除历史）
// DELETE /api/v1/agents/{id}
func (h *AgentHandler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.registry.Unregister(r.Context(), id); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"agent_id": id, "status": string(types.AgentStatusOffline)})
}

// HandleCapabilityStatistics 汇总能力覆盖统计
// GET /api/v1/agents/statistics
func (h *AgentHandler) HandleCapabilityStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.CapabilityStatistics(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}
