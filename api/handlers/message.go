package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ✉️ 消息历史 Handler
// =============================================================================

// MessageHandler 协商消息查询处理器
type MessageHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(st *store.Store, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		store:  st,
		logger: logger.With(zap.String("component", "message_handler")),
	}
}

// HandleHistory 查询某 Agent 的消息历史
// GET /api/v1/messages?agent_id=3&type=request&limit=50
func (h *MessageHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := uint(queryInt(r, "agent_id", 0))
	if agentID == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent_id is required", h.logger)
		return
	}
	msgType := types.MessageType(r.URL.Query().Get("type"))
	limit := queryInt(r, "limit", 50)

	messages, err := h.store.MessageHistory(r.Context(), agentID, msgType, limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, messages)
}

// HandleUnreadCount 查询某 Agent 的未读消息数
// GET /api/v1/messages/unread?agent_id=3
func (h *MessageHandler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	agentID := uint(queryInt(r, "agent_id", 0))
	if agentID == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent_id is required", h.logger)
		return
	}

	count, err := h.store.UnreadCount(r.Context(), agentID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"agent_id": agentID, "unread": count})
}

// HandleMarkRead 标记单条消息已读
// POST /api/v1/messages/{id}/read
func (h *MessageHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.store.MarkMessageRead(r.Context(), id); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"message_id": id, "read": true})
}
