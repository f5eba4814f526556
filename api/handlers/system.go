package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/load"
)

// =============================================================================
// 📊 系统状态 Handler
// =============================================================================

// SystemHandler 负载统计与再平衡处理器
type SystemHandler struct {
	accountant *load.Accountant
	logger     *zap.Logger
}

// NewSystemHandler 创建系统状态处理器
func NewSystemHandler(accountant *load.Accountant, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		accountant: accountant,
		logger:     logger.With(zap.String("component", "system_handler")),
	}
}

// HandleStatistics 查询当前负载快照
// GET /api/v1/statistics
func (h *SystemHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.accountant.Statistics(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

// HandleRebalance 触发一次顾问式再平衡
// POST /api/v1/rebalance
func (h *SystemHandler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.accountant.Rebalance(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, report)
}
