package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/api/handlers"
	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/delegate"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/load"
	"github.com/BaSui01/taskmesh/store"
)

// =============================================================================
// 🗺️ 路由装配
// =============================================================================

// Dependencies 路由所需的全部协调器组件
type Dependencies struct {
	Store      *store.Store
	Registry   *directory.Registry
	Delegator  *delegate.Delegator
	Resolver   *conflict.Resolver
	Accountant *load.Accountant
	Health     *handlers.HealthHandler
	Logger     *zap.Logger
}

// VersionInfo 构建期注入的版本信息
type VersionInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// NewRouter 装配全部 HTTP 路由
func NewRouter(deps Dependencies, version VersionInfo) *http.ServeMux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	taskHandler := handlers.NewTaskHandler(deps.Delegator, deps.Store, logger)
	agentHandler := handlers.NewAgentHandler(deps.Registry, logger)
	conflictHandler := handlers.NewConflictHandler(deps.Store, deps.Resolver, logger)
	systemHandler := handlers.NewSystemHandler(deps.Accountant, logger)
	messageHandler := handlers.NewMessageHandler(deps.Store, logger)

	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	if deps.Health != nil {
		mux.HandleFunc("GET /health", deps.Health.HandleHealth)
		mux.HandleFunc("GET /healthz", deps.Health.HandleHealth)
		mux.HandleFunc("GET /ready", deps.Health.HandleReady)
		mux.HandleFunc("GET /readyz", deps.Health.HandleReady)
		mux.HandleFunc("GET /version", deps.Health.HandleVersion(version.Version, version.BuildTime, version.GitCommit))
	}

	// ========================================
	// 任务路由
	// ========================================
	mux.HandleFunc("POST /api/v1/tasks", taskHandler.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", taskHandler.HandleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", taskHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/tasks/{id}/progress", taskHandler.HandleProgress)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", taskHandler.HandleComplete)
	mux.HandleFunc("POST /api/v1/tasks/{id}/reassign", taskHandler.HandleReassign)

	// ========================================
	// Agent 路由
	// ========================================
	mux.HandleFunc("POST /api/v1/agents", agentHandler.HandleRegister)
	mux.HandleFunc("GET /api/v1/agents", agentHandler.HandleList)
	mux.HandleFunc("GET /api/v1/agents/statistics", agentHandler.HandleCapabilityStatistics)
	mux.HandleFunc("GET /api/v1/agents/{id}", agentHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", agentHandler.HandleHeartbeat)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", agentHandler.HandleUnregister)

	// ========================================
	// 冲突路由
	// ========================================
	mux.HandleFunc("GET /api/v1/conflicts", conflictHandler.HandleList)
	mux.HandleFunc("GET /api/v1/conflicts/{id}", conflictHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", conflictHandler.HandleResolve)

	// ========================================
	// 消息与系统路由
	// ========================================
	mux.HandleFunc("GET /api/v1/messages", messageHandler.HandleHistory)
	mux.HandleFunc("GET /api/v1/messages/unread", messageHandler.HandleUnreadCount)
	mux.HandleFunc("POST /api/v1/messages/{id}/read", messageHandler.HandleMarkRead)
	mux.HandleFunc("GET /api/v1/statistics", systemHandler.HandleStatistics)
	mux.HandleFunc("POST /api/v1/rebalance", systemHandler.HandleRebalance)

	return mux
}
