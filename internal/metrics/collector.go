// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Oracle 指标
	oracleRequestsTotal   *prometheus.CounterVec
	oracleRequestDuration *prometheus.HistogramVec
	oracleFallbacksTotal  *prometheus.CounterVec

	// 委派指标
	delegationsTotal   *prometheus.CounterVec
	delegationDuration *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec

	// 协商指标
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec

	// 冲突指标
	conflictsDetectedTotal *prometheus.CounterVec
	conflictsResolvedTotal *prometheus.CounterVec

	// Agent 指标
	agentsByStatus        *prometheus.GaugeVec
	agentStateTransitions *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Oracle 指标
	c.oracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Total number of decision oracle requests",
		},
		[]string{"operation", "status"},
	)

	c.oracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_request_duration_seconds",
			Help:      "Decision oracle request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	c.oracleFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_fallbacks_total",
			Help:      "Total number of silent fallbacks after oracle failures",
		},
		[]string{"operation"},
	)

	// 委派指标
	c.delegationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Total number of task delegations",
		},
		[]string{"mode", "status"}, // mode: simple, composite; status: success, failed
	)

	c.delegationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Task delegation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task reassignment retries",
		},
		[]string{"outcome"}, // outcome: reassigned, exhausted
	)

	// 协商指标
	c.negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Total number of negotiation requests",
		},
		[]string{"status"}, // status: accepted, refused, timeout
	)

	c.negotiationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Negotiation round trip duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"status"},
	)

	// 冲突指标
	c.conflictsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Total number of detected conflicts",
		},
		[]string{"type", "severity"},
	)

	c.conflictsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Total number of conflict resolution attempts",
		},
		[]string{"strategy", "outcome"}, // outcome: resolved, failed
	)

	// Agent 指标
	c.agentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Number of registered agents by status",
		},
		[]string{"status"},
	)

	c.agentStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔮 Oracle 指标记录
// =============================================================================

// RecordOracleRequest 记录 Oracle 请求
func (c *Collector) RecordOracleRequest(operation, status string, duration time.Duration) {
	c.oracleRequestsTotal.WithLabelValues(operation, status).Inc()
	c.oracleRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOracleFallback 记录 Oracle 失败后的静默回退
func (c *Collector) RecordOracleFallback(operation string) {
	c.oracleFallbacksTotal.WithLabelValues(operation).Inc()
}

// =============================================================================
// 📨 委派与协商指标记录
// =============================================================================

// RecordDelegation 记录任务委派
func (c *Collector) RecordDelegation(mode, status string, duration time.Duration) {
	c.delegationsTotal.WithLabelValues(mode, status).Inc()
	c.delegationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRetry 记录重派尝试
func (c *Collector) RecordRetry(outcome string) {
	c.retriesTotal.WithLabelValues(outcome).Inc()
}

// RecordNegotiation 记录协商往返
func (c *Collector) RecordNegotiation(status string, duration time.Duration) {
	c.negotiationsTotal.WithLabelValues(status).Inc()
	c.negotiationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// =============================================================================
// ⚔️ 冲突指标记录
// =============================================================================

// RecordConflictDetected 记录检测到的冲突
func (c *Collector) RecordConflictDetected(conflictType, severity string) {
	c.conflictsDetectedTotal.WithLabelValues(conflictType, severity).Inc()
}

// RecordConflictResolution 记录冲突解决尝试
func (c *Collector) RecordConflictResolution(strategy, outcome string) {
	c.conflictsResolvedTotal.WithLabelValues(strategy, outcome).Inc()
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// SetAgentCount 设置指定状态的 Agent 数量
func (c *Collector) SetAgentCount(status string, count int) {
	c.agentsByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordAgentStateTransition 记录 Agent 状态转换
func (c *Collector) RecordAgentStateTransition(fromState, toState string) {
	c.agentStateTransitions.WithLabelValues(fromState, toState).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
