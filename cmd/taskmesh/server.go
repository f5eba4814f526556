package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/api"
	"github.com/BaSui01/taskmesh/api/handlers"
	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/delegate"
	"github.com/BaSui01/taskmesh/directory"
	"github.com/BaSui01/taskmesh/internal/cache"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/internal/server"
	"github.com/BaSui01/taskmesh/internal/telemetry"
	"github.com/BaSui01/taskmesh/load"
	"github.com/BaSui01/taskmesh/match"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/planner"
	"github.com/BaSui01/taskmesh/store"
	"github.com/BaSui01/taskmesh/triage"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 TaskMesh 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 存储层
	pool         *database.PoolManager
	cacheManager *cache.Manager
	store        *store.Store

	// 协调器组件
	registry   *directory.Registry
	exchange   *bus.Exchange
	delegator  *delegate.Delegator
	resolver   *conflict.Resolver
	accountant *load.Accountant

	// Handlers 与指标
	healthHandler    *handlers.HealthHandler
	metricsCollector *metrics.Collector

	// 后台 goroutine 生命周期
	backgroundCancel context.CancelFunc
	wg               sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.backgroundCancel = cancel

	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("taskmesh", s.logger)

	// 2. 初始化存储层
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 初始化协调器组件
	if err := s.initCoordinator(ctx); err != nil {
		return fmt.Errorf("failed to init coordinator: %w", err)
	}

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
		zap.Bool("oracle_enabled", s.cfg.Oracle.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 打开数据库连接池、执行表结构迁移并连接 Redis
func (s *Server) initStorage() error {
	pool, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.pool = pool

	st, err := store.New(pool, s.logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	s.store = st

	if err := pool.Instrument(s.metricsCollector, s.cfg.Database.Driver); err != nil {
		return fmt.Errorf("instrument database pool: %w", err)
	}

	if s.cfg.Redis.Enabled {
		mgr, err := cache.NewManager(cache.Config{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, falling back to in-process transport", zap.Error(err))
		} else {
			s.cacheManager = mgr
		}
	}

	return nil
}

// initCoordinator 装配目录、消息总线、委派器、冲突解决器与负载核算
func (s *Server) initCoordinator(ctx context.Context) error {
	coord := s.cfg.Coordinator

	matcher := match.NewMatcher(&match.Config{
		CapabilityWeight: coord.CapabilityWeight,
		SuccessWeight:    coord.SuccessWeight,
		ResponseWeight:   coord.ResponseWeight,
		MinScore:         coord.MinScore,
	}, s.logger)

	s.registry = directory.NewRegistry(s.store, s.cacheManager, matcher, s.metricsCollector, s.logger, coord.OfflineThreshold)

	// Oracle 组件：禁用时分析走启发式、规划不可用（复合任务回退为简单委派）
	heuristic := &triage.HeuristicAnalyzer{DecomposeThreshold: coord.DecomposeThreshold}
	var analyzer triage.Analyzer = heuristic
	var oracleClient oracle.Oracle
	var pl *planner.Planner
	if s.cfg.Oracle.Enabled {
		client := oracle.NewClient(s.cfg.Oracle, s.metricsCollector, s.logger)
		oracleClient = client
		analyzer = triage.NewOracleAnalyzer(client, heuristic, s.metricsCollector, s.logger)
		pl = planner.New(client, s.metricsCollector, s.logger)
	}

	// 消息总线：Redis 可用时跨进程，否则进程内通道
	var transport bus.Transport = bus.NewChannelTransport()
	if s.cacheManager != nil {
		rt, err := bus.NewRedisTransport(ctx, s.cacheManager.Client(), s.logger)
		if err != nil {
			s.logger.Warn("Redis transport unavailable, using in-process channels", zap.Error(err))
		} else {
			transport = rt
		}
	}
	s.exchange = bus.NewExchange(transport, s.store, s.metricsCollector, s.logger, coord.NegotiationTimeout)
	s.exchange.Start(ctx)

	detector := conflict.NewDetector(s.store, s.metricsCollector, s.logger)
	s.resolver = conflict.NewResolver(s.store, s.exchange, oracleClient, s.metricsCollector, s.logger, coord.NegotiationTimeout)

	s.delegator = delegate.NewDelegator(s.store, s.registry, analyzer, pl, s.exchange, detector, s.metricsCollector, s.logger, delegate.Options{
		MaxRetries:         coord.MaxRetries,
		NegotiationTimeout: coord.NegotiationTimeout,
	})

	s.accountant = load.NewAccountant(s.store, s.registry, s.metricsCollector, s.logger)

	// 后台离线扫描
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunSweeper(ctx, coord.SweepInterval)
	}()

	if coord.SeedDemoAgents {
		if err := s.store.SeedDemoAgents(ctx); err != nil {
			s.logger.Warn("failed to seed demo agents", zap.Error(err))
		}
	}

	return nil
}

// initHandlers 初始化健康检查 handler 并注册依赖探针
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.store.Ping))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := api.NewRouter(api.Dependencies{
		Store:      s.store,
		Registry:   s.registry,
		Delegator:  s.delegator,
		Resolver:   s.resolver,
		Accountant: s.accountant,
		Health:     s.healthHandler,
		Logger:     s.logger,
	}, api.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})

	// ========================================
	// 构建中间件链
	// ========================================
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止后台 goroutine（离线扫描、消息分发、限流清理）
	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 等待后台 goroutine 完成
	s.wg.Wait()

	// 5. 关闭存储与遥测
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
