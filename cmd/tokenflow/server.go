package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/tokenflow/api/handlers"
	"github.com/BaSui01/tokenflow/config"
	"github.com/BaSui01/tokenflow/internal/cache"
	"github.com/BaSui01/tokenflow/internal/metrics"
	"github.com/BaSui01/tokenflow/internal/server"
	"github.com/BaSui01/tokenflow/internal/telemetry"
	"github.com/BaSui01/tokenflow/stream"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 TokenFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器
	apiServer     *server.Server
	metricsServer *server.Server

	// 核心组件
	manager       *stream.Manager
	snapshotStore *cache.SnapshotStore
	collector     *metrics.Collector
	registry      *prometheus.Registry

	// Handlers
	streamHandler *handlers.StreamHandler
	healthHandler *handlers.HealthHandler

	// 遥测
	otelProviders *telemetry.Providers
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 装配所有组件并阻塞运行，直到收到终止信号。
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}
	s.initHandlers()
	s.initServers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.apiServer.Run(gctx) })
	g.Go(func() error { return s.metricsServer.Run(gctx) })

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("snapshots_enabled", s.snapshotStore != nil),
	)

	err := g.Wait()
	s.shutdownComponents()
	return err
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 初始化指标收集器、快照存储与流注册表
func (s *Server) initComponents() error {
	s.registry = prometheus.NewRegistry()
	s.collector = metrics.NewCollector("tokenflow", s.registry, s.logger)

	managerOpts := []stream.Option{
		stream.WithCollector(s.collector),
	}

	if s.cfg.Redis.Enabled {
		store, err := cache.NewSnapshotStore(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			SnapshotTTL:  s.cfg.Redis.SnapshotTTL,
			MaxRetries:   s.cfg.Redis.MaxRetries,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init snapshot store: %w", err)
		}
		s.snapshotStore = store
		managerOpts = append(managerOpts, stream.WithOnStreamEnd(store.OnStreamEnd()))
	}

	s.manager = stream.NewManager(stream.Config{
		MaxConcurrentStreams: s.cfg.Stream.MaxConcurrentStreams,
		MaxStreamDuration:    s.cfg.Stream.MaxStreamDuration,
		SweepInterval:        s.cfg.Stream.SweepInterval,
		MetricsInterval:      s.cfg.Stream.MetricsInterval,
		Buffer: stream.BufferConfig{
			MaxBytes:      s.cfg.Stream.Buffer.MaxBytes,
			MaxAge:        s.cfg.Stream.Buffer.MaxAge,
			FlushInterval: s.cfg.Stream.Buffer.FlushInterval,
			MaxFragments:  s.cfg.Stream.Buffer.MaxFragments,
		},
	}, s.logger, managerOpts...)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	streamOpts := []handlers.StreamHandlerOption{
		handlers.WithRateLimit(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
	}
	if s.snapshotStore != nil {
		streamOpts = append(streamOpts, handlers.WithSnapshots(s.snapshotStore))
	}

	s.streamHandler = handlers.NewStreamHandler(s.manager, newEchoProducer(s.logger), s.logger, streamOpts...)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.snapshotStore != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.snapshotStore.Ping))
	}
}

// initServers 构建路由与两个 HTTP 服务器
func (s *Server) initServers() {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 流 API 路由
	mux.HandleFunc("POST /v1/streams", s.streamHandler.HandleCreate)
	mux.HandleFunc("GET /v1/streams", s.streamHandler.HandleList)
	mux.HandleFunc("GET /v1/streams/ws", s.streamHandler.HandleCreateWS)
	mux.HandleFunc("GET /v1/streams/metrics", s.streamHandler.HandleMetrics)
	mux.HandleFunc("GET /v1/streams/{id}", s.streamHandler.HandleStats)
	mux.HandleFunc("DELETE /v1/streams/{id}", s.streamHandler.HandleCancel)

	// 中间件链
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	)

	s.apiServer = server.New("api", handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.metricsServer = server.New("metrics", metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// shutdownComponents 按依赖顺序关闭组件：先终止所有流，再断开外部连接。
func (s *Server) shutdownComponents() {
	s.logger.Info("Starting graceful shutdown...")

	if s.manager != nil {
		s.manager.Shutdown()
	}

	if s.snapshotStore != nil {
		if err := s.snapshotStore.Close(); err != nil {
			s.logger.Error("Snapshot store shutdown error", zap.Error(err))
		}
	}

	if s.otelProviders != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
