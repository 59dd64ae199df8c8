package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时。SSE 响应在连接寿命内持续写出，保持为 0 表示不限制；
	// 连接寿命由流注册表的过期扫描控制。
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server 封装一个 http.Server 的非阻塞启动与优雅关闭。
type Server struct {
	name   string
	srv    *http.Server
	config Config
	logger *zap.Logger
	errCh  chan error

	mu       sync.RWMutex
	listener net.Listener
	closed   bool
}

// New 创建服务器。name 用于日志区分（如 "api"、"metrics"）。
func New(name string, handler http.Handler, config Config, logger *zap.Logger) *Server {
	srv := &http.Server{
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Server{
		name:   name,
		srv:    srv,
		config: config,
		errCh:  make(chan error, 1),
		logger: logger.With(
			zap.String("component", "http_server"),
			zap.String("server", name),
		),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）。监听失败立即返回错误。
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("server %s is closed", s.name)
	}
	if s.listener != nil {
		return fmt.Errorf("server %s already started", s.name)
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.listener = listener
	s.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case s.errCh <- err:
		default:
		}
	}
}

// Run 启动服务器并阻塞到 ctx 取消或服务异常退出，随后优雅关闭。
// 适合挂在 errgroup 下运行。
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-s.errCh:
		return err
	}

	return s.Shutdown(context.Background())
}

// Shutdown 优雅关闭服务器，等待在途请求到配置的超时。幂等。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}

	s.listener = nil
	s.logger.Info("HTTP server stopped")
	return nil
}

// Errors 返回异步服务错误通道。
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址。未启动时返回配置地址；配置 ":0" 时
// 启动后返回内核分配的端口。
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// IsRunning 检查服务器是否运行中
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.closed
}
