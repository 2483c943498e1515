package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/config"
	"github.com/qiuyier/ledger-sync/internal/logger"
)

// ReadinessGate 首次汇率同步是否完成
type ReadinessGate interface {
	Fired() bool
}

// HealthChecker broker 等依赖的健康检查
type HealthChecker interface {
	HealthCheck() error
}

// Deps 可选依赖为 nil 时对应路由不注册或检查跳过
type Deps struct {
	Gate     ReadinessGate
	Broker   HealthChecker
	Database func(ctx context.Context) error

	Classifications *ClassificationHandler
	WebSocket       http.Handler
	Metrics         http.Handler
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	logger *zap.Logger
}

func New(cfg config.ServerConfig, deps Deps, log *zap.Logger) *Server {
	log = log.Named("http")

	engine := gin.New()
	engine.Use(logger.Recovery(log), logger.GinMiddleware(log))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		logger: log,
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	health := s.engine.Group("/health")
	health.GET("/live", s.live)
	health.GET("/ready", s.ready)

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
	if s.deps.Classifications != nil {
		s.engine.POST("/internal/classifications", s.deps.Classifications.Request)
	}
}

// Handler 返回路由，供测试使用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 阻塞直到 ctx 取消后优雅关闭，或监听失败
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server exited gracefully")
	return nil
}

func (s *Server) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"time":   time.Now().Format(time.RFC3339),
		"broker": componentState(s.brokerErr()),
	})
}

// ready 首次同步完成且 broker 连接可用时返回 200
func (s *Server) ready(c *gin.Context) {
	ratesReady := s.deps.Gate != nil && s.deps.Gate.Fired()
	brokerErr := s.brokerErr()

	var dbErr error
	if s.deps.Database != nil {
		dbErr = s.deps.Database(c.Request.Context())
	}

	rates := "pending"
	if ratesReady {
		rates = "synced"
	}

	body := gin.H{
		"time":     time.Now().Format(time.RFC3339),
		"rates":    rates,
		"broker":   componentState(brokerErr),
		"database": componentState(dbErr),
	}

	if !ratesReady || brokerErr != nil || dbErr != nil {
		body["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	body["status"] = "ready"
	c.JSON(http.StatusOK, body)
}

func (s *Server) brokerErr() error {
	if s.deps.Broker == nil {
		return errors.New("broker not configured")
	}
	return s.deps.Broker.HealthCheck()
}

func componentState(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
