package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"AutoTip/internal/agent"
	"AutoTip/internal/auth"
	"AutoTip/internal/engine"
	"AutoTip/internal/event"
	"AutoTip/internal/execution"
	"AutoTip/internal/observability/metrics"
	"AutoTip/pkg/logger"
)

// AgentService 是 API 依赖的代理管理能力，agent.Service 满足该接口。
type AgentService interface {
	CreateAgent(ctx context.Context, ownerID string, in agent.CreateAgentInput) (*agent.Agent, error)
	Get(ctx context.Context, ownerID, id string) (*agent.Agent, error)
	List(ctx context.Context, opts ...agent.ListOption) ([]*agent.Agent, error)
	UpdateAgent(ctx context.Context, ownerID, id string, in agent.UpdateAgentInput) (*agent.Agent, error)
	DeleteAgent(ctx context.Context, ownerID, id string) error
	CreateRule(ctx context.Context, ownerID, agentID string, in agent.RuleInput) (*agent.Rule, error)
	UpdateRule(ctx context.Context, ownerID, agentID, ruleID string, patch agent.RulePatch) (*agent.Rule, error)
	DeleteRule(ctx context.Context, ownerID, agentID, ruleID string) error
}

// ExecutionService 是 API 依赖的执行查询能力，execution.Service 满足该接口。
type ExecutionService interface {
	Get(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, opts ...execution.ListOption) ([]*execution.Execution, error)
	Stats(ctx context.Context, opts ...execution.ListOption) (execution.Stats, error)
}

// EventDispatcher 将事件分发给活跃代理，engine.Dispatcher 满足该接口。
type EventDispatcher interface {
	HandleEvent(ctx context.Context, ev *event.Event) (*engine.Report, error)
}

// Config 控制 HTTP 服务。
type Config struct {
	Address        string   `json:"address" yaml:"address"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Server 负责暴露管理接口。
type Server struct {
	addr       string
	agents     AgentService
	executions ExecutionService
	events     EventDispatcher
	auth       *auth.Service
	router     *gin.Engine

	metricsHandler http.Handler
	httpMetrics    *metrics.HTTP
}

// Option 调整 Server。
type Option func(*Server)

// WithMetricsHandler 在 /metrics 暴露指标，未设置时不注册该路由。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时按 disabled 模式处理。
func NewServer(cfg Config, agents AgentService, executions ExecutionService, events EventDispatcher, authSvc *auth.Service, opts ...Option) *Server {
	if authSvc == nil {
		authSvc, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	s := &Server{
		addr:       cfg.Address,
		agents:     agents,
		executions: executions,
		events:     events,
		auth:       authSvc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	httpMetrics, err := metrics.NewHTTP(otel.Meter("autotip/api"))
	if err != nil {
		logger.Named("api").Warn("创建请求指标失败", slog.Any("error", err))
	}
	s.httpMetrics = httpMetrics
	s.router = s.routes(cfg)
	return s
}

// Handler 返回路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", auth.OwnerHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := r.Group("/api/v1", s.auth.Middleware())
	read := s.auth.Require(auth.PermissionAgentsRead)
	write := s.auth.Require(auth.PermissionAgentsWrite)

	v1.POST("/agents", write, s.createAgent)
	v1.GET("/agents", read, s.listAgents)
	v1.GET("/agents/:id", read, s.getAgent)
	v1.PATCH("/agents/:id", write, s.updateAgent)
	v1.DELETE("/agents/:id", write, s.deleteAgent)
	v1.POST("/agents/:id/rules", write, s.createRule)
	v1.PATCH("/agents/:id/rules/:ruleId", write, s.updateRule)
	v1.DELETE("/agents/:id/rules/:ruleId", write, s.deleteRule)
	v1.GET("/agents/:id/executions", read, s.listExecutions)
	v1.GET("/agents/:id/stats", read, s.agentStats)
	v1.GET("/executions/:id", read, s.getExecution)
	v1.POST("/events", s.auth.Require(auth.PermissionEventsDispatch), s.dispatchEvent)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个路由的请求数与耗时。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.httpMetrics.Observe(c.Request.Context(), route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
