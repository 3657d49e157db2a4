package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"OpenMCP-Hub/internal/company"
	"OpenMCP-Hub/internal/engine"
	"OpenMCP-Hub/internal/hub"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/internal/storage/archive"
	"OpenMCP-Hub/pkg/logger"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	unmatched         = "unmatched"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	router     *chi.Mux
	hub        *hub.Hub
	supervisor *engine.Supervisor
	runner     *company.Runner
	history    archive.Repository
	logger     *slog.Logger
	origins    []string

	// 后台驱动的计划使用 baseCtx，Start 退出时取消。
	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 启用运行历史查询。
func WithHistory(repo archive.Repository) Option {
	return func(s *Server) { s.history = repo }
}

// WithAllowedOrigins 设置 CORS 允许的来源。
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, h *hub.Hub, sup *engine.Supervisor, runner *company.Runner, opts ...Option) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       addr,
		router:     chi.NewRouter(),
		hub:        h,
		supervisor: sup,
		runner:     runner,
		logger:     logger.Named("api"),
		origins:    []string{"*"},
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observe)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{id}", s.handleGetAgent)

		r.Get("/plans", s.handleListPlans)
		r.Post("/plans/{name}/runs", s.handleStartRun)

		r.Get("/objectives", s.handleListObjectives)
		r.Get("/objectives/{id}", s.handleGetObjective)
		r.Post("/objectives/{id}/next", s.handleNextStep)
		r.Delete("/objectives/{id}", s.handleCancelObjective)

		r.Get("/history", s.handleHistory)
	})
}

// Router 返回路由，便于测试直接挂到 httptest。
func (s *Server) Router() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务开始监听", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.Close()
		return ctx.Err()
	case err := <-errCh:
		s.Close()
		return err
	}
}

// Close 取消后台驱动的计划并等待其退出。
func (s *Server) Close() {
	s.cancelBase()
	s.background.Wait()
}

// observe 记录请求日志与指标，路径使用路由模板以控制基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := unmatched
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.ObserveHTTPRequest(r.Method, path, status, time.Since(start))
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
