package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"cronix/internal/eventbus"
	"cronix/internal/notifier"
	rtsup "cronix/internal/runtime/supervisor"
	"cronix/internal/storage"
	"cronix/internal/task/engine"
	logx "cronix/pkg/logx"
)

// Engine is the scheduler surface the API drives.
type Engine interface {
	RunNow(ctx context.Context, taskID int64) (bool, error)
	Cancel(ctx context.Context, taskID int64) bool
	ListRunning() []int64
	Running() []engine.RunningInfo
}

// Notifier sends test messages and exposes recent deliveries.
type Notifier interface {
	SendTest(ctx context.Context, targetID int64) error
	Snapshot() []notifier.HistoryItem
}

// CronClock validates and previews cron expressions.
type CronClock interface {
	Validate(expr string) error
	Next(expr string, t time.Time) (time.Time, error)
	NextN(expr string, t time.Time, n int) ([]time.Time, error)
}

type Config struct {
	Addr            string
	Token           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// ScriptRunTimeout bounds POST /api/scripts/run when the request sets none.
	ScriptRunTimeout time.Duration

	// Pprof mounts /debug/pprof behind the same auth as /api.
	Pprof        bool
	ProfileRates ProfileRates
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	// WriteTimeout stays 0 unless set; the event stream is long-lived.
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ScriptRunTimeout <= 0 {
		c.ScriptRunTimeout = 300 * time.Second
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Engine   Engine
	Notifier Notifier // optional
	Cron     CronClock
	Bus      eventbus.Bus  // optional; /api/events is 503 without it
	Scripts  ScriptLibrary // optional; /api/scripts is not mounted without it
	// Health returns extra fields merged into GET /api/health.
	Health func() map[string]any
	Log    logx.Logger
	Now    func() time.Time
}

// Server is the operator HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *gin.Engine
	hub    *Hub

	mu   sync.Mutex
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "http")),
	}
	s.hub = NewHub(deps.Bus, s.log)
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func init() { gin.SetMode(gin.ReleaseMode) }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.log, "/api/health", "/api/events"))
	router.Use(recovery(s.log))
	router.Use(cors())

	api := router.Group("/api")
	api.GET("/health", s.health)

	protected := api.Group("")
	protected.Use(authMiddleware(s.cfg.Token))
	{
		protected.GET("/tasks", s.listTasks)
		protected.POST("/tasks", s.createTask)
		protected.GET("/tasks/running", s.listRunning)
		protected.GET("/tasks/:id", s.getTask)
		protected.PUT("/tasks/:id", s.updateTask)
		protected.DELETE("/tasks/:id", s.deleteTask)
		protected.POST("/tasks/:id/run", s.runTask)
		protected.POST("/tasks/:id/cancel", s.cancelTask)
		protected.GET("/tasks/:id/executions", s.taskExecutions)

		protected.GET("/executions", s.listExecutions)
		protected.GET("/executions/:id", s.getExecution)

		protected.GET("/notifications", s.listTargets)
		protected.POST("/notifications", s.createTarget)
		protected.GET("/notifications/history", s.notificationHistory)
		protected.PUT("/notifications/:id", s.updateTarget)
		protected.DELETE("/notifications/:id", s.deleteTarget)
		protected.POST("/notifications/:id/test", s.testTarget)

		protected.GET("/stats/summary", s.stats)
		protected.GET("/stats/tasks/summary", s.stats)
		protected.GET("/cron/preview", s.cronPreview)

		protected.GET("/events", s.hub.Handle)

		if s.deps.Scripts != nil {
			s.mountScripts(protected)
		}
	}

	if s.cfg.Pprof {
		debug := router.Group("")
		debug.Use(authMiddleware(s.cfg.Token))
		mountPprof(debug, s.cfg.ProfileRates)
	}

	router.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, "Not found") })
	return router
}

// Start binds the listener and serves in the background. A bind error is
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.srv, s.sup, s.addr = srv, sup, ln.Addr().String()

	sup.GoRestart("events.hub", s.hub.Run, rtsup.WithPublishFirstError(true))
	sup.Go("serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
			return err
		}
		return nil
	})
	s.log.Info("http api listening", logx.String("addr", s.addr), logx.Bool("auth", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop drains in-flight requests, then closes websocket clients.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	if err := sup.Stop(sctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("http workers stop", logx.Err(err))
	}
	s.log.Info("http api stopped")
}
