// Package server is the external interface of the runtime: the JSON API,
// the SSE log stream, the Prometheus endpoint, and the /ws event socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbiter/internal/approval"
	"arbiter/internal/budget"
	"arbiter/internal/interrupt"
	"arbiter/internal/logging"
	"arbiter/internal/memory"
	"arbiter/internal/orchestrator"
	"arbiter/internal/skills"
)

// Config sizes the HTTP listener.
type Config struct {
	Host       string
	Port       int
	EnableCORS bool
	Debug      bool

	// Model is the display name reported by /api/status.
	Model string
	// AgentID and CompanyID identify tasks submitted through this surface.
	AgentID   string
	CompanyID string
}

// Deps are the engines the API surfaces.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Interrupts   *interrupt.Store
	Budget       *budget.Engine
	Gate         *approval.Gate
	Memory       *memory.Store
	Skills       *skills.Registry
	LogRing      *logging.Ring
	Registry     prometheus.Gatherer
	// Shutdown schedules a graceful process stop; wired by the bootstrap.
	Shutdown func()
	Logger   logging.Logger
}

// Server owns the gin engine and the websocket upgrader.
type Server struct {
	cfg        Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
	logger     logging.Logger
}

// New assembles the routes.
func New(cfg Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		logger:    logging.OrNop(deps.Logger),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WS hold the connection open
	}
	s.setupRoutes()
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	if s.deps.Registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/stop", s.handleStop)
		api.POST("/tasks", s.handleSubmitTasks)
		api.POST("/tasks/:id/stop", s.handleTaskStop)
		api.POST("/tasks/:id/resume", s.handleTaskResume)
		api.GET("/tasks/:id", s.handleTaskGet)
		api.GET("/approvals", s.handleApprovalsPending)
		api.POST("/approvals/:id/resolve", s.handleApprovalResolve)

		api.GET("/memory", s.handleMemoryQuery)
		api.POST("/memory", s.handleMemoryAdd)
		api.GET("/memory/:id", s.handleMemoryGet)
		api.DELETE("/memory/:id", s.handleMemoryDelete)

		api.GET("/skills", s.handleSkillsList)
		api.POST("/skills/install", s.handleSkillInstall)
		api.POST("/skills/:name/enable", s.handleSkillEnable)
		api.POST("/skills/:name/disable", s.handleSkillDisable)
		api.DELETE("/skills/:name", s.handleSkillRemove)

		api.GET("/logs", s.handleLogs)
		api.GET("/logs/stream", s.handleLogStream)
	}

	s.engine.GET("/ws", s.handleWebSocket)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
