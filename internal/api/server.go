// Package api is the HTTP surface: submission, progress, cancellation and
// the live progress stream. Handlers stay thin; all semantics live in the
// validator, planner and pool packages.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/strategy"
	"github.com/tradeforge/levscan/internal/validator"
	"github.com/tradeforge/levscan/internal/worker"
)

// Ledger is the execution-ledger surface the handlers need
type Ledger interface {
	CreateExecution(ctx context.Context, exec *ledger.Execution) error
	GetExecution(ctx context.Context, id string) (*ledger.Execution, error)
	ListRecent(ctx context.Context, filter ledger.ListFilter) ([]*ledger.Execution, error)
	Cancel(ctx context.Context, id string) (bool, error)
	RecordStep(ctx context.Context, step *ledger.Step) error
	AppendError(ctx context.Context, id string, serr ledger.StructuredError) error
	UpdateStatus(ctx context.Context, id string, status ledger.ExecutionStatus, progress *float64, currentOp *string) error
}

// Tasks is the analysis-store surface the handlers need
type Tasks interface {
	ListTasks(ctx context.Context, executionID string) ([]*store.Task, error)
	ListStrategies(ctx context.Context) ([]*strategy.Strategy, error)
	UpsertStrategy(ctx context.Context, s *strategy.Strategy) error
}

// SymbolValidator runs the early-fail battery
type SymbolValidator interface {
	Validate(ctx context.Context, symbol string) *validator.Result
}

// TaskPlanner expands an accepted execution into pending task rows
type TaskPlanner interface {
	Plan(ctx context.Context, exec *ledger.Execution, custom []*strategy.Strategy) ([]*store.Task, error)
}

// Runner drives an execution's tasks to completion; the handler launches it
// asynchronously after accepting the request
type Runner interface {
	Execute(ctx context.Context, exec *ledger.Execution, tasks []*store.Task, mode worker.AnalysisMode) error
}

// HealthCheck probes one dependency; name tags the health report entry
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config wires the server
type Config struct {
	Host         string
	Port         int
	Ledger       Ledger
	Tasks        Tasks
	Validator    SymbolValidator
	Planner      TaskPlanner
	Runner       Runner
	ProgressRoot string
	Health       []HealthCheck
	Middleware   []gin.HandlerFunc // optional, e.g. request metrics
	Logger       zerolog.Logger
}

// Server is the REST API server
type Server struct {
	router *gin.Engine
	cfg    Config
	addr   string
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and registers all routes
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(cfg.Logger))
	for _, mw := range cfg.Middleware {
		router.Use(mw)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		cfg:    cfg,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger: cfg.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/analyze", s.handleAnalyze)

		executions := v1.Group("/executions")
		{
			executions.GET("", s.handleListExecutions)
			executions.GET("/:id", s.handleGetExecution)
			executions.POST("/:id/cancel", s.handleCancelExecution)
		}

		v1.GET("/strategies", s.handleListStrategies)
		v1.GET("/strategies/export", s.handleExportStrategies)
		v1.POST("/strategies/import", s.handleImportStrategy)
	}

	s.router.GET("/ws/executions/:id", s.handleProgressStream)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Stop or a listener error
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

func loggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		evt := logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			evt.Str("errors", c.Errors.String())
		}
		evt.Msg("API request")
	}
}
