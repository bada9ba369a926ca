// Package server exposes the master's HTTP surface: hire and chat
// entrypoints, read-only task and marketplace queries, a websocket
// stream of lifecycle transitions and the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"econos/internal/capability"
	"econos/internal/directory"
	econoserrors "econos/internal/errors"
	"econos/internal/lifecycle"
	"econos/internal/logging"
	"econos/internal/observability"
	"econos/internal/orchestrator"
	"econos/internal/planner"
	"econos/internal/task"
)

// Executor runs plans. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, plan *planner.ExecutionPlan, opts orchestrator.ExecuteOptions) (*orchestrator.PipelineResult, error)
}

// PlanService turns natural-language requests into plans.
// *planner.Planner satisfies it.
type PlanService interface {
	Plan(ctx context.Context, request string, opts planner.Options) (*planner.ExecutionPlan, error)
}

// Marketplace answers discovery queries. *capability.Index satisfies it.
type Marketplace interface {
	Discover(ctx context.Context) *capability.Summary
	Workers() []capability.WorkerView
}

// EventSource streams lifecycle transitions. *lifecycle.Monitor
// satisfies it.
type EventSource interface {
	Subscribe() (<-chan lifecycle.Event, func())
}

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8400".
	Addr string
	// AllowOrigins is the CORS allow list; empty allows all origins.
	AllowOrigins []string
	// ReadTimeout/WriteTimeout bound the http.Server. Writes stay long
	// because /chat executes whole pipelines synchronously.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// DefaultDurationSeconds is used when a hire request carries none.
	DefaultDurationSeconds int64
}

// Server is the gin HTTP front.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	http     *http.Server
	manager  *task.Manager
	executor Executor
	plans    *planRegistry
	planner  PlanService
	market   Marketplace
	events   EventSource
	metrics  *observability.MetricsCollector
	logger   logging.Logger
}

// New wires the routes. planner, market, events and metrics may be nil;
// the corresponding endpoints then answer 503.
func New(cfg Config, manager *task.Manager, executor Executor, planService PlanService, market Marketplace, events EventSource, metrics *observability.MetricsCollector, logger logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8400"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Minute
	}
	if cfg.DefaultDurationSeconds <= 0 {
		cfg.DefaultDurationSeconds = task.MinDurationSeconds
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsCfg))

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		manager:  manager,
		executor: executor,
		plans:    newPlanRegistry(256),
		planner:  planService,
		market:   market,
		events:   events,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/hire", s.handleHire)
	s.engine.POST("/chat", s.handleChat)

	api := s.engine.Group("/api")
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/capabilities", s.handleCapabilities)
	api.GET("/workers", s.handleWorkers)
	api.GET("/plans/:id", s.handleGetPlan)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	if s.events != nil {
		s.engine.GET("/ws/events", s.handleEventStream)
	}
}

// Router exposes the engine for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HireRequest is the direct single-service entrypoint.
type HireRequest struct {
	TaskType        string         `json:"taskType"`
	Params          map[string]any `json:"params"`
	BudgetEther     string         `json:"budgetEther"`
	DurationSeconds int64          `json:"durationSeconds"`
	Strategy        string         `json:"strategy"`
	WorkerAddress   string         `json:"workerAddress"`
}

func (s *Server) handleHire(c *gin.Context) {
	var req HireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, econoserrors.NewValidationError("body", err.Error()))
		return
	}
	if !task.IsValidType(task.TaskType(req.TaskType)) {
		s.fail(c, econoserrors.NewValidationError("taskType", "unsupported task type "+req.TaskType))
		return
	}
	budget, err := EtherToWei(req.BudgetEther)
	if err != nil {
		s.fail(c, err)
		return
	}
	strategy, err := directory.ParseStrategy(req.Strategy)
	if err != nil {
		s.fail(c, econoserrors.NewValidationError("strategy", err.Error()))
		return
	}
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = s.cfg.DefaultDurationSeconds
	}

	plan := planner.SingleStep(req.TaskType, req.Params, nil)
	s.plans.put(plan)

	result, err := s.executor.Execute(c.Request.Context(), plan, orchestrator.ExecuteOptions{
		DurationSeconds: duration,
		Strategy:        strategy,
		DirectAddress:   req.WorkerAddress,
		StepBudgetWei:   budget,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"planId": plan.ID, "result": result})
}

// ChatRequest is the natural-language pipeline entrypoint.
type ChatRequest struct {
	Message        string `json:"message"`
	MaxBudgetEther string `json:"maxBudgetEther"`
}

func (s *Server) handleChat(c *gin.Context) {
	if s.planner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no planner configured"})
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, econoserrors.NewValidationError("body", err.Error()))
		return
	}
	if req.Message == "" {
		s.fail(c, econoserrors.NewValidationError("message", "is required"))
		return
	}
	maxBudget, err := EtherToWei(req.MaxBudgetEther)
	if err != nil {
		s.fail(c, err)
		return
	}

	plan, err := s.planner.Plan(c.Request.Context(), req.Message, planner.Options{
		MaxBudgetWei: maxBudget,
		DirectParams: map[string]any{"request": req.Message},
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.plans.put(plan)

	result, err := s.executor.Execute(c.Request.Context(), plan, orchestrator.ExecuteOptions{
		DurationSeconds: s.cfg.DefaultDurationSeconds,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan, "result": result})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, err := task.ParseTaskID(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	t, err := s.manager.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	if raw := c.Query("status"); raw != "" {
		status, err := task.ParseStatus(raw)
		if err != nil {
			s.fail(c, econoserrors.NewValidationError("status", err.Error()))
			return
		}
		tasks, err := s.manager.GetByStatus(ctx, status)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
		return
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := s.manager.List(ctx, offset, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCapabilities(c *gin.Context) {
	if s.market == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no capability index configured"})
		return
	}
	c.JSON(http.StatusOK, s.market.Discover(c.Request.Context()))
}

func (s *Server) handleWorkers(c *gin.Context) {
	if s.market == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no capability index configured"})
		return
	}
	workers := s.market.Workers()
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, ok := s.plans.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
		return
	}
	c.JSON(http.StatusOK, plan)
}

// fail renders a domain error with the status its kind implies.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, task.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		switch econoserrors.KindOf(err) {
		case econoserrors.KindValidation:
			status = http.StatusBadRequest
		case econoserrors.KindResource:
			status = http.StatusServiceUnavailable
		case econoserrors.KindChain, econoserrors.KindWorker:
			status = http.StatusBadGateway
		case econoserrors.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	if status >= 500 {
		s.logger.Error("request failed: path=%s status=%d err=%v", c.FullPath(), status, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(econoserrors.KindOf(err))})
}
