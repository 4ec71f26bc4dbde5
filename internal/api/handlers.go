package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/metrics"
	"github.com/tradeforge/levscan/internal/strategy"
	"github.com/tradeforge/levscan/internal/validator"
	"github.com/tradeforge/levscan/internal/worker"
)

// analyzeRequest is the submission body. analysis_mode is mandatory: the
// backtest/realtime switch is never defaulted.
type analyzeRequest struct {
	Symbol              string               `json:"symbol" binding:"required"`
	Mode                string               `json:"mode" binding:"required"`
	AnalysisMode        string               `json:"analysis_mode" binding:"required"`
	SelectedStrategyIDs []int64              `json:"selected_strategy_ids,omitempty"`
	CustomStrategies    []*strategy.Strategy `json:"custom_strategies,omitempty"`
	FilterParams        *config.FilterParams `json:"filter_params,omitempty"`
	Period              *ledger.Period       `json:"period,omitempty"`
}

type analyzeAccepted struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type analyzeRejected struct {
	Error       string `json:"error"`
	Reason      string `json:"reason"`
	Suggestion  string `json:"suggestion,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// handleAnalyze accepts a symbol-onboarding request: early-fail validation
// first, then ledger row + task plan, then the pool is kicked off async.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode, err := ledger.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	analysisMode, err := worker.ParseAnalysisMode(req.AnalysisMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Period != nil {
		if err := req.Period.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	exec := &ledger.Execution{
		ID:                  ledger.NewExecutionID(now),
		Symbol:              req.Symbol,
		Mode:                mode,
		SelectedStrategyIDs: req.SelectedStrategyIDs,
		Status:              ledger.StatusPending,
		FilterParams:        req.FilterParams,
		Period:              req.Period,
		CreatedAt:           now,
	}

	result := s.cfg.Validator.Validate(ctx, req.Symbol)
	if !result.Passed {
		f := result.Failure
		exec.Status = ledger.StatusFailed
		exec.Errors = []ledger.StructuredError{{
			Kind:       "validation_error",
			Stage:      f.Step,
			Message:    string(f.Reason),
			Suggestion: f.Suggestion,
			OccurredAt: now,
		}}
		if err := s.cfg.Ledger.CreateExecution(ctx, exec); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.recordValidationSteps(ctx, exec.ID, result.Steps)
		metrics.ValidationFailures.WithLabelValues(string(f.Reason)).Inc()
		c.JSON(http.StatusUnprocessableEntity, analyzeRejected{
			Error:       fmt.Sprintf("validation failed at %s", f.Step),
			Reason:      string(f.Reason),
			Suggestion:  f.Suggestion,
			ExecutionID: exec.ID,
		})
		return
	}

	if err := s.cfg.Ledger.CreateExecution(ctx, exec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.recordValidationSteps(ctx, exec.ID, result.Steps)

	tasks, err := s.cfg.Planner.Plan(ctx, exec, req.CustomStrategies)
	if err != nil {
		s.failExecution(ctx, exec.ID, "task_planning", err)
		c.JSON(http.StatusBadRequest, analyzeRejected{
			Error:       err.Error(),
			Reason:      "task_planning_failed",
			ExecutionID: exec.ID,
		})
		return
	}

	// The request returns immediately; the pool owns the execution from here.
	go func() {
		if err := s.cfg.Runner.Execute(context.Background(), exec, tasks, analysisMode); err != nil {
			s.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution run failed")
		}
	}()

	metrics.ExecutionsStarted.WithLabelValues(string(mode)).Inc()
	c.JSON(http.StatusAccepted, analyzeAccepted{ExecutionID: exec.ID, Status: string(ledger.StatusPending)})
}

func (s *Server) recordValidationSteps(ctx context.Context, executionID string, steps []validator.StepResult) {
	for _, step := range steps {
		status := "passed"
		if !step.Passed {
			status = "failed"
		}
		err := s.cfg.Ledger.RecordStep(ctx, &ledger.Step{
			ExecutionID: executionID,
			Name:        step.Name,
			Status:      status,
			Detail:      step.Detail,
			StartedAt:   time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("step", step.Name).Msg("Failed to record validation step")
		}
	}
}

// failExecution settles an execution that never reached the pool
func (s *Server) failExecution(ctx context.Context, executionID, stage string, cause error) {
	s.logger.Error().Err(cause).Str("execution_id", executionID).Str("stage", stage).Msg("Execution setup failed")
	if err := s.cfg.Ledger.AppendError(ctx, executionID, ledger.StructuredError{
		Kind:       "insufficient_configuration",
		Stage:      stage,
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to append execution error")
	}
	op := stage + " failed"
	if err := s.cfg.Ledger.UpdateStatus(ctx, executionID, ledger.StatusFailed, nil, &op); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to fail execution")
	}
}

// handleGetExecution returns the ledger row plus its task list
func (s *Server) handleGetExecution(c *gin.Context) {
	id := c.Param("id")

	exec, err := s.cfg.Ledger.GetExecution(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	tasks, err := s.cfg.Tasks.ListTasks(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id":      exec.ID,
		"symbol":            exec.Symbol,
		"mode":              exec.Mode,
		"status":            exec.Status,
		"progress_percent":  exec.ProgressPercent,
		"current_operation": exec.CurrentOperation,
		"errors":            exec.Errors,
		"created_at":        exec.CreatedAt,
		"started_at":        exec.StartedAt,
		"completed_at":      exec.CompletedAt,
		"tasks":             tasks,
	})
}

// handleCancelExecution flips a live execution to cancelled; workers observe
// the flag at their next checkpoint
func (s *Server) handleCancelExecution(c *gin.Context) {
	id := c.Param("id")

	accepted, err := s.cfg.Ledger.Cancel(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// handleListExecutions returns recent ledger rows, newest first
func (s *Server) handleListExecutions(c *gin.Context) {
	filter := ledger.ListFilter{
		Symbol: c.Query("symbol"),
		Status: ledger.ExecutionStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		filter.Offset = offset
	}

	executions, err := s.cfg.Ledger.ListRecent(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

// handleListStrategies returns the strategy catalog
func (s *Server) handleListStrategies(c *gin.Context) {
	strategies, err := s.cfg.Tasks.ListStrategies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies, "count": len(strategies)})
}

// handleExportStrategies streams the whole catalog as a multi-document YAML
// file, one document per strategy, importable one by one
func (s *Server) handleExportStrategies(c *gin.Context) {
	strategies, err := s.cfg.Tasks.ListStrategies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	for _, st := range strategies {
		buf.WriteString("---\n")
		if err := strategy.Export(&buf, st, strategy.FormatYAML); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.Header("Content-Disposition", `attachment; filename="strategies.yaml"`)
	c.Data(http.StatusOK, "application/x-yaml", buf.Bytes())
}

// handleImportStrategy upserts one strategy from a YAML request body. The
// importer validates the schema version and the strategy before anything
// touches the catalog.
func (s *Server) handleImportStrategy(c *gin.Context) {
	st, err := strategy.Import(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Tasks.UpsertStrategy(c.Request.Context(), st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": st.ID, "strategy": st.Key()})
}

// handleHealth probes every registered dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	report := gin.H{}
	for _, check := range s.cfg.Health {
		if err := check.Probe(ctx); err != nil {
			healthy = false
			report[check.Name] = err.Error()
			continue
		}
		report[check.Name] = "ok"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": report})
}
