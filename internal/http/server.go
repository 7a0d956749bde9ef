// Package http exposes the integration workflow to build pipelines.
//
// Every endpoint names the workspace it acts on. Calls for the same
// workspace are serialised; different workspaces proceed in parallel.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"github.com/fyrsmithlabs/pretestd/internal/outcome"
	"github.com/fyrsmithlabs/pretestd/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Opener binds a workflow to a workspace. integration.Open is the
// production implementation.
type Opener func(workspace string) (*integration.Workflow, error)

// Server provides the pipeline HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	open    Opener
	logger  *logging.Logger
	config  *Config
	metrics *PipelineMetrics

	mu         sync.Mutex
	workspaces map[string]*workspace
}

// workspace serialises the calls for one workspace and caches its workflow,
// which tracks the session between calls.
type workspace struct {
	mu sync.Mutex
	wf *integration.Workflow
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// AllowedRoots restricts workspaces to these directories. Empty allows
	// any absolute path.
	AllowedRoots []string
}

// ConfigFromApp converts the server section of the application config.
func ConfigFromApp(c config.ServerConfig) *Config {
	return &Config{
		Host:         c.Host,
		Port:         c.Port,
		AllowedRoots: c.Workspaces,
	}
}

// NewServer creates a new HTTP server. tel may be nil.
func NewServer(open Opener, logger *logging.Logger, cfg *Config, tel *telemetry.Telemetry) (*Server, error) {
	if open == nil {
		return nil, fmt.Errorf("workflow opener cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqLogger := logger.With(zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			c.SetRequest(c.Request().WithContext(logging.WithLogger(c.Request().Context(), reqLogger)))

			err := next(c)
			if err != nil {
				c.Error(err)
				err = nil
			}

			reqLogger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(tel.Meter(httpInstrumentationName), logger).MetricsMiddleware())

	s := &Server{
		echo:       e,
		open:       open,
		logger:     logger,
		config:     cfg,
		metrics:    NewPipelineMetrics(),
		workspaces: make(map[string]*workspace),
	}
	s.registerRoutes()
	return s, nil
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Metrics returns the Prometheus pipeline metrics.
func (s *Server) Metrics() *PipelineMetrics {
	return s.metrics
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/pending", s.handlePending)
	v1.POST("/pop", s.handlePop)
	v1.POST("/prepare", s.handlePrepare)
	v1.POST("/finalize", s.handleFinalize)
	v1.POST("/cycle", s.handleCycle)
	v1.GET("/cursor", s.handleGetCursor)
	v1.PUT("/cursor", s.handleSetCursor)
	v1.GET("/status", s.handleStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handlePending(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		has, err := wf.HasPendingWork(ctx, ws)
		if err != nil {
			return s.fail(c, "pending", err)
		}
		return c.JSON(http.StatusOK, PendingResponse{Workspace: ws, Pending: has})
	})
}

func (s *Server) handlePop(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		change, ok, err := wf.PopNext(ctx, ws)
		if err != nil {
			return s.fail(c, "pop", err)
		}
		return c.JSON(http.StatusOK, PopResponse{Workspace: ws, Popped: ok, Change: change})
	})
}

func (s *Server) handlePrepare(c echo.Context) error {
	var req PrepareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Change == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "change field is required")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		if err := wf.Prepare(ctx, ws, req.Change); err != nil {
			return s.fail(c, "prepare", err)
		}
		return c.JSON(http.StatusOK, PrepareResponse{
			Workspace: ws,
			Change:    req.Change,
			State:     wf.State(ws).String(),
		})
	})
}

func (s *Server) handleFinalize(c echo.Context) error {
	var req FinalizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if (req.Outcome == "") == (req.Result == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of outcome or result is required")
	}

	var (
		o   outcome.Outcome
		r   outcome.Result
		err error
	)
	if req.Outcome != "" {
		o, err = outcome.ParseOutcome(req.Outcome)
	} else {
		r, err = outcome.ParseResult(req.Result)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		var (
			state integration.State
			err   error
		)
		if req.Result != "" {
			state, err = wf.FinalizeResult(ctx, ws, r)
		} else {
			state, err = wf.Finalize(ctx, ws, o)
		}
		if err != nil {
			return s.fail(c, "finalize", err)
		}
		s.metrics.FinalizedTotal.WithLabelValues(state.String()).Inc()
		return c.JSON(http.StatusOK, FinalizeResponse{Workspace: ws, State: state.String()})
	})
}

func (s *Server) handleCycle(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		res := wf.Cycle(ctx, ws)
		s.metrics.ObserveCycle(res)

		resp := CycleResponse{
			Workspace: ws,
			Result:    res.Kind.String(),
			Change:    res.Change,
			RunID:     res.RunID,
		}
		if res.Kind != integration.ResultFailure {
			return c.JSON(http.StatusOK, resp)
		}

		resp.Kind = res.FailureKind().String()
		resp.Error = res.Err.Error()
		return c.JSON(statusFor(res.Err), resp)
	})
}

func (s *Server) handleGetCursor(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		id, err := wf.Cursor(ws)
		if err != nil {
			return s.fail(c, "cursor", err)
		}
		return c.JSON(http.StatusOK, CursorResponse{Workspace: ws, Cursor: id, Path: wf.CursorPath(ws)})
	})
}

func (s *Server) handleSetCursor(c echo.Context) error {
	var req CursorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Cursor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cursor field is required")
	}
	if strings.ContainsAny(req.Cursor, "\r\n") {
		return echo.NewHTTPError(http.StatusBadRequest, "cursor must be a single line")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		if err := wf.SetCursor(ctx, ws, req.Cursor); err != nil {
			return s.fail(c, "cursor", err)
		}
		return c.JSON(http.StatusOK, CursorResponse{Workspace: ws, Cursor: req.Cursor, Path: wf.CursorPath(ws)})
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	var req WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}
	return s.withWorkflow(c, req.Workspace, func(ctx context.Context, ws string, wf *integration.Workflow) error {
		id, err := wf.Cursor(ws)
		if err != nil {
			return s.fail(c, "status", err)
		}
		n := CountCandidates(ctx, wf, ws)
		if n >= 0 {
			s.metrics.Candidates.WithLabelValues(ws).Set(float64(n))
		}
		return c.JSON(http.StatusOK, StatusResponse{
			Workspace:  ws,
			VCS:        wf.Kind(),
			Branch:     wf.Branch(),
			State:      wf.State(ws).String(),
			Cursor:     id,
			Candidates: n,
		})
	})
}

// Cycle runs an integration cycle for workspace under the same lock as the
// API endpoints, for triggers other than HTTP clients.
func (s *Server) Cycle(ctx context.Context, raw string) integration.Result {
	ws, err := s.resolve(raw)
	if err != nil {
		return integration.Result{
			Kind: integration.ResultFailure,
			Err:  &integration.Error{Kind: integration.KindConfiguration, Op: "cycle", Err: err},
		}
	}
	w, err := s.workspace(ws)
	if err != nil {
		return integration.Result{Kind: integration.ResultFailure, Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	res := w.wf.Cycle(logging.WithWorkspace(ctx, ws), ws)
	s.metrics.ObserveCycle(res)
	return res
}

// withWorkflow validates the workspace, opens its workflow on first use
// and runs fn while holding the workspace lock.
func (s *Server) withWorkflow(c echo.Context, raw string, fn func(ctx context.Context, ws string, wf *integration.Workflow) error) error {
	ws, err := s.resolve(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	w, err := s.workspace(ws)
	if err != nil {
		return s.fail(c, "open", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(logging.WithWorkspace(c.Request().Context(), ws), ws, w.wf)
}

func (s *Server) workspace(ws string) (*workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workspaces[ws]; ok {
		return w, nil
	}
	wf, err := s.open(ws)
	if err != nil {
		return nil, err
	}
	w := &workspace{wf: wf}
	s.workspaces[ws] = w
	return w, nil
}

// resolve cleans the workspace path and checks it against the allowed roots.
func (s *Server) resolve(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("workspace field is required")
	}
	if !filepath.IsAbs(raw) {
		return "", fmt.Errorf("workspace must be an absolute path: %s", raw)
	}
	ws := realPath(raw)
	if len(s.config.AllowedRoots) == 0 {
		return ws, nil
	}
	for _, root := range s.config.AllowedRoots {
		rel, err := filepath.Rel(realPath(root), ws)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return ws, nil
		}
	}
	return "", fmt.Errorf("workspace outside allowed roots: %s", ws)
}

// realPath cleans p and resolves symlinks in its longest existing prefix,
// so a link under an allowed root cannot point outside it. The missing
// tail, if any, is appended unchanged.
func realPath(p string) string {
	p = filepath.Clean(p)
	var tail []string
	for dir := p; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		if filepath.Dir(dir) == dir {
			return p
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
	}
}

// fail writes a workflow error with the status matching its kind.
func (s *Server) fail(c echo.Context, op string, err error) error {
	s.metrics.ObserveError(op, err)

	resp := ErrorResponse{Error: err.Error(), Kind: integration.KindOf(err).String()}
	var werr *integration.Error
	if errors.As(err, &werr) {
		resp.Op = werr.Op
	}

	status := statusFor(err)
	ctx := c.Request().Context()
	logger := logging.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error(ctx, op+" failed", zap.Error(err))
	} else {
		logger.Warn(ctx, op+" rejected", zap.Error(err))
	}
	return c.JSON(status, resp)
}

func statusFor(err error) int {
	switch integration.KindOf(err) {
	case integration.KindMergeConflict, integration.KindInvalidTransition:
		return http.StatusConflict
	case integration.KindConfiguration:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
