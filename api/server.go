// Package api exposes the onboarding collaborators over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/approval"
	"github.com/DyNATgIT/ARK/dispatch"
	"github.com/DyNATgIT/ARK/storage"
	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

// Server holds the dependencies for the API server.
type Server struct {
	Store      storage.Storage
	Dispatcher dispatch.Dispatcher
	Approvals  *approval.Service
	Registry   *worker.Registry
	Logger     logrus.FieldLogger
	Version    string
}

// StartRequest is the body of POST /api/v1/onboarding.
type StartRequest struct {
	CustomerID   string         `json:"customer_id"`
	CustomerData map[string]any `json:"customer_data"`
	Context      map[string]any `json:"context"`
}

// Response wraps a single payload.
type Response struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

// Page is a paginated listing.
type Page struct {
	Items      []types.WorkflowRecord `json:"items"`
	Total      int                    `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	TotalPages int                    `json:"total_pages"`
}

// Detail is a record with its checkpoints.
type Detail struct {
	types.WorkflowRecord
	Checkpoints []types.Checkpoint `json:"checkpoints"`
}

// Stats summarizes records by status.
type Stats struct {
	Total    int                  `json:"total"`
	Active   int                  `json:"active"`
	ByStatus map[types.Status]int `json:"by_status"`
}

// WorkerInfo describes one registered capability.
type WorkerInfo struct {
	Capability  string   `json:"capability"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

// New builds an echo instance with the onboarding routes mounted.
func New(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger().WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Info("http_request")
			return nil
		},
	}))
	s.Routes(e)
	return e
}

// Routes registers the handlers on e.
func (s *Server) Routes(e *echo.Echo) {
	e.GET("/health", s.Health)

	g := e.Group("/api/v1")
	g.POST("/onboarding", s.StartOnboarding)
	g.GET("/onboarding", s.ListOnboardings)
	g.GET("/onboarding/stats", s.GetStats)
	g.GET("/onboarding/:id", s.GetOnboarding)
	g.POST("/onboarding/:id/approve", s.Approve)
	g.POST("/onboarding/:id/cancel", s.Cancel)
	g.GET("/workers", s.ListWorkers)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// Health reports liveness
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.Version,
		"workers": s.Registry.List(),
	})
}

// StartOnboarding creates a workflow and submits it for execution
// (POST /api/v1/onboarding)
func (s *Server) StartOnboarding(c echo.Context) error {
	ctx := c.Request().Context()

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(req.CustomerData) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "customer_data is required")
	}
	if req.CustomerID == "" {
		req.CustomerID = uuid.NewString()
	}

	active, err := s.Store.ListRecords(ctx, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, rec := range active {
		if rec.CustomerID == req.CustomerID && rec.Status.IsActive() {
			return echo.NewHTTPError(http.StatusConflict, "Customer already has an active onboarding workflow")
		}
	}

	state := types.NewInitialState(req.CustomerID, uuid.NewString(), req.CustomerData)
	for k, v := range req.Context {
		state.Context[k] = v
	}

	rec := types.RecordFromState(state, types.StatusPending, time.Now())
	if err := s.Store.SaveRecord(ctx, rec); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save workflow: "+err.Error())
	}
	if err := s.Dispatcher.Submit(ctx, dispatch.Job{Kind: dispatch.KindStart, State: state}); err != nil {
		rec.Status = types.StatusFailed
		rec.Error = err.Error()
		if serr := s.Store.SaveRecord(context.WithoutCancel(ctx), rec); serr != nil {
			s.logger().WithError(serr).WithField("workflow_id", rec.WorkflowID).Error("record_update_failed")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to submit workflow: "+err.Error())
	}

	return c.JSON(http.StatusCreated, Response{Message: "Onboarding workflow started", Data: rec})
}

// ListOnboardings returns records newest first
// (GET /api/v1/onboarding?status=&page=&page_size=)
func (s *Server) ListOnboardings(c echo.Context) error {
	page := queryInt(c, "page", 1, 1, 1<<30)
	size := queryInt(c, "page_size", 20, 1, 100)

	recs, err := s.Store.ListRecords(c.Request().Context(), types.Status(c.QueryParam("status")))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	total := len(recs)
	start := min((page-1)*size, total)
	end := min(start+size, total)
	return c.JSON(http.StatusOK, Page{
		Items:      recs[start:end],
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: (total + size - 1) / size,
	})
}

// GetStats counts records per status
// (GET /api/v1/onboarding/stats)
func (s *Server) GetStats(c echo.Context) error {
	recs, err := s.Store.ListRecords(c.Request().Context(), "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stats := Stats{Total: len(recs), ByStatus: map[types.Status]int{}}
	for _, rec := range recs {
		stats.ByStatus[rec.Status]++
		if rec.Status.IsActive() {
			stats.Active++
		}
	}
	return c.JSON(http.StatusOK, stats)
}

// GetOnboarding returns a record and its checkpoints
// (GET /api/v1/onboarding/:id)
func (s *Server) GetOnboarding(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	rec, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return httpError(err)
	}
	cps, err := s.Store.ListCheckpoints(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, Response{Data: Detail{WorkflowRecord: rec, Checkpoints: cps}})
}

// Approve records a review decision
// (POST /api/v1/onboarding/:id/approve)
func (s *Server) Approve(c echo.Context) error {
	var d approval.Decision
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	rec, err := s.Approvals.Decide(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return httpError(err)
	}
	msg := "Workflow rejected"
	if d.Approved {
		msg = "Workflow approved and resumed"
	}
	return c.JSON(http.StatusOK, Response{Message: msg, Data: rec})
}

// Cancel stops an active workflow
// (POST /api/v1/onboarding/:id/cancel)
func (s *Server) Cancel(c echo.Context) error {
	rec, err := s.Approvals.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, Response{Message: "Workflow cancelled", Data: rec})
}

// ListWorkers describes every registered capability and its tools
// (GET /api/v1/workers)
func (s *Server) ListWorkers(c echo.Context) error {
	ctx := c.Request().Context()
	var out []WorkerInfo
	for _, name := range s.Registry.List() {
		w, ok := s.Registry.Create(name, worker.Config{"logger": s.logger()})
		if !ok {
			continue
		}
		if err := w.Initialize(ctx); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		info := WorkerInfo{Capability: name, Name: w.Name(), Tools: []string{}}
		if d, ok := w.(interface{ Description() string }); ok {
			info.Description = d.Description()
		}
		for _, t := range w.Tools() {
			info.Tools = append(info.Tools, t.Name)
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, out)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, storage.ErrWorkflowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotAwaitingApproval), errors.Is(err, approval.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func queryInt(c echo.Context, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return max(lo, min(v, hi))
}
