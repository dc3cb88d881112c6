package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/engine"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the engine operations as a JSON API.
type Server struct {
	engine *engine.Engine
	logger logrus.FieldLogger
	echo   *echo.Echo
}

type startRequest struct {
	DefinitionID string         `json:"definition_id"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	InitiatorID  string         `json:"initiator_id"`
	Context      models.Context `json:"context"`
}

type actionRequest struct {
	Action      string   `json:"action"`
	UserID      string   `json:"user_id"`
	Comments    string   `json:"comments"`
	Attachments []string `json:"attachments"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func NewServer(eng *engine.Engine, logger logrus.FieldLogger) *Server {
	s := &Server{engine: eng, logger: logger, echo: echo.New()}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.GET("/health", s.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(eng.Metrics().Registry(), promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	api.GET("/definitions", s.ListDefinitions)
	api.POST("/workflows", s.StartWorkflow)
	api.GET("/workflows/:id", s.GetStatus)
	api.GET("/workflows/:id/history", s.GetHistory)
	api.POST("/workflows/:id/actions", s.ProcessAction)
	api.POST("/workflows/:id/cancel", s.CancelWorkflow)
	api.GET("/approvals/pending", s.PendingApprovals)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Infof("Starting partnerflow server on %s", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Health reports liveness
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Definitions())
}

// StartWorkflow creates an instance
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.engine.StartWorkflow(c.Request().Context(), req.DefinitionID, req.EntityID, req.EntityType, req.InitiatorID, req.Context)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// (GET /api/v1/workflows/:id)
func (s *Server) GetStatus(c echo.Context) error {
	view, err := s.engine.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// (GET /api/v1/workflows/:id/history)
func (s *Server) GetHistory(c echo.Context) error {
	inst, err := s.engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	history := inst.History
	if history == nil {
		history = []models.AuditEvent{}
	}
	return c.JSON(http.StatusOK, history)
}

// ProcessAction records a user decision on the current step
// (POST /api/v1/workflows/:id/actions)
func (s *Server) ProcessAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.engine.ProcessAction(c.Request().Context(), c.Param("id"), req.Action, req.UserID, req.Comments, req.Attachments)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

// (POST /api/v1/workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.engine.CancelWorkflow(c.Request().Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

// (GET /api/v1/approvals/pending?user_id=)
func (s *Server) PendingApprovals(c echo.Context) error {
	pending, err := s.engine.GetPendingApprovals(c.Request().Context(), c.QueryParam("user_id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pending)
}

// toHTTPError maps the engine error taxonomy onto status codes.
func toHTTPError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrDefinitionNotFound), errors.Is(err, engine.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
