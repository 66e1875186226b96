// Package api provides the JSON HTTP interface to the detection engine.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/takeoffworks/autocount/internal/conf"
	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/logging"
	"github.com/takeoffworks/autocount/internal/observability"
)

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	Service  *detect.Service
	DS       datastore.Interface
	Settings *conf.Settings
	Metrics  *observability.Metrics

	logger    *slog.Logger
	startTime time.Time
}

// New creates the API controller and registers all routes on a fresh echo
// instance.
func New(service *detect.Service, ds datastore.Interface, settings *conf.Settings, m *observability.Metrics) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	c := &Controller{
		Echo:      e,
		Service:   service,
		DS:        ds,
		Settings:  settings,
		Metrics:   m,
		logger:    logging.ForService("api"),
		startTime: time.Now(),
	}
	c.Group = e.Group("/api/v1")

	c.initDetectionRoutes()
	c.initSystemRoutes()
	return c
}

// Start begins serving on the configured address and blocks.
func (c *Controller) Start() error {
	return c.Echo.Start(c.Settings.WebServer.Address)
}

// initSystemRoutes registers the health and metrics endpoints outside the
// versioned API group.
func (c *Controller) initSystemRoutes() {
	c.Echo.GET("/healthz", c.Health)
	if c.Metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.Metrics.Handler()))
	}
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health reports liveness.
func (c *Controller) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	})
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// HandleError logs err and writes the uniform error payload with a status
// code derived from the error category: validation maps to 400, not-found to
// 404, state conflicts to 409 and everything else to 500.
func (c *Controller) HandleError(ctx echo.Context, err error, message string) error {
	code := statusForError(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.New().String()[:8],
	}

	c.logger.Error("request failed",
		"correlation_id", resp.CorrelationID,
		"message", message,
		"error", err,
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP(),
	)
	return ctx.JSON(code, resp)
}

func statusForError(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parseID reads a positive integer path parameter.
func parseID(ctx echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.ValidationError(fmt.Sprintf("invalid %s", name))
	}
	return uint(id), nil
}
