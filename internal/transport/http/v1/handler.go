// Package v1 provides the public HTTP API of the task runner.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Task runs
	e.POST("/v1/task_runs", h.SubmitTaskRun)
	e.GET("/v1/task_runs/:task_run_id", h.GetTaskRun)
	e.GET("/v1/task_runs/:task_run_id/stack_runs", h.ListStackRuns)
	e.GET("/v1/task_runs/:task_run_id/events", h.GetTaskRunEvents)
	e.POST("/v1/task_runs/:task_run_id/cancel", h.CancelTaskRun)

	// Deferred capability results
	e.POST("/v1/stack_runs/:stack_run_id/result", h.SubmitStackRunResult)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownTask):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
