// Package internalapi provides HTTP handlers for internal task runner APIs.
// These APIs are only meant for components sharing the deployment, such as
// database triggers and capability gateways.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/tasker/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/notify", h.Notify)
}

// Notify wakes the processor after an external writer inserted work.
// POST /internal/notify
func (h *Handler) Notify(c echo.Context) error {
	h.service.Notify()
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}
