// Package http provides the HTTP server implementation for the task runner.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/tasker/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server. It serves the public task
// API, the internal wake-up endpoint and, when m is set, Prometheus metrics.
func NewServer(svc *service.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)
	internalHandler := internalapi.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	internalHandler.RegisterRoutes(e)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return e
}
