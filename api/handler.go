// Package api provides HTTP handlers for the benchmark engine.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fixbench/orchestrator/config"
	"github.com/fixbench/orchestrator/coordinator"
	"github.com/fixbench/orchestrator/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store       store.Store
	coordinator *coordinator.Coordinator
	config      *config.Config
}

// NewHandler creates a new handler.
func NewHandler(store store.Store, coord *coordinator.Coordinator, config *config.Config) *Handler {
	return &Handler{
		store:       store,
		coordinator: coord,
		config:      config,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/benchmark", h.TriggerBenchmark)
	e.GET("/v1/benchmark/estimate", h.EstimateBenchmark)

	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
