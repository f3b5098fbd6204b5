package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fixbench/orchestrator/coordinator"
)

// TriggerBenchmark starts a benchmark run.
// POST /v1/benchmark
func (h *Handler) TriggerBenchmark(c echo.Context) error {
	var req coordinator.TriggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Repo == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "repo is required"})
	}

	result, err := h.coordinator.Trigger(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoFindings) || errors.Is(err, coordinator.ErrNoTools) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to trigger benchmark: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to trigger benchmark"})
	}

	return c.JSON(http.StatusAccepted, result)
}

// EstimateBenchmark projects per-tool costs without starting a run.
// GET /v1/benchmark/estimate?repo=...&scan_id=...&tools=a,b&severities=high
func (h *Handler) EstimateBenchmark(c echo.Context) error {
	repo := c.QueryParam("repo")
	if repo == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "repo is required"})
	}

	estimates, err := h.coordinator.Estimate(
		c.Request().Context(),
		repo,
		c.QueryParam("scan_id"),
		splitParam(c.QueryParam("tools")),
		splitParam(c.QueryParam("severities")),
	)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoFindings) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to estimate benchmark: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to estimate benchmark"})
	}

	total := 0.0
	for _, est := range estimates {
		total += est.TotalCostUSD
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"repo":           repo,
		"estimates":      estimates,
		"total_cost_usd": total,
	})
}

func splitParam(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
