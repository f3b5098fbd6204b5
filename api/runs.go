package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/store"
)

// RunDetail is the full run view: the run row, per-tool statuses, the
// wall-clock duration so far, and the replay-ordered event log. Historical
// and live reads share this projection; a live run simply has a partial log
// and no ended_at yet.
type RunDetail struct {
	domain.Run
	ToolStatuses    map[string]domain.ToolStatus `json:"tool_statuses"`
	TotalDurationMs int64                        `json:"total_duration_ms"`
	Events          []domain.Event               `json:"events"`
}

// ListRuns lists runs, optionally filtered by repo.
// GET /v1/runs?repo=...
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.store.ListRuns(c.Request().Context(), c.QueryParam("repo"))
	if err != nil {
		log.Printf("ERROR: failed to list runs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns one run with per-tool statuses.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	statuses, err := h.store.GetToolStatuses(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to get tool statuses: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get tool statuses"})
	}

	events, err := h.store.ReadAll(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to read events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read events"})
	}
	if events == nil {
		events = []domain.Event{}
	}

	detail := RunDetail{Run: *run, ToolStatuses: statuses, Events: events}
	if run.EndedAt != nil {
		detail.TotalDurationMs = run.EndedAt.Sub(run.StartedAt).Milliseconds()
	} else {
		detail.TotalDurationMs = time.Since(run.StartedAt).Milliseconds()
	}
	return c.JSON(http.StatusOK, detail)
}

// GetRunEvents returns a run's events. Without since_id the full log comes
// back in replay order (per tool, by offset); until_ms truncates the replay
// at a point in run time. With since_id only events past that cursor come
// back in insertion order, for live tailing.
// GET /v1/runs/:run_id/events?since_id=N&until_ms=T
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	var events []domain.Event
	var err error
	if since := c.QueryParam("since_id"); since != "" {
		sinceID, parseErr := strconv.ParseInt(since, 10, 64)
		if parseErr != nil || sinceID < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since_id"})
		}
		events, err = h.store.ReadTail(ctx, runID, sinceID)
	} else {
		events, err = h.store.ReadAll(ctx, runID)
		if err == nil {
			if until := c.QueryParam("until_ms"); until != "" {
				untilMs, parseErr := strconv.ParseInt(until, 10, 64)
				if parseErr != nil || untilMs < 0 {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid until_ms"})
				}
				events = truncateReplay(events, untilMs)
			}
		}
	}
	if err != nil {
		log.Printf("ERROR: failed to read events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read events"})
	}
	if events == nil {
		events = []domain.Event{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"events": events,
		"count":  len(events),
	})
}

// truncateReplay keeps the events that had happened by run time untilMs,
// per tool, independent of insertion order.
func truncateReplay(events []domain.Event, untilMs int64) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.OffsetMs <= untilMs {
			out = append(out, ev)
		}
	}
	return out
}

// CancelRun cancels a run. Idempotent: a terminal run returns its current
// status with 200.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")

	run, err := h.coordinator.Cancel(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: failed to cancel run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to cancel run"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"status": run.Status,
	})
}
