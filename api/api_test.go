package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbench/orchestrator/api"
	"github.com/fixbench/orchestrator/config"
	"github.com/fixbench/orchestrator/coordinator"
	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/driver"
	"github.com/fixbench/orchestrator/policy"
	"github.com/fixbench/orchestrator/store"
	"github.com/fixbench/orchestrator/tests/helpers"
)

type fakeSource struct {
	findings []domain.Finding
}

func (s *fakeSource) Findings(_ context.Context, repo, scanID string, severities []string) ([]domain.Finding, error) {
	return s.findings, nil
}

type okModel struct{}

func (okModel) GenerateFix(_ context.Context, req *driver.FixRequest) (*driver.FixResult, error) {
	return &driver.FixResult{Patch: "ok", InputTokens: 1000, OutputTokens: 1000}, nil
}

type okRepo struct{}

func (okRepo) CreateBranch(_ context.Context, repo, branch string) error { return nil }
func (okRepo) CommitFix(_ context.Context, repo, branch, filePath, patch, message string) error {
	return nil
}

type okAgent struct{}

func (okAgent) CreateSession(_ context.Context, req *driver.SessionRequest) (string, error) {
	return "sess_ok", nil
}
func (okAgent) GetSession(_ context.Context, sessionID string) (*driver.SessionStatus, error) {
	return &driver.SessionStatus{SessionID: sessionID, State: driver.SessionFinished, CreditsUsed: 0.09}, nil
}
func (okAgent) StopSession(_ context.Context, sessionID string) error { return nil }

func testFindings() []domain.Finding {
	return []domain.Finding{
		{Number: 1, RuleID: "sql-injection", Severity: "high", FilePath: "app/db.py"},
		{Number: 2, RuleID: "weak-hash", Severity: "medium", FilePath: "app/auth.py"},
	}
}

func newTestHandler(t *testing.T, findings []domain.Finding) (*api.Handler, *store.SQLiteStore) {
	t.Helper()

	st := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	cfg := &config.Config{
		Tools:              []string{"devin", "copilot", "anthropic", "openai", "gemini"},
		DriverPollInterval: time.Millisecond,
		AgentPollInterval:  0,
		AgentMaxWait:       time.Hour,
		CancelGracePeriod:  200 * time.Millisecond,
	}
	factory := &driver.Factory{
		Agent:        okAgent{},
		Model:        okModel{},
		Repo:         okRepo{},
		AgentMaxWait: time.Hour,
	}
	coord := coordinator.New(st, &fakeSource{findings: findings}, factory, engine, cfg)
	return api.NewHandler(st, coord, cfg), st
}

func waitForTerminal(t *testing.T, st *store.SQLiteStore, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.IsTerminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t, testFindings())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerBenchmark(t *testing.T) {
	handler, st := newTestHandler(t, testFindings())
	e := echo.New()

	reqBody, _ := json.Marshal(coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"anthropic"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/benchmark", bytes.NewReader(reqBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.TriggerBenchmark(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result coordinator.TriggerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Run)
	assert.NotEmpty(t, result.Run.RunID)
	assert.Equal(t, []string{"anthropic"}, result.Run.Tools)
	assert.Equal(t, 2, result.FindingCount)
	assert.Equal(t, map[string]int{"high": 1, "medium": 1}, result.SeverityBreakdown)

	waitForTerminal(t, st, result.Run.RunID)
}

func TestTriggerBenchmarkRequiresRepo(t *testing.T) {
	handler, _ := newTestHandler(t, testFindings())
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/v1/benchmark", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.TriggerBenchmark(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerBenchmarkNoFindings(t *testing.T) {
	handler, st := newTestHandler(t, nil)
	e := echo.New()

	reqBody, _ := json.Marshal(coordinator.TriggerRequest{Repo: "acme/webapp"})
	req := httptest.NewRequest(http.MethodPost, "/v1/benchmark", bytes.NewReader(reqBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.TriggerBenchmark(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The rejected request left no run behind.
	runs, err := st.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetRunNotFound(t *testing.T) {
	handler, _ := newTestHandler(t, testFindings())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run_missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id")
	c.SetParamNames("run_id")
	c.SetParamValues("run_missing")

	require.NoError(t, handler.GetRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunDetail(t *testing.T) {
	handler, st := newTestHandler(t, testFindings())
	e := echo.New()

	run := triggerRun(t, handler, []string{"devin"})
	waitForTerminal(t, st, run.RunID)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, handler.GetRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var detail api.RunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, domain.RunStatusCompleted, detail.Status)
	assert.Equal(t, domain.ToolStatusCompleted, detail.ToolStatuses["devin"])
	assert.GreaterOrEqual(t, detail.TotalDurationMs, int64(0))
	assert.NotEmpty(t, detail.Events)
}

func TestGetRunEventsWithTailCursor(t *testing.T) {
	handler, st := newTestHandler(t, testFindings())
	e := echo.New()

	run := triggerRun(t, handler, []string{"devin"})
	waitForTerminal(t, st, run.RunID)

	// Full log first.
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID+"/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/events")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, handler.GetRunEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var full struct {
		Events []domain.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	require.NotEmpty(t, full.Events)

	// Tail from the first event's id excludes it.
	firstID := full.Events[0].EventID
	for _, ev := range full.Events {
		if ev.EventID < firstID {
			firstID = ev.EventID
		}
	}
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/runs/%s/events?since_id=%d", run.RunID, firstID), nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/events")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, handler.GetRunEvents(c))
	var tail struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tail))
	assert.Len(t, tail.Events, len(full.Events)-1)
	for _, ev := range tail.Events {
		assert.Greater(t, ev.EventID, firstID)
	}
}

func TestGetRunEventsReplayTruncation(t *testing.T) {
	handler, st := newTestHandler(t, testFindings())
	e := echo.New()
	ctx := context.Background()

	run := &domain.Run{
		RunID:     "run_replay01",
		Repo:      "acme/webapp",
		StartedAt: time.Now().UTC(),
		Status:    domain.RunStatusCompleted,
		Tools:     []string{"anthropic", "devin"},
	}
	require.NoError(t, st.CreateRun(ctx, run))

	// Interleaved insertion; replay must depend only on offsets.
	seed := []struct {
		tool   string
		offset int64
	}{
		{"devin", 5000},
		{"anthropic", 0},
		{"devin", 1200},
		{"anthropic", 5000},
	}
	for _, s := range seed {
		_, err := st.Append(ctx, &domain.Event{
			RunID:    run.RunID,
			Tool:     s.tool,
			Type:     domain.EventTypeAnalyzing,
			OffsetMs: s.offset,
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID+"/events?until_ms=3000", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/events")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, handler.GetRunEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	for _, ev := range resp.Events {
		assert.LessOrEqual(t, ev.OffsetMs, int64(3000))
	}
}

func TestCancelRunIdempotent(t *testing.T) {
	handler, st := newTestHandler(t, testFindings())
	e := echo.New()

	run := triggerRun(t, handler, []string{"devin"})
	waitForTerminal(t, st, run.RunID)

	// Cancelling a completed run returns its terminal status unchanged.
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.RunID+"/cancel", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/cancel")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, handler.CancelRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.RunStatusCompleted), resp["status"])
}

func TestEstimateBenchmark(t *testing.T) {
	var findings []domain.Finding
	for i := 0; i < 12; i++ {
		findings = append(findings, domain.Finding{
			Number:   int64(i + 1),
			RuleID:   "sql-injection",
			Severity: "high",
			FilePath: fmt.Sprintf("app/file_%d.py", i%4),
		})
	}
	handler, _ := newTestHandler(t, findings)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/v1/benchmark/estimate?repo=acme/webapp&tools=copilot,devin", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.EstimateBenchmark(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Estimates []struct {
			Tool         string  `json:"tool"`
			TotalCostUSD float64 `json:"total_cost_usd"`
		} `json:"estimates"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Estimates, 2)
	assert.InDelta(t, 1.20, resp.TotalCostUSD, 1e-9)
}

func triggerRun(t *testing.T, handler *api.Handler, tools []string) *domain.Run {
	t.Helper()
	e := echo.New()

	reqBody, _ := json.Marshal(coordinator.TriggerRequest{Repo: "acme/webapp", Tools: tools})
	req := httptest.NewRequest(http.MethodPost, "/v1/benchmark", bytes.NewReader(reqBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.TriggerBenchmark(c); err != nil {
		t.Fatalf("failed to trigger benchmark: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var result coordinator.TriggerResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	if result.Run == nil {
		t.Fatal("trigger response carried no run")
	}
	return result.Run
}
