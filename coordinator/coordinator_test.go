package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	err      error
}

func (s *fakeSource) Findings(_ context.Context, repo, scanID string, severities []string) ([]domain.Finding, error) {
	return s.findings, s.err
}

type okModel struct{}

func (okModel) GenerateFix(_ context.Context, req *driver.FixRequest) (*driver.FixResult, error) {
	return &driver.FixResult{Patch: "ok", InputTokens: 1000, OutputTokens: 1000}, nil
}

type failModel struct{}

func (failModel) GenerateFix(_ context.Context, req *driver.FixRequest) (*driver.FixResult, error) {
	return nil, fmt.Errorf("model unavailable")
}

type okRepo struct{}

func (okRepo) CreateBranch(_ context.Context, repo, branch string) error { return nil }
func (okRepo) CommitFix(_ context.Context, repo, branch, filePath, patch, message string) error {
	return nil
}

// okAgent finishes every session on the first poll.
type okAgent struct{}

func (okAgent) CreateSession(_ context.Context, req *driver.SessionRequest) (string, error) {
	return "sess_ok", nil
}
func (okAgent) GetSession(_ context.Context, sessionID string) (*driver.SessionStatus, error) {
	return &driver.SessionStatus{SessionID: sessionID, State: driver.SessionFinished, CreditsUsed: 0.09}, nil
}
func (okAgent) StopSession(_ context.Context, sessionID string) error { return nil }

// stuckAgent never finishes a session and records stop requests.
type stuckAgent struct {
	mu      sync.Mutex
	stopped []string
}

func (a *stuckAgent) CreateSession(_ context.Context, req *driver.SessionRequest) (string, error) {
	return "sess_stuck", nil
}
func (a *stuckAgent) GetSession(_ context.Context, sessionID string) (*driver.SessionStatus, error) {
	return &driver.SessionStatus{SessionID: sessionID, State: driver.SessionWorking}, nil
}
func (a *stuckAgent) StopSession(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, sessionID)
	return nil
}

func (a *stuckAgent) stoppedSessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stopped...)
}

func testConfig() *config.Config {
	return &config.Config{
		Tools:              []string{"devin", "copilot", "anthropic", "openai", "gemini"},
		DriverPollInterval: time.Millisecond,
		AgentPollInterval:  0,
		AgentMaxWait:       time.Hour,
		CancelGracePeriod:  200 * time.Millisecond,
	}
}

func newCoordinator(t *testing.T, st *store.SQLiteStore, source coordinator.FindingSource, agent driver.AgentBackend, model driver.ModelBackend) *coordinator.Coordinator {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	factory := &driver.Factory{
		Agent:        agent,
		Model:        model,
		Repo:         okRepo{},
		AgentMaxWait: time.Hour,
	}
	return coordinator.New(st, source, factory, engine, testConfig())
}

func someFindings() []domain.Finding {
	return []domain.Finding{
		{Number: 1, RuleID: "sql-injection", Severity: "high", FilePath: "app/db.py"},
		{Number: 2, RuleID: "sql-injection", Severity: "high", FilePath: "app/db.py"},
		{Number: 3, RuleID: "weak-hash", Severity: "medium", FilePath: "app/auth.py"},
	}
}

func waitForTerminal(t *testing.T, st *store.SQLiteStore, runID string) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return nil
}

func TestTriggerNoFindingsCreatesNoRun(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{}, okAgent{}, okModel{})

	_, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{Repo: "acme/webapp"})
	assert.True(t, errors.Is(err, coordinator.ErrNoFindings))

	runs, err := st.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerNoAdmittedToolsCreatesNoRun(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, okAgent{}, okModel{})

	_, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"mystery", "unheard-of"},
	})
	assert.True(t, errors.Is(err, coordinator.ErrNoTools))

	runs, err := st.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerRunsToCompletion(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, okAgent{}, okModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"anthropic", "devin"},
	})
	require.NoError(t, err)
	run := result.Run
	assert.Equal(t, []string{"anthropic", "devin"}, run.Tools)
	assert.Equal(t, 3, result.FindingCount)
	assert.Equal(t, 2, result.FileCount)
	assert.Equal(t, map[string]int{"high": 2, "medium": 1}, result.SeverityBreakdown)

	final := waitForTerminal(t, st, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	assert.Greater(t, final.TotalCostUSD, 0.0)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusCompleted, statuses["anthropic"])
	assert.Equal(t, domain.ToolStatusCompleted, statuses["devin"])

	events, err := st.ReadAll(context.Background(), run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	byTool := make(map[string][]domain.EventType)
	for _, ev := range events {
		byTool[ev.Tool] = append(byTool[ev.Tool], ev.Type)
	}
	assert.Equal(t, domain.EventTypeScanStarted, byTool["anthropic"][0])
	assert.Equal(t, domain.EventTypeScanStarted, byTool["devin"][0])
	assert.Contains(t, byTool["anthropic"], domain.EventTypeRemediationComplete)
	assert.Contains(t, byTool["devin"], domain.EventTypeRemediationComplete)
}

func TestTriggerSkipsUnknownTool(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, okAgent{}, okModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"anthropic", "mystery"},
	})
	require.NoError(t, err)
	run := result.Run
	assert.Equal(t, []string{"anthropic"}, run.Tools)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusSkipped, statuses["mystery"])

	events, err := st.ReadAll(context.Background(), run.RunID)
	require.NoError(t, err)
	var foundSkip bool
	for _, ev := range events {
		if ev.Tool == "mystery" && ev.Type == domain.EventTypeSkipped {
			foundSkip = true
		}
	}
	assert.True(t, foundSkip, "expected a skipped event for the unknown tool")

	waitForTerminal(t, st, run.RunID)
}

func TestPolicySkipsCreditToolOnLargeFindingSets(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)

	var findings []domain.Finding
	for i := 0; i < 201; i++ {
		findings = append(findings, domain.Finding{
			Number:   int64(i + 1),
			RuleID:   "sql-injection",
			Severity: "high",
			FilePath: fmt.Sprintf("app/handler_%d.py", i),
		})
	}
	coord := newCoordinator(t, st, &fakeSource{findings: findings}, okAgent{}, okModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"devin", "copilot"},
	})
	require.NoError(t, err)
	run := result.Run
	assert.Equal(t, []string{"copilot"}, run.Tools)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusSkipped, statuses["devin"])

	waitForTerminal(t, st, run.RunID)
}

func TestRunToleratesSingleToolFailure(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, okAgent{}, failModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"anthropic", "devin"},
	})
	require.NoError(t, err)
	run := result.Run

	final := waitForTerminal(t, st, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusFailed, statuses["anthropic"])
	assert.Equal(t, domain.ToolStatusCompleted, statuses["devin"])
}

func TestFailFastAbortsRemainingTools(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	agent := &stuckAgent{}
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, agent, failModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:     "acme/webapp",
		Tools:    []string{"anthropic", "devin"},
		FailFast: true,
	})
	require.NoError(t, err)
	run := result.Run

	final := waitForTerminal(t, st, run.RunID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusFailed, statuses["anthropic"])
	assert.Equal(t, domain.ToolStatusCancelled, statuses["devin"])

	// The abort stops the in-flight remote session and leaves a terminal
	// cancelled event for the aborted tool.
	assert.NotEmpty(t, agent.stoppedSessions())

	events, err := st.ReadAll(context.Background(), run.RunID)
	require.NoError(t, err)
	var devinCancelled bool
	for _, ev := range events {
		if ev.Tool == "devin" && ev.Type == domain.EventTypeCancelled {
			devinCancelled = true
		}
	}
	assert.True(t, devinCancelled, "expected a cancelled event for the aborted tool")
}

func TestCancelRun(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, &stuckAgent{}, okModel{})

	result, err := coord.Trigger(context.Background(), coordinator.TriggerRequest{
		Repo:  "acme/webapp",
		Tools: []string{"devin"},
	})
	require.NoError(t, err)
	run := result.Run

	// Give the driver a moment to open its session.
	time.Sleep(20 * time.Millisecond)

	cancelled, err := coord.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)

	statuses, err := st.GetToolStatuses(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStatusCancelled, statuses["devin"])

	events, err := st.ReadAll(context.Background(), run.RunID)
	require.NoError(t, err)
	var foundCancelled bool
	for _, ev := range events {
		if ev.Type == domain.EventTypeCancelled {
			foundCancelled = true
		}
	}
	assert.True(t, foundCancelled, "expected a cancelled event")

	// Idempotent: a second cancel returns the terminal run unchanged.
	again, err := coord.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, again.Status)
}

func TestCancelUnknownRun(t *testing.T) {
	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: someFindings()}, okAgent{}, okModel{})

	_, err := coord.Cancel(context.Background(), "run_missing")
	assert.True(t, errors.Is(err, store.ErrRunNotFound))
}

func TestEstimate(t *testing.T) {
	var findings []domain.Finding
	for i := 0; i < 12; i++ {
		findings = append(findings, domain.Finding{
			Number:   int64(i + 1),
			RuleID:   "sql-injection",
			Severity: "high",
			FilePath: fmt.Sprintf("app/file_%d.py", i%4),
		})
	}

	st := helpers.NewTestSQLiteStore(t)
	coord := newCoordinator(t, st, &fakeSource{findings: findings}, okAgent{}, okModel{})

	estimates, err := coord.Estimate(context.Background(), "acme/webapp", "", []string{"copilot", "devin"}, nil)
	require.NoError(t, err)
	require.Len(t, estimates, 2)

	byTool := make(map[string]float64)
	for _, est := range estimates {
		byTool[est.Tool] = est.TotalCostUSD
	}
	// 12 findings across 4 files.
	assert.InDelta(t, 0.48, byTool["copilot"], 1e-9)
	assert.InDelta(t, 0.72, byTool["devin"], 1e-9)
}
