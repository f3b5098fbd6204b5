// Package coordinator owns the run lifecycle: triggering a benchmark,
// fanning work out to per-tool drivers, cancellation, and terminal status.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fixbench/orchestrator/config"
	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/driver"
	"github.com/fixbench/orchestrator/pricing"
	"github.com/fixbench/orchestrator/policy"
	"github.com/fixbench/orchestrator/store"
)

// ErrNoFindings is returned when a trigger request matches no findings. No
// run row is created in this case.
var ErrNoFindings = errors.New("no findings to remediate")

// ErrNoTools is returned when policy admits no tool for the request.
var ErrNoTools = errors.New("no tools admitted")

// FindingSource supplies the findings a benchmark remediates.
type FindingSource interface {
	Findings(ctx context.Context, repo, scanID string, severities []string) ([]domain.Finding, error)
}

// TriggerRequest describes one benchmark to start.
type TriggerRequest struct {
	Repo       string   `json:"repo"`
	ScanID     string   `json:"scan_id,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Severities []string `json:"severities,omitempty"`
	FailFast   bool     `json:"fail_fast,omitempty"`
}

// TriggerResult is the trigger response: the created run plus the shape of
// the finding set it will remediate.
type TriggerResult struct {
	Run               *domain.Run    `json:"run"`
	FindingCount      int            `json:"finding_count"`
	FileCount         int            `json:"file_count"`
	SeverityBreakdown map[string]int `json:"severity_breakdown"`
}

// Coordinator triggers and supervises benchmark runs.
type Coordinator struct {
	store    store.Store
	findings FindingSource
	factory  *driver.Factory
	policy   *policy.Engine
	cfg      *config.Config

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	run      *domain.Run
	drivers  map[string]driver.Driver
	cancelFn context.CancelFunc
	failFast bool

	storeFailed atomic.Bool
	cancelled   atomic.Bool
	done        chan struct{}
}

// New creates a coordinator.
func New(st store.Store, findings FindingSource, factory *driver.Factory, pol *policy.Engine, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:    st,
		findings: findings,
		factory:  factory,
		policy:   pol,
		cfg:      cfg,
		active:   make(map[string]*activeRun),
	}
}

// Trigger validates the request, creates the run, and starts all admitted
// drivers. Validation failures (no findings, no tools) happen before any run
// row exists, so a rejected request leaves no trace.
func (c *Coordinator) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if req.Repo == "" {
		return nil, fmt.Errorf("repo is required")
	}

	findings, err := c.findings.Findings(ctx, req.Repo, req.ScanID, req.Severities)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch findings: %w", err)
	}
	if len(findings) == 0 {
		return nil, fmt.Errorf("%w: repo %s", ErrNoFindings, req.Repo)
	}

	tools := req.Tools
	if len(tools) == 0 {
		tools = c.cfg.Tools
	}
	groups := domain.GroupByFile(findings)

	admitted, skipped, err := c.admitTools(ctx, req, tools, len(findings), len(groups))
	if err != nil {
		return nil, err
	}
	if len(admitted) == 0 {
		return nil, fmt.Errorf("%w: request named %d tools", ErrNoTools, len(tools))
	}

	failureMode, err := c.policy.FailureMode(ctx, map[string]interface{}{
		"repo":      req.Repo,
		"fail_fast": req.FailFast || c.cfg.FailFast,
	})
	if err != nil {
		log.Printf("WARN: failure mode policy evaluation failed, tolerating: %v", err)
		failureMode = "tolerate"
	}

	now := time.Now()
	run := &domain.Run{
		RunID:      "run_" + uuid.New().String()[:8],
		Repo:       req.Repo,
		ScanID:     req.ScanID,
		StartedAt:  now,
		Status:     domain.RunStatusPending,
		Tools:      admitted,
		BranchName: fmt.Sprintf("bench-%d", now.Unix()),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	for _, tool := range admitted {
		if err := c.store.SetToolStatus(ctx, run.RunID, tool, domain.ToolStatusPending); err != nil {
			return nil, fmt.Errorf("failed to set tool status: %w", err)
		}
	}
	for tool, reason := range skipped {
		if err := c.store.SetToolStatus(ctx, run.RunID, tool, domain.ToolStatusSkipped); err != nil {
			return nil, fmt.Errorf("failed to set tool status: %w", err)
		}
		meta, _ := json.Marshal(map[string]interface{}{"reason": reason})
		if _, err := c.store.Append(ctx, &domain.Event{
			RunID:    run.RunID,
			Tool:     tool,
			Type:     domain.EventTypeSkipped,
			Detail:   fmt.Sprintf("tool skipped by policy: %s", reason),
			Metadata: meta,
		}); err != nil {
			return nil, fmt.Errorf("failed to record skip event: %w", err)
		}
	}

	units := buildWorkUnits(run, admitted, groups, findings)

	if err := c.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}
	run.Status = domain.RunStatusRunning

	ar := &activeRun{
		run:      run,
		drivers:  make(map[string]driver.Driver, len(admitted)),
		failFast: failureMode == "fail_fast",
		done:     make(chan struct{}),
	}
	for _, tool := range admitted {
		d, err := c.factory.New(tool)
		if err != nil {
			return nil, fmt.Errorf("failed to build driver: %w", err)
		}
		ar.drivers[tool] = d
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar.cancelFn = cancel

	c.mu.Lock()
	c.active[run.RunID] = ar
	c.mu.Unlock()

	go c.execute(runCtx, ar, units)

	log.Printf("INFO: run %s started for %s with tools %v (%d findings, %d files)",
		run.RunID, run.Repo, admitted, len(findings), len(groups))

	breakdown := make(map[string]int)
	for _, f := range findings {
		breakdown[f.Severity]++
	}
	return &TriggerResult{
		Run:               run,
		FindingCount:      len(findings),
		FileCount:         len(groups),
		SeverityBreakdown: breakdown,
	}, nil
}

// admitTools partitions the requested tools into admitted and skipped (with
// reasons). Tools without a pricing entry are skipped, never fatal.
func (c *Coordinator) admitTools(ctx context.Context, req TriggerRequest, tools []string, findingCount, fileCount int) ([]string, map[string]string, error) {
	var admitted []string
	skipped := make(map[string]string)

	for _, tool := range tools {
		if _, ok := pricing.Lookup(tool); !ok {
			skipped[tool] = "unknown tool"
			continue
		}
		decision, err := c.policy.AdmitTool(ctx, map[string]interface{}{
			"tool":          tool,
			"repo":          req.Repo,
			"finding_count": findingCount,
			"file_count":    fileCount,
			"severities":    req.Severities,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to evaluate admission for %s: %w", tool, err)
		}
		if !decision.Admit {
			skipped[tool] = decision.Reason
			continue
		}
		admitted = append(admitted, tool)
	}
	return admitted, skipped, nil
}

// buildWorkUnits assigns every tool the full finding set on its own branch.
// Tools whose backend cannot group by file get one group per finding.
func buildWorkUnits(run *domain.Run, tools []string, groups []domain.FileGroup, findings []domain.Finding) map[string]domain.WorkUnit {
	units := make(map[string]domain.WorkUnit, len(tools))
	for _, tool := range tools {
		unitGroups := groups
		if !driver.SupportsFileGrouping(tool) {
			unitGroups = make([]domain.FileGroup, 0, len(findings))
			for _, f := range findings {
				unitGroups = append(unitGroups, domain.FileGroup{
					FilePath: f.FilePath,
					Findings: []domain.Finding{f},
				})
			}
		}
		units[tool] = domain.WorkUnit{
			Tool:   tool,
			Branch: fmt.Sprintf("remediate/%s-%s", tool, run.BranchName),
			Groups: unitGroups,
		}
	}
	return units
}

// execute runs all drivers to completion and settles the run's terminal
// status. Runs on its own goroutine, detached from the trigger request.
func (c *Coordinator) execute(ctx context.Context, ar *activeRun, units map[string]domain.WorkUnit) {
	defer ar.cancelFn()
	defer func() {
		c.mu.Lock()
		delete(c.active, ar.run.RunID)
		c.mu.Unlock()
		close(ar.done)
	}()

	var g errgroup.Group
	for tool, d := range ar.drivers {
		tool, d := tool, d
		g.Go(func() error {
			c.driveTool(ctx, ar, d, units[tool])
			return nil
		})
	}
	g.Wait()

	c.finalize(ar)
}

// driveTool runs one driver's Start/Step loop and settles its tool status.
// Driver failures are contained here; only a storage failure stops the run
// from settling.
func (c *Coordinator) driveTool(ctx context.Context, ar *activeRun, d driver.Driver, unit domain.WorkUnit) {
	runID := ar.run.RunID
	tool := d.Tool()
	sink := c.sinkFor(ar, tool)
	rc := driver.RunContext{RunID: runID, Repo: ar.run.Repo, Emit: sink}

	if err := c.store.SetToolStatus(ctx, runID, tool, domain.ToolStatusRunning); err != nil {
		log.Printf("ERROR: run %s: failed to mark %s running: %v", runID, tool, err)
		ar.storeFailed.Store(true)
		return
	}

	if err := d.Start(ctx, unit, rc); err != nil {
		c.settleFailure(ctx, ar, tool, err)
		return
	}

	ticker := time.NewTicker(c.cfg.DriverPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A user cancel settles drivers and statuses itself; a fail-fast
			// abort stops the survivors here so no remote session is left
			// running without a terminal event.
			if !ar.cancelled.Load() {
				cctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelGracePeriod)
				if err := d.Cancel(cctx); err != nil {
					log.Printf("WARN: run %s: driver %s cancel failed on abort: %v", runID, tool, err)
				}
				cancel()
				c.setToolStatusIfLive(runID, tool, domain.ToolStatusCancelled)
			}
			return
		case <-ticker.C:
		}

		result, err := d.Step(ctx)
		if err != nil {
			c.settleFailure(ctx, ar, tool, err)
			return
		}

		switch result {
		case driver.Completed:
			if ar.cancelled.Load() {
				return
			}
			if err := c.store.SetToolStatus(ctx, runID, tool, domain.ToolStatusCompleted); err != nil {
				log.Printf("ERROR: run %s: failed to mark %s completed: %v", runID, tool, err)
				ar.storeFailed.Store(true)
			}
			return
		case driver.Failed:
			c.settleFailure(ctx, ar, tool, fmt.Errorf("%s reported failure", tool))
			return
		}
	}
}

// settleFailure distinguishes storage failures (fatal to the run, status left
// untouched) from driver failures (tool marked failed, run continues or
// aborts per failure mode).
func (c *Coordinator) settleFailure(ctx context.Context, ar *activeRun, tool string, err error) {
	runID := ar.run.RunID

	if ar.storeFailed.Load() {
		log.Printf("ERROR: run %s: storage failure while driving %s: %v", runID, tool, err)
		ar.cancelFn()
		return
	}

	log.Printf("WARN: run %s: driver %s failed: %v", runID, tool, err)
	if setErr := c.store.SetToolStatus(ctx, runID, tool, domain.ToolStatusFailed); setErr != nil {
		log.Printf("ERROR: run %s: failed to mark %s failed: %v", runID, tool, setErr)
		ar.storeFailed.Store(true)
		return
	}

	if ar.failFast {
		log.Printf("WARN: run %s: aborting remaining tools (fail fast)", runID)
		ar.cancelFn()
	}
}

func (c *Coordinator) setToolStatusIfLive(runID, tool string, status domain.ToolStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	statuses, err := c.store.GetToolStatuses(ctx, runID)
	if err != nil {
		log.Printf("ERROR: run %s: failed to read tool statuses: %v", runID, err)
		return
	}
	if current, ok := statuses[tool]; ok && current.IsTerminal() {
		return
	}
	if err := c.store.SetToolStatus(ctx, runID, tool, status); err != nil {
		log.Printf("ERROR: run %s: failed to mark %s %s: %v", runID, tool, status, err)
	}
}

// finalize settles the run's terminal status once every driver has stopped.
// After a storage failure the run keeps its last persisted status; a false
// "completed" would be worse than a visibly stuck run.
func (c *Coordinator) finalize(ar *activeRun) {
	runID := ar.run.RunID
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ar.storeFailed.Load() {
		log.Printf("ERROR: run %s: storage failed, leaving run status unchanged", runID)
		return
	}
	if ar.cancelled.Load() {
		// Cancel already settled the run row.
		return
	}

	status := domain.RunStatusCompleted
	if ar.failFast {
		statuses, err := c.store.GetToolStatuses(ctx, runID)
		if err != nil {
			log.Printf("ERROR: run %s: failed to read tool statuses: %v", runID, err)
			return
		}
		for _, s := range statuses {
			if s == domain.ToolStatusFailed {
				status = domain.RunStatusFailed
				break
			}
		}
	}

	if err := c.store.UpdateRunCompleted(ctx, runID, status); err != nil {
		log.Printf("ERROR: run %s: failed to finalize: %v", runID, err)
		return
	}
	log.Printf("INFO: run %s finished with status %s", runID, status)
}

// sinkFor builds the EmitFunc for one tool: it stamps the run offset,
// marshals metadata, and appends through the store. Any append failure marks
// the run's storage as failed.
func (c *Coordinator) sinkFor(ar *activeRun, tool string) driver.EmitFunc {
	return func(ctx context.Context, draft driver.Draft) error {
		var meta json.RawMessage
		if draft.Metadata != nil {
			meta, _ = json.Marshal(draft.Metadata)
		}
		event := &domain.Event{
			RunID:     ar.run.RunID,
			Tool:      tool,
			Type:      draft.Type,
			Detail:    draft.Detail,
			FindingID: draft.FindingID,
			OffsetMs:  time.Since(ar.run.StartedAt).Milliseconds(),
			Metadata:  meta,
			CostUSD:   draft.CostUSD,
		}
		if _, err := c.store.Append(ctx, event); err != nil {
			ar.storeFailed.Store(true)
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	}
}

// Estimate projects per-tool costs for a prospective benchmark without
// creating a run.
func (c *Coordinator) Estimate(ctx context.Context, repo, scanID string, tools, severities []string) ([]pricing.CostEstimate, error) {
	findings, err := c.findings.Findings(ctx, repo, scanID, severities)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch findings: %w", err)
	}
	if len(findings) == 0 {
		return nil, fmt.Errorf("%w: repo %s", ErrNoFindings, repo)
	}
	if len(tools) == 0 {
		tools = c.cfg.Tools
	}

	groups := domain.GroupByFile(findings)
	usage := pricing.Usage{Findings: len(findings), Files: len(groups)}
	estimates := make([]pricing.CostEstimate, 0, len(tools))
	for _, tool := range tools {
		estimates = append(estimates, pricing.Estimate(tool, usage))
	}
	return estimates, nil
}
