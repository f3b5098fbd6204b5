package driver

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/pricing"
)

// BatchDriver drives token-billed model tools. Each Step remediates one file
// group synchronously: generate a patch, commit it to the tool's branch,
// optionally verify. A failed group is recorded and skipped; the driver only
// fails outright when the branch cannot be created or every group failed.
type BatchDriver struct {
	tool     string
	model    ModelBackend
	repo     RepoWriter
	verifier Verifier

	mu            sync.Mutex
	rc            RunContext
	unit          domain.WorkUnit
	idx           int
	failures      int
	branchCreated bool
	cancelled     bool
	finished      bool
	final         Result
}

// NewBatchDriver creates a driver for one synchronous model tool.
func NewBatchDriver(tool string, model ModelBackend, repo RepoWriter, verifier Verifier) *BatchDriver {
	return &BatchDriver{
		tool:     tool,
		model:    model,
		repo:     repo,
		verifier: verifier,
	}
}

// Tool returns the tool identifier.
func (d *BatchDriver) Tool() string { return d.tool }

// Start binds the work unit and records scan_started. The branch is created
// lazily on the first Step so Start stays local.
func (d *BatchDriver) Start(ctx context.Context, unit domain.WorkUnit, rc RunContext) error {
	d.mu.Lock()
	d.unit = unit
	d.rc = rc
	d.mu.Unlock()

	return rc.Emit(ctx, Draft{
		Type:   domain.EventTypeScanStarted,
		Detail: fmt.Sprintf("starting remediation of %d findings in %d files", unit.FindingCount(), len(unit.Groups)),
		Metadata: map[string]interface{}{
			"branch":      unit.Branch,
			"group_count": len(unit.Groups),
		},
	})
}

// Step processes the next file group.
func (d *BatchDriver) Step(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled || d.finished {
		return d.final, nil
	}

	if !d.branchCreated {
		if err := d.repo.CreateBranch(ctx, d.rc.Repo, d.unit.Branch); err != nil {
			d.finished = true
			d.final = Failed
			if emitErr := d.rc.Emit(ctx, Draft{
				Type:     domain.EventTypeError,
				Detail:   fmt.Sprintf("branch creation failed: %v", err),
				Metadata: map[string]interface{}{"branch": d.unit.Branch},
			}); emitErr != nil {
				return Failed, emitErr
			}
			return Failed, fmt.Errorf("%s: create branch %s: %w", d.tool, d.unit.Branch, err)
		}
		d.branchCreated = true
	}

	if d.idx >= len(d.unit.Groups) {
		return d.finishLocked(ctx)
	}

	group := d.unit.Groups[d.idx]
	d.idx++
	if err := d.remediateGroupLocked(ctx, group); err != nil {
		return Failed, err
	}
	return Running, nil
}

// remediateGroupLocked runs the generate/commit/verify sequence for one file
// group. Backend failures are recorded as error events and counted; only emit
// failures propagate.
func (d *BatchDriver) remediateGroupLocked(ctx context.Context, group domain.FileGroup) error {
	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypeAnalyzing,
		Detail:    fmt.Sprintf("analyzing %s (%d findings)", group.FilePath, len(group.Findings)),
		FindingID: firstFinding(group),
		Metadata:  map[string]interface{}{"file": group.FilePath, "findings": len(group.Findings)},
	}); err != nil {
		return err
	}

	fix, err := d.model.GenerateFix(ctx, &FixRequest{
		Tool:     d.tool,
		Repo:     d.rc.Repo,
		FilePath: group.FilePath,
		Findings: group.Findings,
	})
	if err != nil {
		log.Printf("WARN: %s fix generation failed for %s: %v", d.tool, group.FilePath, err)
		d.failures++
		return d.rc.Emit(ctx, Draft{
			Type:      domain.EventTypeError,
			Detail:    fmt.Sprintf("fix generation failed for %s: %v", group.FilePath, err),
			FindingID: firstFinding(group),
			Metadata:  map[string]interface{}{"file": group.FilePath},
		})
	}

	cost := pricing.ActualCost(d.tool, pricing.Usage{
		InputTokens:  fix.InputTokens,
		OutputTokens: fix.OutputTokens,
	})
	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypePatchGenerated,
		Detail:    fmt.Sprintf("patch generated for %s", group.FilePath),
		FindingID: firstFinding(group),
		Metadata: map[string]interface{}{
			"file":          group.FilePath,
			"input_tokens":  fix.InputTokens,
			"output_tokens": fix.OutputTokens,
			"latency_ms":    fix.LatencyMs,
		},
		CostUSD: cost,
	}); err != nil {
		return err
	}

	message := fmt.Sprintf("fix %d findings in %s", len(group.Findings), group.FilePath)
	if err := d.repo.CommitFix(ctx, d.rc.Repo, d.unit.Branch, group.FilePath, fix.Patch, message); err != nil {
		log.Printf("WARN: %s commit failed for %s: %v", d.tool, group.FilePath, err)
		d.failures++
		return d.rc.Emit(ctx, Draft{
			Type:      domain.EventTypeError,
			Detail:    fmt.Sprintf("commit failed for %s: %v", group.FilePath, err),
			FindingID: firstFinding(group),
			Metadata:  map[string]interface{}{"file": group.FilePath, "branch": d.unit.Branch},
		})
	}

	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypePatchApplied,
		Detail:    fmt.Sprintf("patch for %s committed to %s", group.FilePath, d.unit.Branch),
		FindingID: firstFinding(group),
		Metadata:  map[string]interface{}{"file": group.FilePath, "branch": d.unit.Branch},
	}); err != nil {
		return err
	}

	return d.verifyLocked(ctx, group)
}

func (d *BatchDriver) verifyLocked(ctx context.Context, group domain.FileGroup) error {
	if d.verifier == nil {
		return nil
	}
	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypeVerificationPending,
		Detail:    fmt.Sprintf("verifying %s", group.FilePath),
		FindingID: firstFinding(group),
	}); err != nil {
		return err
	}

	passed, err := d.verifier.Verify(ctx, d.rc.Repo, d.unit.Branch, group.FilePath, group.Findings)
	evType := domain.EventTypeVerificationPassed
	detail := fmt.Sprintf("findings resolved in %s", group.FilePath)
	if err != nil {
		evType = domain.EventTypeVerificationFailed
		detail = fmt.Sprintf("verification error for %s: %v", group.FilePath, err)
	} else if !passed {
		evType = domain.EventTypeVerificationFailed
		detail = fmt.Sprintf("findings still present in %s", group.FilePath)
	}
	return d.rc.Emit(ctx, Draft{
		Type:      evType,
		Detail:    detail,
		FindingID: firstFinding(group),
	})
}

func (d *BatchDriver) finishLocked(ctx context.Context) (Result, error) {
	d.finished = true
	if len(d.unit.Groups) > 0 && d.failures == len(d.unit.Groups) {
		d.final = Failed
		return Failed, fmt.Errorf("%s: all %d file groups failed", d.tool, d.failures)
	}

	d.final = Completed
	if err := d.rc.Emit(ctx, Draft{
		Type:   domain.EventTypeBatchComplete,
		Detail: fmt.Sprintf("processed %d file groups (%d failed)", len(d.unit.Groups), d.failures),
		Metadata: map[string]interface{}{
			"groups": len(d.unit.Groups),
			"failed": d.failures,
		},
	}); err != nil {
		return Failed, err
	}
	if err := d.rc.Emit(ctx, Draft{
		Type:   domain.EventTypeRemediationComplete,
		Detail: fmt.Sprintf("remediation finished on %s", d.unit.Branch),
	}); err != nil {
		return Failed, err
	}
	return Completed, nil
}

// Cancel marks the driver cancelled and records the terminal cancelled
// event. An in-flight group finishes its current backend call but no further
// groups start. Idempotent.
func (d *BatchDriver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled || d.finished {
		return nil
	}
	d.cancelled = true
	d.final = Completed

	// A cancel can land before Start binds the run context. Nothing ran, so
	// there is nothing to record.
	if d.rc.Emit == nil {
		return nil
	}

	return d.rc.Emit(ctx, Draft{
		Type:   domain.EventTypeCancelled,
		Detail: fmt.Sprintf("cancelled after %d of %d file groups", d.idx, len(d.unit.Groups)),
		Metadata: map[string]interface{}{
			"acknowledged":     true,
			"groups_completed": d.idx,
		},
	})
}
