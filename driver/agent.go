package driver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/pricing"
)

// AgentDriver drives tools that run remote autonomous sessions (credit and
// per-request billed agents). It creates one session per file group and polls
// it until a terminal state, then moves to the next group. A session that
// fails or times out costs the group, not the run: the driver records an
// error event and continues.
type AgentDriver struct {
	tool         string
	backend      AgentBackend
	verifier     Verifier
	pollInterval time.Duration
	maxWait      time.Duration

	mu           sync.Mutex
	rc           RunContext
	unit         domain.WorkUnit
	idx          int
	sessionID    string
	sessionStart time.Time
	lastPoll     time.Time
	failures     int
	cancelled    bool
	finished     bool
	final        Result
}

// NewAgentDriver creates a driver for one tool backed by a remote agent.
func NewAgentDriver(tool string, backend AgentBackend, verifier Verifier, pollInterval, maxWait time.Duration) *AgentDriver {
	return &AgentDriver{
		tool:         tool,
		backend:      backend,
		verifier:     verifier,
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

// Tool returns the tool identifier.
func (d *AgentDriver) Tool() string { return d.tool }

// Start binds the work unit and records scan_started.
func (d *AgentDriver) Start(ctx context.Context, unit domain.WorkUnit, rc RunContext) error {
	d.mu.Lock()
	d.unit = unit
	d.rc = rc
	d.mu.Unlock()

	return rc.Emit(ctx, Draft{
		Type:   domain.EventTypeScanStarted,
		Detail: fmt.Sprintf("starting remediation of %d findings in %d files", unit.FindingCount(), len(unit.Groups)),
		Metadata: map[string]interface{}{
			"branch":      unit.Branch,
			"file_count":  len(unit.Groups),
			"group_count": len(unit.Groups),
		},
	})
}

// Step creates or polls the current session. Polls are rate limited to the
// configured interval; a Step between polls is a no-op returning Running.
func (d *AgentDriver) Step(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled || d.finished {
		return d.final, nil
	}

	if d.idx >= len(d.unit.Groups) {
		return d.finishLocked(ctx)
	}

	if d.sessionID == "" {
		return d.createSessionLocked(ctx)
	}
	return d.pollSessionLocked(ctx)
}

func (d *AgentDriver) createSessionLocked(ctx context.Context) (Result, error) {
	group := d.unit.Groups[d.idx]
	sessionID, err := d.backend.CreateSession(ctx, &SessionRequest{
		Repo:     d.rc.Repo,
		Branch:   d.unit.Branch,
		FilePath: group.FilePath,
		Findings: group.Findings,
	})
	if err != nil {
		log.Printf("WARN: %s session creation failed for %s: %v", d.tool, group.FilePath, err)
		if emitErr := d.rc.Emit(ctx, Draft{
			Type:      domain.EventTypeError,
			Detail:    fmt.Sprintf("session creation failed for %s: %v", group.FilePath, err),
			FindingID: firstFinding(group),
			Metadata:  map[string]interface{}{"file": group.FilePath},
		}); emitErr != nil {
			return Failed, emitErr
		}
		d.failures++
		d.idx++
		return Running, nil
	}

	d.sessionID = sessionID
	d.sessionStart = time.Now()
	d.lastPoll = time.Now()

	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypeSessionCreated,
		Detail:    fmt.Sprintf("session %s created for %s (%d findings)", sessionID, group.FilePath, len(group.Findings)),
		FindingID: firstFinding(group),
		Metadata: map[string]interface{}{
			"session_id": sessionID,
			"file":       group.FilePath,
			"findings":   len(group.Findings),
		},
	}); err != nil {
		return Failed, err
	}
	return Running, nil
}

func (d *AgentDriver) pollSessionLocked(ctx context.Context) (Result, error) {
	if time.Since(d.lastPoll) < d.pollInterval {
		return Running, nil
	}
	d.lastPoll = time.Now()

	group := d.unit.Groups[d.idx]
	status, err := d.backend.GetSession(ctx, d.sessionID)
	if err != nil {
		log.Printf("WARN: %s poll failed for session %s: %v", d.tool, d.sessionID, err)
		// Transient poll failures are absorbed; the session keeps running
		// until the max-wait deadline decides.
		if time.Since(d.sessionStart) <= d.maxWait {
			return Running, nil
		}
	}

	if time.Since(d.sessionStart) > d.maxWait {
		return d.abandonSessionLocked(ctx, group, "polling_timeout",
			fmt.Sprintf("session %s exceeded max wait of %s", d.sessionID, d.maxWait))
	}

	switch status.State {
	case SessionFinished:
		return d.completeSessionLocked(ctx, group, status)
	case SessionFailed, SessionSuspended, SessionWaitingForUser:
		return d.abandonSessionLocked(ctx, group, string(status.State),
			fmt.Sprintf("session %s ended in state %s", d.sessionID, status.State))
	default:
		return Running, nil
	}
}

func (d *AgentDriver) completeSessionLocked(ctx context.Context, group domain.FileGroup, status *SessionStatus) (Result, error) {
	cost := pricing.ActualCost(d.tool, pricing.Usage{
		Credits:  status.CreditsUsed,
		Sessions: 1,
		Requests: 1,
	})

	meta := map[string]interface{}{
		"session_id": d.sessionID,
		"file":       group.FilePath,
	}
	if status.CreditsUsed > 0 {
		meta["credits_used"] = status.CreditsUsed
	}
	if status.PullRequest != "" {
		meta["pull_request"] = status.PullRequest
	}

	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypeFixPushed,
		Detail:    fmt.Sprintf("fix for %s pushed to %s", group.FilePath, d.unit.Branch),
		FindingID: firstFinding(group),
		Metadata:  meta,
		CostUSD:   cost,
	}); err != nil {
		return Failed, err
	}

	if err := d.verifyLocked(ctx, group); err != nil {
		return Failed, err
	}

	d.sessionID = ""
	d.idx++
	return Running, nil
}

func (d *AgentDriver) abandonSessionLocked(ctx context.Context, group domain.FileGroup, reason, detail string) (Result, error) {
	if err := d.backend.StopSession(ctx, d.sessionID); err != nil {
		log.Printf("WARN: %s failed to stop session %s: %v", d.tool, d.sessionID, err)
	}

	if err := d.rc.Emit(ctx, Draft{
		Type:      domain.EventTypeError,
		Detail:    detail,
		FindingID: firstFinding(group),
		Metadata: map[string]interface{}{
			"session_id": d.sessionID,
			"file":       group.FilePath,
			"reason":     reason,
		},
	}); err != nil {
		return Failed, err
	}

	d.sessionID = ""
	d.failures++
	d.idx++
	return Running, nil
}

func (d *AgentDriver) verifyLocked(ctx context.Context, group domain.FileGroup) error {
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

func (d *AgentDriver) finishLocked(ctx context.Context) (Result, error) {
	d.finished = true
	if len(d.unit.Groups) > 0 && d.failures == len(d.unit.Groups) {
		d.final = Failed
		return Failed, fmt.Errorf("%s: all %d sessions failed", d.tool, d.failures)
	}

	d.final = Completed
	if err := d.rc.Emit(ctx, Draft{
		Type:   domain.EventTypeRemediationComplete,
		Detail: fmt.Sprintf("processed %d file groups (%d failed)", len(d.unit.Groups), d.failures),
		Metadata: map[string]interface{}{
			"groups": len(d.unit.Groups),
			"failed": d.failures,
		},
	}); err != nil {
		return Failed, err
	}
	return Completed, nil
}

// Cancel stops the active session, if any, and records the terminal
// cancelled event. Idempotent.
func (d *AgentDriver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled || d.finished {
		return nil
	}
	d.cancelled = true
	d.final = Completed

	// A cancel can land before Start binds the run context. Nothing ran, so
	// there is nothing to stop or record.
	if d.rc.Emit == nil {
		return nil
	}

	if d.sessionID != "" {
		if err := d.backend.StopSession(ctx, d.sessionID); err != nil {
			log.Printf("WARN: %s failed to stop session %s on cancel: %v", d.tool, d.sessionID, err)
		}
		d.sessionID = ""
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

func firstFinding(g domain.FileGroup) int64 {
	if len(g.Findings) == 0 {
		return 0
	}
	return g.Findings[0].Number
}
