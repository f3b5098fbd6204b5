// Package domain defines the core domain models for the benchmark engine.
package domain

// RunStatus represents the status of a benchmark run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a run status is terminal. Terminal states
// never revert.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ToolStatus represents the per-tool status within a run. A run can be
// completed overall while individual tools are failed; per-tool status is
// authoritative for success reporting.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
	ToolStatusCancelled ToolStatus = "cancelled"
	ToolStatusSkipped   ToolStatus = "skipped"
)

// IsTerminal reports whether a tool status is terminal.
func (s ToolStatus) IsTerminal() bool {
	switch s {
	case ToolStatusCompleted, ToolStatusFailed, ToolStatusCancelled, ToolStatusSkipped:
		return true
	}
	return false
}

// EventType represents the type of a remediation event. The vocabulary is
// shared across all drivers so replay consumers can treat tools uniformly.
type EventType string

const (
	EventTypeScanStarted         EventType = "scan_started"
	EventTypeSessionCreated      EventType = "session_created"
	EventTypeAnalyzing           EventType = "analyzing"
	EventTypePatchGenerated      EventType = "patch_generated"
	EventTypePatchApplied        EventType = "patch_applied"
	EventTypeFixPushed           EventType = "fix_pushed"
	EventTypeVerificationPending EventType = "verification_pending"
	EventTypeVerificationPassed  EventType = "verification_passed"
	EventTypeVerificationFailed  EventType = "verification_failed"
	EventTypeBatchComplete       EventType = "batch_complete"
	EventTypeRemediationComplete EventType = "remediation_complete"
	EventTypeError               EventType = "error"
	EventTypeCancelled           EventType = "cancelled"
	EventTypeSkipped             EventType = "skipped"
)
