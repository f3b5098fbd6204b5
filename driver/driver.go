// Package driver defines the uniform interface every remediation backend is
// driven through, plus the concrete driver variants.
//
// A driver instance is single-use: it is constructed for one (run, tool)
// pair, bound to its work unit by Start, and advanced by Step until it
// reports a terminal result. This uniform shape is what lets the coordinator
// treat a poll-based agent session and a synchronous batch caller
// identically.
package driver

import (
	"context"

	"github.com/fixbench/orchestrator/domain"
)

// Result is the outcome of one Step call.
type Result int

const (
	Running Result = iota
	Completed
	Failed
)

// String returns the lower-case name of the result.
func (r Result) String() string {
	switch r {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Draft is an event a driver wants recorded. The coordinator owns id
// assignment, offsets and cost accumulation; drivers only describe what
// happened.
type Draft struct {
	Type      domain.EventType
	Detail    string
	FindingID int64
	Metadata  map[string]interface{}
	CostUSD   float64
}

// EmitFunc records one event into the run's log. An error from EmitFunc is a
// storage failure and is fatal to the run; drivers must propagate it from
// Step rather than swallow it.
type EmitFunc func(ctx context.Context, draft Draft) error

// RunContext carries the run-scoped facilities a driver uses.
type RunContext struct {
	RunID string
	Repo  string
	Emit  EmitFunc
}

// Driver drives one tool's remediation protocol to completion.
type Driver interface {
	// Tool returns the tool identifier this driver serves.
	Tool() string

	// Start binds the work unit and emits the tool's scan_started event.
	// It must not block on remote work: the first remote call happens in
	// Step.
	Start(ctx context.Context, unit domain.WorkUnit, rc RunContext) error

	// Step performs the next unit of work: one synchronous file-group
	// remediation for batch tools, or one remote status poll for
	// agent-session tools. It returns Running until the work unit is
	// exhausted. A non-nil error is a driver failure unless it wraps a
	// storage failure from Emit.
	Step(ctx context.Context) (Result, error)

	// Cancel stops the driver, best-effort. No work-initiating events are
	// emitted after Cancel returns; in-flight remote calls may finish but
	// their results are not committed. Cancel emits the terminal cancelled
	// event.
	Cancel(ctx context.Context) error
}

// SupportsFileGrouping reports whether a tool's backend can process several
// findings in one file as a single unit. Tools without grouping get one
// work-unit group per finding.
func SupportsFileGrouping(tool string) bool {
	return tool != "copilot"
}
