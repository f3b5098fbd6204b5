// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"errors"

	"github.com/fixbench/orchestrator/domain"
)

// ErrRunNotFound is returned when a referenced run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store defines the interface for data persistence. The event log is
// append-only: there are no update or delete operations on events;
// corrections are made by appending a compensating event.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, repo string) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus) error

	// Per-tool status
	SetToolStatus(ctx context.Context, runID, tool string, status domain.ToolStatus) error
	GetToolStatuses(ctx context.Context, runID string) (map[string]domain.ToolStatus, error)

	// Event operations. Append assigns the event id, computes the per-tool
	// cumulative cost, flags out-of-order offsets within a tool's stream,
	// and folds the event's cost into the run total, all in one transaction.
	Append(ctx context.Context, event *domain.Event) (int64, error)
	ReadAll(ctx context.Context, runID string) ([]domain.Event, error)
	ReadTail(ctx context.Context, runID string, sinceEventID int64) ([]domain.Event, error)
	CumulativeCost(ctx context.Context, runID, tool string) (float64, error)

	// Lifecycle
	Close() error
}
