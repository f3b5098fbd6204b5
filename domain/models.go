package domain

import (
	"encoding/json"
	"time"
)

// Run represents one benchmark execution across a fixed set of tools and
// findings. Mutated only by the coordinator; immutable once terminal.
type Run struct {
	RunID        string     `json:"run_id"`
	Repo         string     `json:"repo"`
	ScanID       string     `json:"scan_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       RunStatus  `json:"status"`
	Tools        []string   `json:"tools"`
	BranchName   string     `json:"branch_name,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd"`
}

// Event represents one fact in a run's timeline. Append-only: never mutated
// or deleted after creation. OffsetMs is milliseconds from run start and is
// non-decreasing within a single tool's stream; the EventID doubles as the
// global insertion cursor for live tail reads.
type Event struct {
	EventID           int64           `json:"id"`
	RunID             string          `json:"run_id"`
	Tool              string          `json:"tool"`
	Type              EventType       `json:"event_type"`
	Detail            string          `json:"detail"`
	FindingID         int64           `json:"finding_id,omitempty"`
	OffsetMs          int64           `json:"offset_ms"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CostUSD           float64         `json:"cost_usd"`
	CumulativeCostUSD float64         `json:"cumulative_cost_usd"`
	// Flagged marks an event whose offset arrived below the previous offset
	// for the same (run, tool) pair. The event is accepted anyway.
	Flagged   bool      `json:"flagged,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Finding is a single security issue reported by a static-analysis scan.
type Finding struct {
	Number          int64  `json:"number"`
	RuleID          string `json:"rule_id"`
	RuleDescription string `json:"rule_description,omitempty"`
	Severity        string `json:"severity"`
	Message         string `json:"message,omitempty"`
	FilePath        string `json:"file_path"`
	StartLine       int    `json:"start_line,omitempty"`
	EndLine         int    `json:"end_line,omitempty"`
}

// FileGroup is the set of findings sharing one file, processed together so
// an agent amortizes context across findings in the same file.
type FileGroup struct {
	FilePath string    `json:"file_path"`
	Findings []Finding `json:"findings"`
}

// WorkUnit is the partition of findings assigned to one tool for a run.
// Owned exclusively by that tool's driver for the run's duration.
type WorkUnit struct {
	Tool   string      `json:"tool"`
	Branch string      `json:"branch"`
	Groups []FileGroup `json:"groups"`
}

// FindingCount returns the total number of findings across all groups.
func (w WorkUnit) FindingCount() int {
	n := 0
	for _, g := range w.Groups {
		n += len(g.Findings)
	}
	return n
}

// GroupByFile partitions findings by file path, ordered by first appearance.
func GroupByFile(findings []Finding) []FileGroup {
	index := make(map[string]int)
	var groups []FileGroup
	for _, f := range findings {
		i, ok := index[f.FilePath]
		if !ok {
			i = len(groups)
			index[f.FilePath] = i
			groups = append(groups, FileGroup{FilePath: f.FilePath})
		}
		groups[i].Findings = append(groups[i].Findings, f)
	}
	return groups
}
