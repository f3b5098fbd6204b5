package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fixbench/orchestrator/domain"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
//
// Appends are serialized per run: concurrent drivers interleave at the
// storage layer but never corrupt per-tool offset ordering or the running
// cost counters.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	runs map[string]*runCounters
}

// runCounters is the mutable per-run state shared by concurrent drivers:
// last offset and cumulative cost per tool. Guarded by SQLiteStore.mu.
type runCounters struct {
	lastOffset map[string]int64
	cumCost    map[string]float64
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, runs: make(map[string]*runCounters)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			scan_id TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			status TEXT NOT NULL,
			tools TEXT NOT NULL,
			branch_name TEXT,
			total_cost_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo, started_at)`,
		`CREATE TABLE IF NOT EXISTS run_tools (
			run_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (run_id, tool),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			finding_id INTEGER,
			offset_ms INTEGER NOT NULL,
			metadata TEXT,
			cost_usd REAL NOT NULL DEFAULT 0,
			cumulative_cost_usd REAL NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, tool, offset_ms)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	tools, _ := json.Marshal(run.Tools)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, repo, scan_id, started_at, status, tools, branch_name, total_cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Repo, nullString(run.ScanID), run.StartedAt, run.Status,
		string(tools), nullString(run.BranchName), run.TotalCostUSD)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, repo, scan_id, started_at, ended_at, status, tools, branch_name, total_cost_usd
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs, newest first, optionally filtered by repository.
func (s *SQLiteStore) ListRuns(ctx context.Context, repo string) ([]domain.Run, error) {
	query := `SELECT run_id, repo, scan_id, started_at, ended_at, status, tools, branch_name, total_cost_usd
		 FROM runs`
	args := []interface{}{}
	if repo != "" {
		query += ` WHERE repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	return err
}

// UpdateRunCompleted moves a run to a terminal status and stamps ended_at.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return err
	}

	// The run is terminal, so drop its counters instead of pinning them for
	// the process lifetime. A straggler append reloads them from the table.
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

// SetToolStatus upserts the per-tool status within a run.
func (s *SQLiteStore) SetToolStatus(ctx context.Context, runID, tool string, status domain.ToolStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_tools (run_id, tool, status) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, tool) DO UPDATE SET status = excluded.status`,
		runID, tool, status)
	return err
}

// GetToolStatuses returns tool -> status for a run.
func (s *SQLiteStore) GetToolStatuses(ctx context.Context, runID string) (map[string]domain.ToolStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, status FROM run_tools WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]domain.ToolStatus)
	for rows.Next() {
		var tool string
		var status domain.ToolStatus
		if err := rows.Scan(&tool, &status); err != nil {
			return nil, err
		}
		statuses[tool] = status
	}
	return statuses, rows.Err()
}

// Append appends one event and returns its assigned id.
//
// Under the per-run lock it computes the tool's cumulative cost, flags the
// event when its offset regresses within the tool's stream (accepted anyway:
// wall-clock jitter across concurrent drivers is expected), and folds the
// event's cost into runs.total_cost_usd in the same transaction, so the
// run-total invariant holds after every append.
func (s *SQLiteStore) Append(ctx context.Context, event *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.countersLocked(ctx, event.RunID)
	if err != nil {
		return 0, err
	}

	if last, ok := counters.lastOffset[event.Tool]; ok && event.OffsetMs < last {
		event.Flagged = true
	}

	cum := counters.cumCost[event.Tool] + event.CostUSD
	event.CumulativeCostUSD = cum
	event.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	metadata := ""
	if event.Metadata != nil {
		metadata = string(event.Metadata)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, tool, event_type, detail, finding_id, offset_ms,
		                     metadata, cost_usd, cumulative_cost_usd, flagged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Tool, event.Type, event.Detail, nullInt64(event.FindingID),
		event.OffsetMs, metadata, event.CostUSD, cum, event.Flagged, event.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	if event.CostUSD != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET total_cost_usd = total_cost_usd + ? WHERE run_id = ?`,
			event.CostUSD, event.RunID); err != nil {
			return 0, fmt.Errorf("failed to update run cost: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	event.EventID = id

	// Only advance the in-memory counters once the insert is durable.
	if event.OffsetMs >= counters.lastOffset[event.Tool] {
		counters.lastOffset[event.Tool] = event.OffsetMs
	}
	counters.cumCost[event.Tool] = cum

	return id, nil
}

// countersLocked returns the per-run counters, loading them from the
// database on first touch (e.g. after a restart mid-run).
func (s *SQLiteStore) countersLocked(ctx context.Context, runID string) (*runCounters, error) {
	if c, ok := s.runs[runID]; ok {
		return c, nil
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM runs WHERE run_id = ?`, runID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	c := &runCounters{lastOffset: make(map[string]int64), cumCost: make(map[string]float64)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, MAX(offset_ms), SUM(cost_usd) FROM events WHERE run_id = ? GROUP BY tool`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tool string
		var maxOffset sql.NullInt64
		var sumCost sql.NullFloat64
		if err := rows.Scan(&tool, &maxOffset, &sumCost); err != nil {
			return nil, err
		}
		c.lastOffset[tool] = maxOffset.Int64
		c.cumCost[tool] = sumCost.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.runs[runID] = c
	return c, nil
}

// ReadAll returns every event for a run ordered by (tool, offset, id), the
// replay ordering. Live consumers should use ReadTail, which is insertion
// ordered.
func (s *SQLiteStore) ReadAll(ctx context.Context, runID string) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT id, run_id, tool, event_type, detail, finding_id, offset_ms,
		        metadata, cost_usd, cumulative_cost_usd, flagged, created_at
		 FROM events WHERE run_id = ? ORDER BY tool, offset_ms, id`, runID)
}

// ReadTail returns events appended after the cursor, in insertion order.
// Repeated calls with an advancing cursor partition the log with no
// duplicates and no gaps.
func (s *SQLiteStore) ReadTail(ctx context.Context, runID string, sinceEventID int64) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT id, run_id, tool, event_type, detail, finding_id, offset_ms,
		        metadata, cost_usd, cumulative_cost_usd, flagged, created_at
		 FROM events WHERE run_id = ? AND id > ? ORDER BY id`, runID, sinceEventID)
}

// CumulativeCost returns the running cost total for one tool in a run.
// Served from the incrementally maintained counter, not a table scan.
func (s *SQLiteStore) CumulativeCost(ctx context.Context, runID, tool string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.countersLocked(ctx, runID)
	if err != nil {
		return 0, err
	}
	return counters.cumCost[tool], nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var findingID sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Tool, &event.Type,
			&event.Detail, &findingID, &event.OffsetMs, &metadata,
			&event.CostUSD, &event.CumulativeCostUSD, &event.Flagged, &event.CreatedAt); err != nil {
			return nil, err
		}
		if findingID.Valid {
			event.FindingID = findingID.Int64
		}
		if metadata.Valid && metadata.String != "" {
			event.Metadata = json.RawMessage(metadata.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var scanID, branchName sql.NullString
	var endedAt sql.NullTime
	var tools string
	err := row.Scan(&run.RunID, &run.Repo, &scanID, &run.StartedAt, &endedAt,
		&run.Status, &tools, &branchName, &run.TotalCostUSD)
	if err != nil {
		return nil, err
	}
	if scanID.Valid {
		run.ScanID = scanID.String
	}
	if branchName.Valid {
		run.BranchName = branchName.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(tools), &run.Tools); err != nil {
		return nil, fmt.Errorf("failed to decode tools: %w", err)
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
