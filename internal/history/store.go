// Package history persists run journals to SQLite so operators can review
// past runs after a restart. Writes are best-effort from the runner's point
// of view: a journal failure never blocks a run.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/internal/runner"
)

// Run is a persisted run record.
type Run struct {
	RunID        string    `json:"run_id"`
	TaskText     string    `json:"task_text"`
	Phase        string    `json:"phase"`
	Error        string    `json:"error,omitempty"`
	Report       string    `json:"report,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
}

// LogLine is one persisted execution log line.
type LogLine struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// Store persists run history to SQLite. It implements runner.Journal.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store using an existing *sql.DB connection. It runs
// migrations to create the required tables if they don't exist.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history store migration failed: %w", err)
	}
	return s, nil
}

// NewStoreFromPath creates a Store by opening a new SQLite connection.
// Used primarily for testing with in-memory databases (path = ":memory:").
func NewStoreFromPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	return NewStore(db)
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_text TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'running',
			error TEXT DEFAULT '',
			report TEXT DEFAULT '',
			artifact_path TEXT DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			proof TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			line TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordRunStart inserts a new run row in the RUNNING phase.
func (s *Store) RecordRunStart(runID, taskText string) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, task_text, phase, started_at) VALUES (?, ?, ?, ?)`,
		runID, taskText, string(runner.PhaseRunning), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordStep appends one step to a run.
func (s *Store) RecordStep(runID string, step runner.Step) error {
	_, err := s.db.Exec(
		`INSERT INTO run_steps (run_id, timestamp, title, status, proof) VALUES (?, ?, ?, ?, ?)`,
		runID, step.Timestamp.UTC(), step.Title, string(step.Status), step.Proof,
	)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// RecordLog appends one execution log line to a run.
func (s *Store) RecordLog(runID, line string) error {
	_, err := s.db.Exec(
		`INSERT INTO run_logs (run_id, timestamp, line) VALUES (?, ?, ?)`,
		runID, time.Now().UTC(), line,
	)
	if err != nil {
		return fmt.Errorf("failed to record log line: %w", err)
	}
	return nil
}

// RecordRunEnd finalizes a run row with its terminal phase and report.
func (s *Store) RecordRunEnd(runID string, phase runner.Phase, errText, report, artifactPath string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET phase = ?, error = ?, report = ?, artifact_path = ?, ended_at = ? WHERE run_id = ?`,
		string(phase), errText, report, artifactPath, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, task_text, phase, error, report, artifact_path, started_at, ended_at
		 FROM runs WHERE run_id = ?`, runID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, task_text, phase, error, report, artifact_path, started_at, ended_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns a run's steps in insertion order.
func (s *Store) Steps(runID string) ([]runner.Step, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, title, status, proof FROM run_steps WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []runner.Step
	for rows.Next() {
		var st runner.Step
		var status string
		if err := rows.Scan(&st.Timestamp, &st.Title, &status, &st.Proof); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Status = runner.StepStatus(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Logs returns a run's log lines in insertion order.
func (s *Store) Logs(runID string) ([]LogLine, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, line FROM run_logs WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		l := LogLine{RunID: runID}
		if err := rows.Scan(&l.Timestamp, &l.Line); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// PurgeOlderThan deletes terminal runs that started before the cutoff, along
// with their steps and logs. A run still marked running is never purged.
// Returns the number of runs deleted.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	where := `run_id IN (SELECT run_id FROM runs WHERE started_at < ? AND phase != ?)`
	running := string(runner.PhaseRunning)

	if _, err := tx.Exec(`DELETE FROM run_steps WHERE `+where, cutoff.UTC(), running); err != nil {
		return 0, fmt.Errorf("failed to purge steps: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM run_logs WHERE `+where, cutoff.UTC(), running); err != nil {
		return 0, fmt.Errorf("failed to purge logs: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE started_at < ? AND phase != ?`, cutoff.UTC(), running)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var endedAt sql.NullTime
	if err := sc.Scan(&r.RunID, &r.TaskText, &r.Phase, &r.Error, &r.Report,
		&r.ArtifactPath, &r.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		r.EndedAt = endedAt.Time
	}
	return &r, nil
}
