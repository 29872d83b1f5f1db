// Package archive keeps a local SQLite record of observed runs and their timelines.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Run is one observed simulation run.
type Run struct {
	RunID       string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      domain.SimulationStatus
	SceneName   string
	LLMProvider string
	ModelName   string
	EntryCount  int
}

// SQLiteArchive stores runs and timeline entries.
type SQLiteArchive struct {
	db *sql.DB
}

// Open opens (and migrates) the archive at dsn with the given driver.
func Open(driver, dsn string) (*SQLiteArchive, error) {
	switch driver {
	case DriverCGO, DriverPure:
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			status TEXT NOT NULL,
			scene_name TEXT,
			llm_provider TEXT,
			model_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS timeline_entries (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			character TEXT NOT NULL,
			action_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			content TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step, character, action_type, ts),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_run_step ON timeline_entries(run_id, step)`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// BeginRun inserts a run record.
func (a *SQLiteArchive) BeginRun(ctx context.Context, run Run) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, status, scene_name, llm_provider, model_name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UTC(), string(run.Status), run.SceneName, run.LLMProvider, run.ModelName,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun records the latest status, scene and end time of a run.
func (a *SQLiteArchive) UpdateRun(ctx context.Context, runID string, status domain.SimulationStatus, sceneName string, endedAt *time.Time) error {
	var ended any
	if endedAt != nil {
		ended = endedAt.UTC()
	}
	_, err := a.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, scene_name = COALESCE(NULLIF(?, ''), scene_name), ended_at = ? WHERE run_id = ?`,
		string(status), sceneName, ended, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// SaveEntries inserts entries that are not archived yet and returns how many were new.
func (a *SQLiteArchive) SaveEntries(ctx context.Context, runID string, entries []domain.TimelineEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO timeline_entries (run_id, step, character, action_type, ts, content, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal entry: %w", err)
		}
		res, err := stmt.ExecContext(ctx, runID, e.Step, e.Character, string(e.ActionType), e.Timestamp, e.Content, string(payload))
		if err != nil {
			return 0, fmt.Errorf("failed to insert entry: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entries: %w", err)
	}
	return inserted, nil
}

// Entries returns the archived timeline of a run in step order.
func (a *SQLiteArchive) Entries(ctx context.Context, runID string) ([]domain.TimelineEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT payload FROM timeline_entries WHERE run_id = ? ORDER BY step, recorded_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimelineEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		var e domain.TimelineEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Runs lists the most recent runs first.
func (a *SQLiteArchive) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT r.run_id, r.started_at, r.ended_at, r.status,
		        COALESCE(r.scene_name, ''), COALESCE(r.llm_provider, ''), COALESCE(r.model_name, ''),
		        (SELECT COUNT(*) FROM timeline_entries e WHERE e.run_id = r.run_id)
		 FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run    Run
			status string
			ended  sql.NullTime
		)
		if err := rows.Scan(&run.RunID, &run.StartedAt, &ended, &status,
			&run.SceneName, &run.LLMProvider, &run.ModelName, &run.EntryCount); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = domain.SimulationStatus(status)
		if ended.Valid {
			t := ended.Time
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
