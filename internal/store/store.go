// Package store persists build and run records in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"runway"
	"runway/internal/defaults"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if err := defaults.EnsureDataRoot(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS builds (
	id TEXT PRIMARY KEY,
	app TEXT NOT NULL,
	phase TEXT NOT NULL,
	build_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_app ON builds(app, created_at);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	app TEXT NOT NULL,
	phase TEXT NOT NULL,
	run_json TEXT NOT NULL,
	started_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_app ON runs(app, started_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveBuild inserts or replaces the build record keyed by its ID.
func (s *Store) SaveBuild(ctx context.Context, b runway.Build) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal build %q: %w", b.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO builds (id, app, phase, build_json, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 app = excluded.app,
		 phase = excluded.phase,
		 build_json = excluded.build_json,
		 created_at = excluded.created_at`,
		b.ID,
		b.App,
		b.Phase.String(),
		string(payload),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save build %q: %w", b.ID, err)
	}
	return nil
}

// GetBuild returns the build with the given ID.
func (s *Store) GetBuild(ctx context.Context, id string) (runway.Build, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT build_json FROM builds WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runway.Build{}, false, nil
		}
		return runway.Build{}, false, fmt.Errorf("query build %q: %w", id, err)
	}
	b, err := unmarshalBuild(payload)
	if err != nil {
		return runway.Build{}, false, err
	}
	return b, true, nil
}

// LatestBuild returns the most recent build for an app, regardless of phase.
func (s *Store) LatestBuild(ctx context.Context, app string) (runway.Build, bool, error) {
	return s.latestBuild(ctx,
		`SELECT build_json FROM builds WHERE app = ? ORDER BY created_at DESC, id DESC LIMIT 1`, app)
}

// LatestSucceededBuild returns the newest build whose environment was
// promoted. This is the build a run launches from.
func (s *Store) LatestSucceededBuild(ctx context.Context, app string) (runway.Build, bool, error) {
	return s.latestBuild(ctx,
		`SELECT build_json FROM builds WHERE app = ? AND phase = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		app, runway.BuildSucceeded.String())
}

func (s *Store) latestBuild(ctx context.Context, query string, args ...any) (runway.Build, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runway.Build{}, false, nil
		}
		return runway.Build{}, false, fmt.Errorf("query latest build: %w", err)
	}
	b, err := unmarshalBuild(payload)
	if err != nil {
		return runway.Build{}, false, err
	}
	return b, true, nil
}

// ListBuilds returns builds newest first. An empty app selects all apps;
// limit <= 0 means no limit.
func (s *Store) ListBuilds(ctx context.Context, app string, limit int) ([]runway.Build, error) {
	query := `SELECT build_json FROM builds`
	args := []any{}
	if app != "" {
		query += ` WHERE app = ?`
		args = append(args, app)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	out := make([]runway.Build, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan build row: %w", err)
		}
		b, err := unmarshalBuild(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build rows: %w", err)
	}
	return out, nil
}

// SaveRun inserts or replaces the run record keyed by its ID.
func (s *Store) SaveRun(ctx context.Context, r runway.Run) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %q: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, app, phase, run_json, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 app = excluded.app,
		 phase = excluded.phase,
		 run_json = excluded.run_json,
		 started_at = excluded.started_at`,
		r.ID,
		r.App,
		r.Phase.String(),
		string(payload),
		r.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run %q: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (runway.Run, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runway.Run{}, false, nil
		}
		return runway.Run{}, false, fmt.Errorf("query run %q: %w", id, err)
	}
	r, err := unmarshalRun(payload)
	if err != nil {
		return runway.Run{}, false, err
	}
	return r, true, nil
}

// LatestRun returns the most recent run for an app.
func (s *Store) LatestRun(ctx context.Context, app string) (runway.Run, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_json FROM runs WHERE app = ? ORDER BY started_at DESC, id DESC LIMIT 1`, app).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runway.Run{}, false, nil
		}
		return runway.Run{}, false, fmt.Errorf("query latest run for %q: %w", app, err)
	}
	r, err := unmarshalRun(payload)
	if err != nil {
		return runway.Run{}, false, err
	}
	return r, true, nil
}

// ListRuns returns runs newest first. An empty app selects all apps;
// limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, app string, limit int) ([]runway.Run, error) {
	query := `SELECT run_json FROM runs`
	args := []any{}
	if app != "" {
		query += ` WHERE app = ?`
		args = append(args, app)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]runway.Run, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r, err := unmarshalRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

// ActiveRuns returns runs whose recorded phase still owns a process. After
// a daemon restart these records are stale and must be reconciled.
func (s *Store) ActiveRuns(ctx context.Context) ([]runway.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_json FROM runs WHERE phase IN (?, ?, ?) ORDER BY started_at`,
		runway.RunStarting.String(),
		runway.RunRunning.String(),
		runway.RunRestarting.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	out := make([]runway.Run, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r, err := unmarshalRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func unmarshalBuild(payload string) (runway.Build, error) {
	var b runway.Build
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return runway.Build{}, fmt.Errorf("unmarshal build record: %w", err)
	}
	return b, nil
}

func unmarshalRun(payload string) (runway.Run, error) {
	var r runway.Run
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return runway.Run{}, fmt.Errorf("unmarshal run record: %w", err)
	}
	return r, nil
}
