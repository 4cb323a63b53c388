package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  started_at  INTEGER NOT NULL,
  finished_at INTEGER NULL,
  concurrency INTEGER NOT NULL,
  cancelled   INTEGER NOT NULL DEFAULT 0,
  completed   INTEGER NOT NULL DEFAULT 0,
  total       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_results (
  run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  idx           INTEGER NOT NULL,
  provider      TEXT NOT NULL,
  region        TEXT NOT NULL,
  label         TEXT NOT NULL,
  url           TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempts      INTEGER NOT NULL DEFAULT 0,
  timing_ms     REAL NOT NULL DEFAULT 0,
  transfer_size INTEGER NULL,
  detail        TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC);
`

// Store keeps runs in a local SQLite file. Times are stored as unix nanoseconds.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file and its parent directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

func (s *Store) Create(ctx context.Context, run *domain.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, concurrency, cancelled, completed, total)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), nullTime(run.FinishedAt), run.Concurrency,
		boolToInt(run.Cancelled), run.Completed, run.Total)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_results
		   (run_id, idx, provider, region, label, url, status, attempts, timing_ms, transfer_size, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()
	for i, r := range run.Results {
		t := r.Target
		if _, err := stmt.ExecContext(ctx, run.ID, i, string(t.Provider), t.Region, t.Label, t.URL,
			string(r.Status), r.Attempts, r.TimingMS, nullSize(r.TransferSize), r.Detail); err != nil {
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveResult(ctx context.Context, runID string, index int, r domain.CheckResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_results
		    SET status = ?, attempts = ?, timing_ms = ?, transfer_size = ?, detail = ?
		  WHERE run_id = ? AND idx = ?`,
		string(r.Status), r.Attempts, r.TimingMS, nullSize(r.TransferSize), r.Detail, runID, index)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s index %d: %w", runID, index, repo.ErrNotFound)
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, runID string, finishedAt time.Time, completed int, cancelled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, completed = ?, cancelled = ? WHERE id = ?`,
		finishedAt.UnixNano(), completed, boolToInt(cancelled), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Run, error) {
	var (
		run       domain.Run
		started   int64
		finished  sql.NullInt64
		cancelled int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, concurrency, cancelled, completed, total FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &started, &finished, &run.Concurrency, &cancelled, &run.Completed, &run.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.StartedAt = fromNanos(started)
	if finished.Valid {
		ts := fromNanos(finished.Int64)
		run.FinishedAt = &ts
	}
	run.Cancelled = cancelled == 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, region, label, url, status, attempts, timing_ms, transfer_size, detail
		   FROM run_results WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	run.Results = make([]domain.CheckResult, 0, run.Total)
	for rows.Next() {
		var (
			r        domain.CheckResult
			provider string
			status   string
			size     sql.NullInt64
		)
		if err := rows.Scan(&provider, &r.Target.Region, &r.Target.Label, &r.Target.URL,
			&status, &r.Attempts, &r.TimingMS, &size, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Target.Provider = domain.Provider(provider)
		r.Status = domain.Status(status)
		if size.Valid {
			n := size.Int64
			r.TransferSize = &n
		}
		run.Results = append(run.Results, r)
	}
	return &run, rows.Err()
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.RunInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.started_at, r.finished_at, r.cancelled, r.completed, r.total,
       COALESCE(SUM(CASE WHEN rr.status = 'clean'    THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN rr.status = 'blocked'  THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN rr.status = 'error'    THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN rr.status = 'checking' THEN 1 ELSE 0 END), 0)
  FROM runs r
  LEFT JOIN run_results rr ON rr.run_id = r.id
 GROUP BY r.id
 ORDER BY r.started_at DESC, r.id DESC
 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunInfo
	for rows.Next() {
		var (
			info      domain.RunInfo
			started   int64
			finished  sql.NullInt64
			cancelled int
		)
		if err := rows.Scan(&info.ID, &started, &finished, &cancelled, &info.Completed, &info.Total,
			&info.Summary.Clean, &info.Summary.Blocked, &info.Summary.Error, &info.Summary.Checking); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info.StartedAt = fromNanos(started)
		if finished.Valid {
			ts := fromNanos(finished.Int64)
			info.FinishedAt = &ts
		}
		info.Cancelled = cancelled == 1
		sum := info.Summary
		info.Summary.Pending = info.Total - sum.Clean - sum.Blocked - sum.Error - sum.Checking
		out = append(out, info)
	}
	return out, rows.Err()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullSize(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ repo.RunStore = (*Store)(nil)
