package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/repo"
)

var _ repo.RunStore = (*Store)(nil)

// Schema is applied by Migrate; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  started_at  TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NULL,
  concurrency INTEGER NOT NULL,
  cancelled   BOOLEAN NOT NULL DEFAULT false,
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
  timing_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
  transfer_size BIGINT NULL,
  detail        TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.log.Info("postgres_schema_ready")
	return nil
}

// ---- RunStore ----

func (s *Store) Create(ctx context.Context, run *domain.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, started_at, finished_at, concurrency, cancelled, completed, total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Concurrency, run.Cancelled, run.Completed, run.Total)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	b := &pgx.Batch{}
	for i, r := range run.Results {
		t := r.Target
		b.Queue(`INSERT INTO run_results
		   (run_id, idx, provider, region, label, url, status, attempts, timing_ms, transfer_size, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			run.ID, i, string(t.Provider), t.Region, t.Label, t.URL,
			string(r.Status), r.Attempts, r.TimingMS, r.TransferSize, r.Detail)
	}
	br := tx.SendBatch(ctx, b)
	for i := range run.Results {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveResult(ctx context.Context, runID string, index int, r domain.CheckResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_results
		    SET status = $1, attempts = $2, timing_ms = $3, transfer_size = $4, detail = $5
		  WHERE run_id = $6 AND idx = $7`,
		string(r.Status), r.Attempts, r.TimingMS, r.TransferSize, r.Detail, runID, index)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s index %d: %w", runID, index, repo.ErrNotFound)
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, runID string, finishedAt time.Time, completed int, cancelled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET finished_at = $1, completed = $2, cancelled = $3 WHERE id = $4`,
		finishedAt, completed, cancelled, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, concurrency, cancelled, completed, total
		   FROM runs WHERE id = $1`, id).
		Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Concurrency, &run.Cancelled, &run.Completed, &run.Total)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, region, label, url, status, attempts, timing_ms, transfer_size, detail
		   FROM run_results
		  WHERE run_id = $1
		  ORDER BY idx`, id)
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
		)
		if err := rows.Scan(&provider, &r.Target.Region, &r.Target.Label, &r.Target.URL,
			&status, &r.Attempts, &r.TimingMS, &r.TransferSize, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Target.Provider = domain.Provider(provider)
		r.Status = domain.Status(status)
		run.Results = append(run.Results, r)
	}
	return &run, rows.Err()
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.RunInfo, error) {
	q := `
SELECT r.id, r.started_at, r.finished_at, r.cancelled, r.completed, r.total,
       COUNT(rr.idx) FILTER (WHERE rr.status = 'clean'),
       COUNT(rr.idx) FILTER (WHERE rr.status = 'blocked'),
       COUNT(rr.idx) FILTER (WHERE rr.status = 'error'),
       COUNT(rr.idx) FILTER (WHERE rr.status = 'checking')
  FROM runs r
  LEFT JOIN run_results rr ON rr.run_id = r.id
 GROUP BY r.id
 ORDER BY r.started_at DESC, r.id DESC`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunInfo
	for rows.Next() {
		var (
			info                             domain.RunInfo
			clean, blocked, failed, checking int64
		)
		if err := rows.Scan(&info.ID, &info.StartedAt, &info.FinishedAt, &info.Cancelled, &info.Completed, &info.Total,
			&clean, &blocked, &failed, &checking); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info.Summary = domain.Summary{
			Clean:    int(clean),
			Blocked:  int(blocked),
			Error:    int(failed),
			Checking: int(checking),
			Pending:  info.Total - int(clean+blocked+failed+checking),
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
