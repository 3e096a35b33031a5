// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/progresstree/internal/store"
)

// Schema creates the job_progress table used by ProgressStore.
const Schema = `
CREATE TABLE IF NOT EXISTS job_progress (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	percentage    INTEGER NOT NULL DEFAULT 0 CHECK (percentage BETWEEN 0 AND 100),
	state         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS job_progress_started_at_idx ON job_progress (started_at DESC);
`

const jobColumns = `id, kind, status, percentage, state, started_at, updated_at, finished_at, error_message`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ProgressStore implements store.ProgressRepository using Postgres.
type ProgressStore struct {
	pool pool
}

// NewProgressStore connects a pool using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies Schema.
func (s *ProgressStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate job_progress: %w", err)
	}
	return nil
}

// UpsertJobStart inserts the running row; an existing row is left as is.
func (s *ProgressStore) UpsertJobStart(ctx context.Context, jobID uuid.UUID, kind string, startedAt time.Time) error {
	query := `
		INSERT INTO job_progress (id, kind, status, percentage, state, started_at, updated_at)
		VALUES ($1, $2, $3, 0, '', $4, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, kind, string(store.RunRunning), startedAt); err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// UpdateProgress raises the stored percentage. Rows already at a higher
// percentage are not touched.
func (s *ProgressStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, percentage int, state string, at time.Time) error {
	query := `
		UPDATE job_progress
		SET percentage = $1, state = $2, updated_at = GREATEST(updated_at, $3)
		WHERE id = $4 AND percentage <= $1;
	`
	if _, err := s.pool.Exec(ctx, query, percentage, state, at, jobID); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job as completed with a status and optional error message.
func (s *ProgressStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	status store.JobRunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE job_progress
		SET status = $1, finished_at = $2, error_message = $3, updated_at = GREATEST(updated_at, $2)
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, string(status), finishedAt, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetJob retrieves a single job run by its ID.
func (s *ProgressStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_progress WHERE id = $1;`
	run, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves job runs newest first, with optional status filtering.
func (s *ProgressStore) ListJobs(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM job_progress
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return runs, nil
}

func scanJob(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&status,
		&run.Percentage,
		&run.State,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.JobRun{}, err
	}
	run.Status = store.JobRunStatus(status)
	return run, nil
}
