package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/qualys/vmgraph/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id            UUID PRIMARY KEY,
	trigger       TEXT NOT NULL,
	triggered_by  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	failed_stage  TEXT,
	error_message TEXT,
	entities      BIGINT NOT NULL DEFAULT 0,
	relationships BIGINT NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_created_at ON sync_runs (created_at DESC);

CREATE TABLE IF NOT EXISTS sync_stage_results (
	run_id        UUID NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
	stage_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	entities      BIGINT NOT NULL DEFAULT 0,
	relationships BIGINT NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	PRIMARY KEY (run_id, stage_id)
);
`

// EnsureSchema creates the run history tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating run history schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, trigger, triggered_by, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now()
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Trigger,
		run.TriggeredBy,
		run.Status,
		run.CreatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	var run models.SyncRun
	query := `SELECT * FROM sync_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

// ListRuns returns the newest runs first, optionally restricted to statuses.
func (s *Store) ListRuns(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SyncRun, error) {
	query := `SELECT * FROM sync_runs WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(values))
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	var runs []models.SyncRun
	err := s.db.SelectContext(ctx, &runs, query, args...)
	return runs, err
}

func (s *Store) StartRun(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sync_runs SET status = $1, started_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, models.RunStatusRunning, time.Now(), id)
	return err
}

// CompleteRun records the terminal state of a run.
func (s *Store) CompleteRun(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET status = $1, failed_stage = $2, error_message = $3,
		    entities = $4, relationships = $5, completed_at = $6
		WHERE id = $7
	`
	now := time.Now()
	run.CompletedAt = &now
	_, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.FailedStage,
		run.ErrorMessage,
		run.Entities,
		run.Relationships,
		now,
		run.ID,
	)
	return err
}

func (s *Store) UpsertStageResult(ctx context.Context, r *models.SyncStageResult) error {
	query := `
		INSERT INTO sync_stage_results (
			run_id, stage_id, status, entities, relationships, error_message, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage_id) DO UPDATE SET
			status = EXCLUDED.status,
			entities = EXCLUDED.entities,
			relationships = EXCLUDED.relationships,
			error_message = EXCLUDED.error_message,
			started_at = COALESCE(EXCLUDED.started_at, sync_stage_results.started_at),
			completed_at = EXCLUDED.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.RunID,
		r.StageID,
		r.Status,
		r.Entities,
		r.Relationships,
		r.ErrorMessage,
		r.StartedAt,
		r.CompletedAt,
	)
	return err
}

func (s *Store) ListStageResults(ctx context.Context, runID uuid.UUID) ([]models.SyncStageResult, error) {
	query := `
		SELECT * FROM sync_stage_results
		WHERE run_id = $1
		ORDER BY started_at NULLS LAST, stage_id
	`
	var results []models.SyncStageResult
	err := s.db.SelectContext(ctx, &results, query, runID)
	return results, err
}

// DeleteRunsBefore removes finished runs created before cutoff.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_runs WHERE created_at < $1 AND status = ANY($2)`
	terminal := pq.Array([]string{
		string(models.RunStatusCompleted),
		string(models.RunStatusFailed),
		string(models.RunStatusCancelled),
	})
	res, err := s.db.ExecContext(ctx, query, cutoff, terminal)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FailAbandonedRuns marks runs left running by a crashed process as failed.
func (s *Store) FailAbandonedRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	query := `
		UPDATE sync_runs
		SET status = $1, error_message = 'abandoned', completed_at = $2
		WHERE status = $3 AND started_at < $4
	`
	res, err := s.db.ExecContext(ctx, query,
		models.RunStatusFailed, time.Now(), models.RunStatusRunning, startedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
