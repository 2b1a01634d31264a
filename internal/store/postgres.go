package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    context_id     TEXT NOT NULL,
    goal           TEXT NOT NULL,
    status         TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ,
    summary        TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS task_steps (
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    idx         INTEGER NOT NULL,
    action      JSONB NOT NULL,
    resolution  JSONB,
    outcome     TEXT NOT NULL,
    attempts    INTEGER NOT NULL,
    error_code  TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (task_id, idx)
);`

const (
	sqlGetSetting = `SELECT value FROM settings WHERE key = $1`
	sqlSetSetting = `
        INSERT INTO settings (key, value, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at`
	sqlDeleteSetting = `DELETE FROM settings WHERE key = $1`
	sqlUpsertTask    = `
        INSERT INTO tasks (id, context_id, goal, status, created_at, finished_at, summary, failure_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            finished_at = EXCLUDED.finished_at,
            summary = EXCLUDED.summary,
            failure_reason = EXCLUDED.failure_reason`
	sqlDeleteSteps = `DELETE FROM task_steps WHERE task_id = $1`
	sqlGetTask     = `
        SELECT context_id, goal, status, created_at, finished_at, summary, failure_reason
        FROM tasks WHERE id = $1`
	sqlGetSteps = `
        SELECT idx, action, resolution, outcome, attempts, error_code, message, observed_at
        FROM task_steps WHERE task_id = $1
        ORDER BY idx ASC`
)

var stepColumns = []string{"task_id", "idx", "action", "resolution", "outcome", "attempts", "error_code", "message", "observed_at"}

// Store is the PostgreSQL Backend.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.pool.QueryRow(ctx, sqlGetSetting, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, sqlSetSetting, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteSetting, key); err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

// SaveTask upserts the task and replaces its steps in one transaction.
func (s *Store) SaveTask(ctx context.Context, task schemas.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var finishedAt *time.Time
	if !task.FinishedAt.IsZero() {
		f := task.FinishedAt.UTC()
		finishedAt = &f
	}
	if _, err := tx.Exec(ctx, sqlUpsertTask,
		task.ID, task.ContextID, task.Goal, string(task.Status),
		task.CreatedAt.UTC(), finishedAt, task.Summary, task.FailureReason,
	); err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteSteps, task.ID); err != nil {
		return fmt.Errorf("failed to clear steps of task %s: %w", task.ID, err)
	}

	if len(task.History) > 0 {
		rows := make([][]interface{}, len(task.History))
		for i, step := range task.History {
			action, err := json.Marshal(step.Action)
			if err != nil {
				return fmt.Errorf("failed to encode step %d: %w", step.Index, err)
			}
			var resolution []byte
			if step.Resolution != nil {
				if resolution, err = json.Marshal(step.Resolution); err != nil {
					return fmt.Errorf("failed to encode resolution of step %d: %w", step.Index, err)
				}
			}
			rows[i] = []interface{}{
				task.ID, step.Index, action, resolution,
				string(step.Outcome), step.Attempts, step.ErrorCode, step.Message,
				step.ObservedAt.UTC(),
			}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"task_steps"}, stepColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy steps: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask loads an archived task with its history.
func (s *Store) GetTask(ctx context.Context, id string) (schemas.Task, error) {
	t := schemas.Task{ID: id}
	var status string
	var finishedAt *time.Time
	err := s.pool.QueryRow(ctx, sqlGetTask, id).Scan(
		&t.ContextID, &t.Goal, &status, &t.CreatedAt, &finishedAt, &t.Summary, &t.FailureReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
		}
		return schemas.Task{}, fmt.Errorf("failed to query task: %w", err)
	}
	t.Status = schemas.TaskStatus(status)
	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}

	rows, err := s.pool.Query(ctx, sqlGetSteps, id)
	if err != nil {
		return schemas.Task{}, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step schemas.TaskStep
		var action, resolution []byte
		var outcome string
		if err := rows.Scan(&step.Index, &action, &resolution, &outcome, &step.Attempts,
			&step.ErrorCode, &step.Message, &step.ObservedAt); err != nil {
			return schemas.Task{}, fmt.Errorf("failed to scan step row: %w", err)
		}
		if err := json.Unmarshal(action, &step.Action); err != nil {
			return schemas.Task{}, fmt.Errorf("failed to decode step %d: %w", step.Index, err)
		}
		if len(resolution) > 0 && string(resolution) != "null" {
			step.Resolution = &schemas.ElementCandidate{}
			if err := json.Unmarshal(resolution, step.Resolution); err != nil {
				return schemas.Task{}, fmt.Errorf("failed to decode resolution of step %d: %w", step.Index, err)
			}
		}
		step.Outcome = schemas.StepOutcome(outcome)
		t.History = append(t.History, step)
	}
	if err := rows.Err(); err != nil {
		return schemas.Task{}, fmt.Errorf("error during row iteration: %w", err)
	}
	return t, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
