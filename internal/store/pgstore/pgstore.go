// Package pgstore persists tasks, processes and machines in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	process_id    BIGINT NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	operation     TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    TIMESTAMPTZ,
	end_time      TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_process_idx ON tasks (process_id, created_at DESC);

CREATE TABLE IF NOT EXISTS task_steps (
	task_id       TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	machine_id    BIGINT NOT NULL,
	step_kind     TEXT NOT NULL,
	step_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    TIMESTAMPTZ,
	end_time      TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	position      INT NOT NULL,
	PRIMARY KEY (task_id, machine_id, step_kind)
);

CREATE TABLE IF NOT EXISTS processes (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	module      TEXT NOT NULL DEFAULT '',
	pipeline    TEXT NOT NULL DEFAULT '',
	jvm_options TEXT NOT NULL DEFAULT '',
	system_yaml TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS instances (
	process_id  BIGINT NOT NULL,
	machine_id  BIGINT NOT NULL,
	state       TEXT NOT NULL,
	pid         TEXT NOT NULL DEFAULT '',
	pipeline    TEXT NOT NULL DEFAULT '',
	jvm_options TEXT NOT NULL DEFAULT '',
	system_yaml TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (process_id, machine_id)
);

CREATE TABLE IF NOT EXISTS machines (
	id               BIGINT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	host             TEXT NOT NULL,
	port             INT NOT NULL DEFAULT 22,
	username         TEXT NOT NULL,
	password         TEXT NOT NULL DEFAULT '',
	private_key_path TEXT NOT NULL DEFAULT ''
);
`

type Config struct {
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

type PGStore struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*PGStore)(nil)

func New(ctx context.Context, cfg Config) (*PGStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) CreateTask(ctx context.Context, task domain.Task, steps []domain.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, process_id, name, description, operation, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.ProcessID, task.Name, task.Description, string(task.Operation), string(task.Status), task.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"task_steps"},
		[]string{"task_id", "machine_id", "step_kind", "step_name", "status", "created_at", "position"},
		pgx.CopyFromSlice(len(steps), func(i int) ([]any, error) {
			st := steps[i]
			return []any{st.TaskID, st.MachineID, string(st.Kind), st.Name, string(st.Status), st.CreatedAt, i}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	return tx.Commit(ctx)
}

const taskColumns = `id, process_id, name, description, operation, status, start_time, end_time, error_message, created_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var op, status string
	err := row.Scan(&t.ID, &t.ProcessID, &t.Name, &t.Description, &op, &status,
		&t.StartTime, &t.EndTime, &t.ErrorMessage, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Operation = domain.OperationType(op)
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (s *PGStore) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTasks(ctx context.Context, processID int64) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE process_id = $1
		ORDER BY created_at DESC, id DESC
	`, processID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func taskStatuses(in []domain.TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func stepStatuses(in []domain.StepStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *PGStore) TransitionTask(ctx context.Context, taskID string, status domain.TaskStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2::text,
		    start_time = CASE WHEN $2::text = 'RUNNING' AND start_time IS NULL THEN $3 ELSE start_time END,
		    end_time = CASE WHEN $4 THEN $3 ELSE end_time END
		WHERE id = $1 AND status = ANY($5)
	`, taskID, string(status), at, status.IsTerminal(), taskStatuses(domain.TaskStatusesBefore(status)))
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.exists(ctx, `SELECT count(*) FROM tasks WHERE id = $1`, taskID)
	}
	return true, nil
}

func (s *PGStore) exists(ctx context.Context, query string, args ...any) error {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGStore) SetTaskError(ctx context.Context, taskID, msg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET error_message = $2 WHERE id = $1`, taskID, msg)
	if err != nil {
		return fmt.Errorf("update task error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *PGStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *PGStore) ListSteps(ctx context.Context, taskID string) ([]domain.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, machine_id, step_kind, step_name, status, start_time, end_time, error_message, created_at
		FROM task_steps
		WHERE task_id = $1
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var st domain.Step
		var kind, status string
		if err := rows.Scan(&st.TaskID, &st.MachineID, &kind, &st.Name, &status,
			&st.StartTime, &st.EndTime, &st.ErrorMessage, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Kind = domain.StepKind(kind)
		st.Status = domain.StepStatus(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PGStore) TransitionStep(ctx context.Context, key domain.StepKey, status domain.StepStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_steps
		SET status = $4::text,
		    start_time = CASE WHEN $4::text = 'RUNNING' AND start_time IS NULL THEN $5 ELSE start_time END,
		    end_time = CASE WHEN $6 THEN $5 ELSE end_time END
		WHERE task_id = $1 AND machine_id = $2 AND step_kind = $3 AND status = ANY($7)
	`, key.TaskID, key.MachineID, string(key.Kind), string(status), at, status.IsTerminal(),
		stepStatuses(domain.StepStatusesBefore(status)))
	if err != nil {
		return false, fmt.Errorf("update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.exists(ctx,
			`SELECT count(*) FROM task_steps WHERE task_id = $1 AND machine_id = $2 AND step_kind = $3`,
			key.TaskID, key.MachineID, string(key.Kind))
	}
	return true, nil
}

func (s *PGStore) SetStepError(ctx context.Context, key domain.StepKey, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_steps SET error_message = $4
		WHERE task_id = $1 AND machine_id = $2 AND step_kind = $3
	`, key.TaskID, key.MachineID, string(key.Kind), msg)
	if err != nil {
		return fmt.Errorf("update step error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%d/%s: %w", key.TaskID, key.MachineID, key.Kind, store.ErrNotFound)
	}
	return nil
}

func (s *PGStore) DeleteSteps(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_steps WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return nil
}
