package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/drydock/internal/models"
)

const taskColumns = `id, task_type, execution_id, state, data, executor_host, executor_pid, bounced, error,
	time_created, time_started, time_completed, time_cancelled, time_failed, time_bounced, time_updated, ttl`

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	States      []models.TaskState
	Type        models.TaskType
	ExecutionID string
	Limit       int
}

// TaskTransition describes the columns written alongside a state change.
type TaskTransition struct {
	To           models.TaskState
	Now          int64
	ExecutorHost string
	ExecutorPID  int
	Error        string
	TTL          int64
}

// InsertTask stores a new task in the created state.
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	data := string(t.Data)
	if data == "" {
		data = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO tasks (id, task_type, execution_id, state, data, time_created, time_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Type, t.ExecutionID, t.State, data, t.Time.Created, t.Time.Created,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		where = append(where, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.Type != "" {
		where = append(where, `task_type = ?`)
		args = append(args, filter.Type)
	}
	if filter.ExecutionID != "" {
		where = append(where, `execution_id = ?`)
		args = append(args, filter.ExecutionID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY time_created DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// PendingTasks returns created tasks not bounced after cutoff, in creation
// order. This is the watcher's discovery query.
func (s *Store) PendingTasks(ctx context.Context, cutoff int64, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE state = ? AND time_bounced <= ?
		ORDER BY time_created, id`
	args := []any{models.TaskStateCreated, cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// TransitionTask moves a task into tr.To, but only while it is in one of
// from. It reports whether the row changed. The timestamp column of the
// target state is the only time field written besides time_updated.
func (s *Store) TransitionTask(ctx context.Context, id string, from []models.TaskState, tr TaskTransition) (bool, error) {
	sets := []string{`state = ?`, `time_updated = ?`}
	args := []any{tr.To, tr.Now}

	switch tr.To {
	case models.TaskStateStarted:
		sets = append(sets, `time_started = ?`, `executor_host = ?`, `executor_pid = ?`)
		args = append(args, tr.Now, tr.ExecutorHost, tr.ExecutorPID)
	case models.TaskStateCompleted:
		sets = append(sets, `time_completed = ?`)
		args = append(args, tr.Now)
	case models.TaskStateCanceled:
		sets = append(sets, `time_cancelled = ?`)
		args = append(args, tr.Now)
	case models.TaskStateFailed:
		sets = append(sets, `time_failed = ?`, `error = ?`)
		args = append(args, tr.Now, tr.Error)
	}
	if tr.To.Terminal() {
		sets = append(sets, `ttl = ?`)
		args = append(args, tr.TTL)
	}

	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}
	query := `UPDATE tasks SET ` + strings.Join(sets, `, `) +
		` WHERE id = ? AND state IN (` + placeholders(len(from)) + `)`

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BounceTask records that the watcher looked at a created task. It reports
// false when the task is no longer in the created state.
func (s *Store) BounceTask(ctx context.Context, id string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE tasks SET bounced = bounced + 1, time_bounced = ?, time_updated = ? WHERE id = ? AND state = ?`),
		now, now, id, models.TaskStateCreated,
	)
	if err != nil {
		return false, fmt.Errorf("bounce task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SweepExpiredTasks deletes terminal tasks whose TTL passed, together with
// their runs, and returns how many tasks were removed.
func (s *Store) SweepExpiredTasks(ctx context.Context, now int64) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM runs WHERE task_id IN (SELECT id FROM tasks WHERE ttl > 0 AND ttl < ?)`), now,
		); err != nil {
			return fmt.Errorf("delete expired runs: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE ttl > 0 AND ttl < ?`), now)
		if err != nil {
			return fmt.Errorf("delete expired tasks: %w", err)
		}
		removed, err = rowsAffected(res)
		return err
	})
	return removed, err
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t    models.Task
		data string
	)
	err := row.Scan(&t.ID, &t.Type, &t.ExecutionID, &t.State, &data, &t.ExecutorHost, &t.ExecutorPID,
		&t.Bounced, &t.Error, &t.Time.Created, &t.Time.Started, &t.Time.Completed, &t.Time.Cancelled,
		&t.Time.Failed, &t.Time.Bounced, &t.Time.Updated, &t.TTL)
	if err != nil {
		return nil, err
	}
	t.Data = json.RawMessage(data)
	return &t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
