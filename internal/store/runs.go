package store

import (
	"context"
	"fmt"

	"github.com/fentz26/drydock/internal/models"
	"github.com/google/uuid"
)

// CreateRun inserts a new run record for a supervised process.
func (s *Store) CreateRun(ctx context.Context, taskID, entryPoint string) (*models.Run, error) {
	run := &models.Run{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		EntryPoint: entryPoint,
		StartedAt:  s.unixNow(),
	}

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO runs (id, task_id, entry_point, started_at) VALUES (?, ?, ?, ?)`),
		run.ID, run.TaskID, run.EntryPoint, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id string, pid, exitCode int, stdout, stderr string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE runs SET pid = ?, exit_code = ?, stdout = ?, stderr = ?, ended_at = ? WHERE id = ?`),
		pid, exitCode, stdout, stderr, s.unixNow(), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RunsForTask returns all runs for a task, newest first.
func (s *Store) RunsForTask(ctx context.Context, taskID string) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, task_id, entry_point, pid, exit_code, stdout, stderr, started_at, ended_at
		 FROM runs WHERE task_id = ? ORDER BY started_at DESC, id`),
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		if err := rows.Scan(&run.ID, &run.TaskID, &run.EntryPoint, &run.PID, &run.ExitCode,
			&run.Stdout, &run.Stderr, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
