package store

import (
	"context"
	"fmt"

	"github.com/fentz26/drydock/internal/models"
	"github.com/google/uuid"
)

// WriteAudit appends an entry to the audit journal.
func (s *Store) WriteAudit(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.unixNow(),
	}

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit_log (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.TaskID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// ListAudit returns journal entries, newest first. An empty taskID lists
// every entry.
func (s *Store) ListAudit(ctx context.Context, taskID string, limit int) ([]models.AuditEntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM audit_log`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &e.TaskID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
