package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fentz26/drydock/internal/models"
	"github.com/google/uuid"
)

// DocumentRecord is one stored version of a versioned entity.
type DocumentRecord struct {
	models.Document
	Collection models.Collection
	Data       json.RawMessage
	// UniqueKeys are the values that must be unique among the live latest
	// versions of the collection. They are not part of the stored row.
	UniqueKeys map[string]string
}

// Pagination selects a window of a listing. Page is 1-based; PerPage 0
// returns everything.
type Pagination struct {
	Page    int
	PerPage int
}

const documentColumns = `collection, model_id, version, is_latest, time_created, time_deleted, initiator_id, data`

type writeMode int

const (
	writeSave writeMode = iota
	writeDelete
	writeRestore
)

// CreateDocument stores the first version of a new model. A model id is
// assigned when rec has none.
func (s *Store) CreateDocument(ctx context.Context, rec *DocumentRecord) error {
	if rec.ModelID == "" {
		rec.ModelID = uuid.New().String()
	}
	now := s.unixNow()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimUniqueKeys(ctx, tx, rec.Collection, rec.ModelID, rec.UniqueKeys, false); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, 1, 1, ?, 0, ?, ?) ON CONFLICT DO NOTHING`),
			rec.Collection, rec.ModelID, now, rec.InitiatorID, string(rec.Data),
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s already exists", ErrVersionConflict, rec.Collection, rec.ModelID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec.Version = 1
	rec.IsLatest = true
	rec.TimeCreated = now
	rec.TimeDeleted = 0
	return nil
}

// SaveDocument appends a new version of rec. rec.Version must be the
// current latest version; the previous latest row is flipped off with a
// compare-and-swap on that version number, so of two concurrent writers
// exactly one wins and the other gets ErrVersionConflict.
func (s *Store) SaveDocument(ctx context.Context, rec *DocumentRecord) error {
	return s.writeVersion(ctx, rec, writeSave)
}

// DeleteDocument appends a soft-deleted version of rec.
func (s *Store) DeleteDocument(ctx context.Context, rec *DocumentRecord) error {
	return s.writeVersion(ctx, rec, writeDelete)
}

// RestoreDocument appends a live version of a soft-deleted model, copying
// rec.Data. Uniqueness is checked again since another model may have taken
// the keys meanwhile.
func (s *Store) RestoreDocument(ctx context.Context, rec *DocumentRecord) error {
	return s.writeVersion(ctx, rec, writeRestore)
}

func (s *Store) writeVersion(ctx context.Context, rec *DocumentRecord, mode writeMode) error {
	now := s.unixNow()
	var next models.Document

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		latest, err := s.latestDocument(ctx, tx, rec.Collection, rec.ModelID)
		if err != nil {
			return err
		}

		switch mode {
		case writeRestore:
			if latest.TimeDeleted == 0 {
				return fmt.Errorf("%w: %s %s", ErrModelNotDeleted, rec.Collection, rec.ModelID)
			}
		default:
			if latest.TimeDeleted != 0 {
				return fmt.Errorf("%w: %s %s", ErrCannotUpdateDeletedModel, rec.Collection, rec.ModelID)
			}
		}
		if rec.Version != latest.Version {
			return fmt.Errorf("%w: %s %s is at version %d, not %d",
				ErrVersionConflict, rec.Collection, rec.ModelID, latest.Version, rec.Version)
		}

		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE documents SET is_latest = 0 WHERE collection = ? AND model_id = ? AND version = ? AND is_latest = 1`),
			rec.Collection, rec.ModelID, latest.Version,
		)
		if err != nil {
			return fmt.Errorf("flip latest: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: %s %s version %d is no longer latest",
				ErrVersionConflict, rec.Collection, rec.ModelID, latest.Version)
		}

		next = models.Document{
			ModelID:     rec.ModelID,
			Version:     latest.Version + 1,
			IsLatest:    true,
			TimeCreated: now,
			InitiatorID: rec.InitiatorID,
		}
		if mode == writeDelete {
			next.TimeDeleted = now
			if _, err := tx.ExecContext(ctx, s.q(
				`DELETE FROM unique_keys WHERE collection = ? AND model_id = ?`),
				rec.Collection, rec.ModelID,
			); err != nil {
				return fmt.Errorf("drop unique keys: %w", err)
			}
		} else if err := s.claimUniqueKeys(ctx, tx, rec.Collection, rec.ModelID, rec.UniqueKeys, true); err != nil {
			return err
		}

		data := rec.Data
		if mode == writeRestore && len(data) == 0 {
			data = latest.Data
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, 1, ?, ?, ?, ?)`),
			rec.Collection, next.ModelID, next.Version, next.TimeCreated, next.TimeDeleted, next.InitiatorID, string(data),
		); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		rec.Data = data
		return nil
	})
	if err != nil {
		return err
	}

	rec.Document = next
	return nil
}

// claimUniqueKeys registers the model's unique values. The unique_keys table
// mirrors the live latest versions, and its primary key makes the check
// and the claim one atomic step.
func (s *Store) claimUniqueKeys(ctx context.Context, tx *sql.Tx, collection models.Collection, modelID string, keys map[string]string, replace bool) error {
	if replace {
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM unique_keys WHERE collection = ? AND model_id = ?`),
			collection, modelID,
		); err != nil {
			return fmt.Errorf("drop unique keys: %w", err)
		}
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := keys[name]
		if value == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO unique_keys (collection, key_name, key_value, model_id) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
			collection, name, value, modelID,
		)
		if err != nil {
			return fmt.Errorf("claim unique key: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s with %s=%q already exists", ErrUniqueConstraintViolation, collection, name, value)
		}
	}
	return nil
}

// LatestDocument returns the latest version of a model, deleted or not.
func (s *Store) LatestDocument(ctx context.Context, collection models.Collection, modelID string) (*DocumentRecord, error) {
	return s.latestDocument(ctx, s.db, collection, modelID)
}

func (s *Store) latestDocument(ctx context.Context, q querier, collection models.Collection, modelID string) (*DocumentRecord, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+documentColumns+` FROM documents WHERE collection = ? AND model_id = ? AND is_latest = 1`),
		collection, modelID,
	)
	rec, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, collection, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return rec, nil
}

// DocumentVersion returns one specific version of a model.
func (s *Store) DocumentVersion(ctx context.Context, collection models.Collection, modelID string, version int) (*DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+documentColumns+` FROM documents WHERE collection = ? AND model_id = ? AND version = ?`),
		collection, modelID, version,
	)
	rec, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s version %d", ErrNotFound, collection, modelID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("query document version: %w", err)
	}
	return rec, nil
}

// ListDocumentVersions returns versions of a model, newest first, together
// with the total number of versions.
func (s *Store) ListDocumentVersions(ctx context.Context, collection models.Collection, modelID string, page Pagination) ([]*DocumentRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM documents WHERE collection = ? AND model_id = ?`),
		collection, modelID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("%w: %s %s", ErrNotFound, collection, modelID)
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND model_id = ? ORDER BY version DESC`
	args := []any{collection, modelID}
	if page.PerPage > 0 {
		p := page.Page
		if p < 1 {
			p = 1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.PerPage, (p-1)*page.PerPage)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var recs []*DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan version: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// ListLatestDocuments returns the latest version of every model in a
// collection, ordered by model id.
func (s *Store) ListLatestDocuments(ctx context.Context, collection models.Collection, includeDeleted bool) ([]*DocumentRecord, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND is_latest = 1`
	if !includeDeleted {
		query += ` AND time_deleted = 0`
	}
	query += ` ORDER BY model_id`

	rows, err := s.db.QueryContext(ctx, s.q(query), collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var recs []*DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanDocument(row scanner) (*DocumentRecord, error) {
	var (
		rec      DocumentRecord
		isLatest int
		data     string
	)
	if err := row.Scan(&rec.Collection, &rec.ModelID, &rec.Version, &isLatest,
		&rec.TimeCreated, &rec.TimeDeleted, &rec.InitiatorID, &data); err != nil {
		return nil, err
	}
	rec.IsLatest = isLatest == 1
	rec.Data = json.RawMessage(data)
	return &rec, nil
}
