package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/drydock/internal/models"
)

// Sentinel errors for lock records. The lock package wraps these with the
// lock name.
var (
	ErrLockNotHeld = errors.New("lock is held by another locker")
	ErrLockMissing = errors.New("lock is not held")
)

// TryAcquireLock takes the named lock for locker until expiresAt when it
// is free or expired at now. force takes it regardless of the current
// holder. The check and the write are one statement, so two contenders can
// never both succeed.
func (s *Store) TryAcquireLock(ctx context.Context, name, locker string, now, expiresAt int64, force bool) (bool, error) {
	query := `INSERT INTO locks (lockname, locker, expired_at) VALUES (?, ?, ?)
		ON CONFLICT (lockname) DO UPDATE SET locker = excluded.locker, expired_at = excluded.expired_at`
	args := []any{name, locker, expiresAt}
	if !force {
		query += ` WHERE locks.locker IS NULL OR locks.expired_at < ?`
		args = append(args, now)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock frees the named lock. Without force only the holder may
// release it; releasing a lock that is already free or expired is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, name, locker string, now int64, force bool) error {
	query := `UPDATE locks SET locker = NULL, expired_at = 0 WHERE lockname = ?`
	args := []any{name}
	if !force {
		query += ` AND locker = ?`
		args = append(args, locker)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 || force {
		return nil
	}

	current, err := s.GetLock(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !current.HeldAt(now) {
		return nil
	}
	return fmt.Errorf("%w: held by %s", ErrLockNotHeld, current.Locker)
}

// ProlongLock moves the expiry of a held lock. Without force the caller
// must be the holder; with force any held lock is extended.
func (s *Store) ProlongLock(ctx context.Context, name, locker string, expiresAt int64, force bool) error {
	query := `UPDATE locks SET expired_at = ? WHERE lockname = ?`
	args := []any{expiresAt, name}
	if force {
		query += ` AND locker IS NOT NULL`
	} else {
		query += ` AND locker = ?`
		args = append(args, locker)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("prolong lock: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockMissing
	}
	return nil
}

// GetLock returns the lock record for name.
func (s *Store) GetLock(ctx context.Context, name string) (*models.Lock, error) {
	var (
		l      models.Lock
		locker sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT lockname, locker, expired_at FROM locks WHERE lockname = ?`), name,
	).Scan(&l.Name, &locker, &l.ExpiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lock %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	l.Locker = locker.String
	return &l, nil
}

// ListLocks returns the held lock records whose name starts with prefix.
// Expired records are included; callers decide with HeldAt.
func (s *Store) ListLocks(ctx context.Context, prefix string) ([]*models.Lock, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT lockname, locker, expired_at FROM locks WHERE locker IS NOT NULL AND lockname LIKE ? ORDER BY lockname`),
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []*models.Lock
	for rows.Next() {
		var (
			l      models.Lock
			locker sql.NullString
		)
		if err := rows.Scan(&l.Name, &locker, &l.ExpiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.Locker = locker.String
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
