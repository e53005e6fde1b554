package lock

import "errors"

var (
	// ErrLockCannotAcquire is returned when the lock is held by someone else
	// and could not be taken within the allowed time.
	ErrLockCannotAcquire = errors.New("cannot acquire lock")
	// ErrLockCannotRelease is returned when a non-forced release targets a
	// lock owned by another locker.
	ErrLockCannotRelease = errors.New("cannot release lock")
	// ErrLockCannotProlong is returned when a non-forced prolong targets a
	// lock the caller does not own.
	ErrLockCannotProlong = errors.New("cannot prolong lock")
)
