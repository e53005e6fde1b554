// Package lock implements a lease-based distributed lock on top of the
// store's atomic conditional writes.
//
// A lock record is free when it has no locker or its lease expired. Every
// operation is a single conditional statement, so independent controller
// processes sharing one store never both hold the same lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultLease       = 30 * time.Second
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second
)

// Backend persists lock records. *store.Store implements it.
type Backend interface {
	TryAcquireLock(ctx context.Context, name, locker string, now, expiresAt int64, force bool) (bool, error)
	ReleaseLock(ctx context.Context, name, locker string, now int64, force bool) error
	ProlongLock(ctx context.Context, name, locker string, expiresAt int64, force bool) error
	GetLock(ctx context.Context, name string) (*models.Lock, error)
}

// Lock is one named lock as seen by one locker.
type Lock struct {
	backend Backend
	name    string
	locker  string

	lease       time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// Option customizes a Lock.
type Option func(*Lock)

// WithLease sets how long an acquired or prolonged lock stays valid.
func WithLease(d time.Duration) Option {
	return func(l *Lock) { l.lease = d }
}

// WithBackoff sets the jitter bounds used by blocking Acquire.
func WithBackoff(base, max time.Duration) Option {
	return func(l *Lock) {
		l.backoffBase = base
		l.backoffCap = max
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Lock) { l.log = log }
}

// New returns the lock called name held on behalf of locker.
func New(backend Backend, name, locker string, opts ...Option) *Lock {
	l := &Lock{
		backend:     backend,
		name:        name,
		locker:      locker,
		lease:       DefaultLease,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) Name() string   { return l.name }
func (l *Lock) Locker() string { return l.locker }

// Acquire takes the lock. Without block a held lock fails immediately with
// ErrLockCannotAcquire. With block the attempt is retried on a decorrelated
// jitter schedule until it succeeds, timeout elapses or ctx is done. A zero
// timeout waits on ctx alone. force takes the lock from any holder.
func (l *Lock) Acquire(ctx context.Context, block bool, timeout time.Duration, force bool) error {
	ok, err := l.try(ctx, force)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !block {
		return fmt.Errorf("%w: %s is held", ErrLockCannotAcquire, l.name)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	jitter := NewDecorrelatedJitter(l.backoffBase, l.backoffCap)
	for {
		wait := jitter.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrLockCannotAcquire, l.name, ctx.Err())
		case <-timer.C:
		}

		ok, err := l.try(ctx, force)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrLockCannotAcquire, l.name, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}
		l.log.Debug("Lock busy, retrying", zap.String("lock", l.name), zap.Duration("slept", wait))
	}
}

func (l *Lock) try(ctx context.Context, force bool) (bool, error) {
	now := l.now()
	ok, err := l.backend.TryAcquireLock(ctx, l.name, l.locker, now.Unix(), now.Add(l.lease).Unix(), force)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	if ok {
		l.log.Debug("Lock acquired", zap.String("lock", l.name), zap.String("locker", l.locker), zap.Bool("force", force))
	}
	return ok, nil
}

// Release frees the lock. Without force only the holder may release it.
// Releasing a free lock is a no-op.
func (l *Lock) Release(ctx context.Context, force bool) error {
	err := l.backend.ReleaseLock(ctx, l.name, l.locker, l.now().Unix(), force)
	if errors.Is(err, store.ErrLockNotHeld) {
		return fmt.Errorf("%w: %s: %w", ErrLockCannotRelease, l.name, err)
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	l.log.Debug("Lock released", zap.String("lock", l.name), zap.String("locker", l.locker), zap.Bool("force", force))
	return nil
}

// Prolong extends the lease to now plus the lease duration. Without force
// the caller must hold the lock. With force the current holder's lease is
// extended and the holder is left unchanged.
func (l *Lock) Prolong(ctx context.Context, force bool) error {
	err := l.backend.ProlongLock(ctx, l.name, l.locker, l.now().Add(l.lease).Unix(), force)
	if errors.Is(err, store.ErrLockMissing) {
		return fmt.Errorf("%w: %s", ErrLockCannotProlong, l.name)
	}
	if err != nil {
		return fmt.Errorf("prolong %s: %w", l.name, err)
	}
	return nil
}

// AutoProlong keeps the lock alive by prolonging it every interval until
// the returned stop function is called or ctx is done. Losing the lock ends
// the heartbeat. stop waits for the heartbeat goroutine to exit.
func (l *Lock) AutoProlong(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := l.Prolong(ctx, false)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockCannotProlong):
				l.log.Error("Lock lost, stopping heartbeat", zap.String("lock", l.name), zap.String("locker", l.locker))
				return
			case ctx.Err() != nil:
				return
			default:
				l.log.Warn("Failed to prolong lock", zap.String("lock", l.name), zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
