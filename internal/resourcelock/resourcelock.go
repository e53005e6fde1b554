// Package resourcelock gives a task exclusive, all-or-nothing access to a
// set of servers by taking one distributed lock per server.
package resourcelock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/drydock/internal/lock"
	"go.uber.org/zap"
)

// ErrCannotLockServers is returned when at least one server of the set is
// locked by another holder.
var ErrCannotLockServers = errors.New("cannot lock servers")

// ConflictError lists the servers that could not be locked.
type ConflictError struct {
	ServerIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCannotLockServers, strings.Join(e.ServerIDs, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrCannotLockServers }

// LockPrefix is the name prefix of every server lock.
const LockPrefix = "server/"

// LockName returns the lock name guarding a server.
func LockName(serverID string) string {
	return LockPrefix + serverID
}

// ServerIDFromLock is the inverse of LockName.
func ServerIDFromLock(name string) (string, bool) {
	return strings.CutPrefix(name, LockPrefix)
}

// Config tunes the server locks.
type Config struct {
	Lease time.Duration
}

// ServerLocker locks server sets through a lock.Backend.
type ServerLocker struct {
	backend lock.Backend
	lease   time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewServerLocker creates a ServerLocker.
func NewServerLocker(backend lock.Backend, cfg Config, log *zap.Logger) *ServerLocker {
	if cfg.Lease <= 0 {
		cfg.Lease = lock.DefaultLease
	}
	return &ServerLocker{backend: backend, lease: cfg.Lease, now: time.Now, log: log}
}

func (sl *ServerLocker) newLock(serverID, holder string) *lock.Lock {
	return lock.New(sl.backend, LockName(serverID), holder,
		lock.WithLease(sl.lease), lock.WithClock(sl.now), lock.WithLogger(sl.log))
}

// LockServers locks every server for holder without blocking. If any server
// is held by someone else, the locks taken by this call are released and a
// *ConflictError is returned.
func (sl *ServerLocker) LockServers(ctx context.Context, holder string, serverIDs []string) (*Hold, error) {
	ids := normalize(serverIDs)
	hold := &Hold{locker: sl, holder: holder}

	var conflicts []string
	for _, id := range ids {
		l := sl.newLock(id, holder)
		err := l.Acquire(ctx, false, 0, false)
		if errors.Is(err, lock.ErrLockCannotAcquire) {
			conflicts = append(conflicts, id)
			break
		}
		if err != nil {
			sl.rollback(hold)
			return nil, fmt.Errorf("lock server %s: %w", id, err)
		}
		hold.locks = append(hold.locks, l)
	}

	if len(conflicts) > 0 {
		sl.rollback(hold)
		return nil, &ConflictError{ServerIDs: conflicts}
	}
	return hold, nil
}

func (sl *ServerLocker) rollback(hold *Hold) {
	// The caller's ctx may already be done; rollback must still reach the store.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, l := range hold.locks {
		if err := l.Release(ctx, false); err != nil {
			sl.log.Error("Failed to roll back server lock", zap.String("lock", l.Name()), zap.Error(err))
		}
	}
	hold.locks = nil
}

// UnlockServers releases the locks holder owns on the given servers. Locks
// owned by someone else are left alone.
func (sl *ServerLocker) UnlockServers(ctx context.Context, holder string, serverIDs []string) error {
	var errs []error
	for _, id := range normalize(serverIDs) {
		err := sl.newLock(id, holder).Release(ctx, false)
		if errors.Is(err, lock.ErrLockCannotRelease) {
			sl.log.Warn("Server lock owned by another holder, not releasing",
				zap.String("server_id", id), zap.String("holder", holder))
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceUnlock frees a server lock regardless of its holder.
func (sl *ServerLocker) ForceUnlock(ctx context.Context, serverID string) error {
	return sl.newLock(serverID, "").Release(ctx, true)
}

// Hold is a set of server locks owned by one holder.
type Hold struct {
	locker *ServerLocker
	holder string

	mu    sync.Mutex
	locks []*lock.Lock
	stops []func()
}

// Holder returns the locker id the hold was taken for.
func (h *Hold) Holder() string { return h.holder }

// ServerIDs returns the locked servers in lock order.
func (h *Hold) ServerIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.locks))
	for _, l := range h.locks {
		id, _ := ServerIDFromLock(l.Name())
		ids = append(ids, id)
	}
	return ids
}

// AutoProlong starts a heartbeat for every lock in the hold. The heartbeats
// run until Release.
func (h *Hold) AutoProlong(ctx context.Context, interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.locks {
		h.stops = append(h.stops, l.AutoProlong(ctx, interval))
	}
}

// Release stops the heartbeats and releases every lock of the hold.
func (h *Hold) Release(ctx context.Context) error {
	h.mu.Lock()
	stops, locks := h.stops, h.locks
	h.stops, h.locks = nil, nil
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	var errs []error
	for _, l := range locks {
		if err := l.Release(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalize dedupes and sorts ids so that every holder takes locks in the
// same order.
func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
