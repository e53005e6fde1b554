// Package watcher runs the controller mainloop: it discovers created tasks
// in the store, locks the servers they touch and hands them to the worker
// pool.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fentz26/drydock/internal/audit"
	"github.com/fentz26/drydock/internal/fleet"
	"github.com/fentz26/drydock/internal/metrics"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/process"
	"github.com/fentz26/drydock/internal/resourcelock"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/task"
	"go.uber.org/zap"
)

// ErrWatcherPanic wraps a panic raised while processing a task.
var ErrWatcherPanic = errors.New("watcher panicked")

// releaseTimeout bounds lock releases that run after the watcher context
// may already be done.
const releaseTimeout = 10 * time.Second

// Source lists tasks. *store.Store implements it.
type Source interface {
	PendingTasks(ctx context.Context, cutoff int64, limit int) ([]*models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
}

// Lifecycle applies task transitions. *task.Service implements it.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Start(ctx context.Context, id string) (*models.Task, error)
	Complete(ctx context.Context, id string) (*models.Task, error)
	Fail(ctx context.Context, id, reason string) (*models.Task, error)
	Cancel(ctx context.Context, id string) (*models.Task, error)
	RequestCancel(ctx context.Context, id string) (*models.Task, error)
	Bounce(ctx context.Context, id string) error
}

// Resolver maps a task to the servers it must lock. *fleet.Fleet
// implements it.
type Resolver interface {
	ServerIDs(ctx context.Context, t *models.Task) ([]string, error)
}

// ServerLocker takes and drops server locks. *resourcelock.ServerLocker
// implements it.
type ServerLocker interface {
	LockServers(ctx context.Context, holder string, serverIDs []string) (*resourcelock.Hold, error)
	UnlockServers(ctx context.Context, holder string, serverIDs []string) error
}

// Dispatcher runs tasks. *pool.Pool implements it.
type Dispatcher interface {
	Submit(ctx context.Context, t *models.Task, onDone func()) error
	Cancel(taskID string) bool
	Stop()
}

// Journal records dispatch decisions. *audit.Journal implements it.
type Journal interface {
	Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.AuditEntry, error)
}

// Config tunes the watcher.
type Config struct {
	// PollInterval is the pause between two store queries.
	PollInterval time.Duration
	// BounceDelay is how long a bounced task stays invisible to the watcher.
	BounceDelay time.Duration
	// BatchSize caps the tasks fetched per query.
	BatchSize int
	// ProlongInterval is the server lock heartbeat period.
	ProlongInterval time.Duration
	// MaxPollFailures is the number of consecutive failed store queries
	// after which the watcher gives up.
	MaxPollFailures int
	// Hostname identifies this controller's tasks during orphan recovery.
	Hostname string
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BounceDelay < 0 {
		c.BounceDelay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ProlongInterval <= 0 {
		c.ProlongInterval = 10 * time.Second
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 5
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
}

// Deps are the collaborators of a Watcher.
type Deps struct {
	Source   Source
	Tasks    Lifecycle
	Resolver Resolver
	Locker   ServerLocker
	Pool     Dispatcher
	Journal  Journal
}

// Watcher is the controller mainloop.
type Watcher struct {
	source   Source
	tasks    Lifecycle
	resolver Resolver
	locker   ServerLocker
	pool     Dispatcher
	journal  Journal

	cfg   Config
	now   func() time.Time
	alive func(pid int) bool
	log   *zap.Logger
}

// New creates a watcher.
func New(deps Deps, cfg Config, log *zap.Logger) *Watcher {
	cfg.setDefaults()
	return &Watcher{
		source:   deps.Source,
		tasks:    deps.Tasks,
		resolver: deps.Resolver,
		locker:   deps.Locker,
		pool:     deps.Pool,
		journal:  deps.Journal,
		cfg:      cfg,
		now:      time.Now,
		alive:    process.Alive,
		log:      log,
	}
}

// Watch streams created tasks that are due for dispatch. It queries the
// store every PollInterval and yields tasks one by one, so a task only
// reappears after it was bounced and BounceDelay passed. Both channels are
// closed when ctx is done or the store failed MaxPollFailures times in a
// row; in the latter case the error is sent on the error channel first.
func (w *Watcher) Watch(ctx context.Context) (<-chan *models.Task, <-chan error) {
	tasks := make(chan *models.Task)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tasks)

		failures := 0
		var prev []*models.Task
		for {
			cutoff := w.now().Add(-w.cfg.BounceDelay).Unix()
			batch, err := w.source.PendingTasks(ctx, cutoff, w.cfg.BatchSize)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				failures++
				w.log.Warn("Failed to query pending tasks", zap.Int("failures", failures), zap.Error(err))
				if failures >= w.cfg.MaxPollFailures {
					errs <- fmt.Errorf("query pending tasks: %w", err)
					return
				}
			default:
				failures = 0
			}

			for _, t := range batch {
				select {
				case tasks <- t:
				case <-ctx.Done():
					return
				}
			}

			// A full batch means more tasks may be waiting. The same batch
			// twice in a row means none of them left the created state.
			full := err == nil && len(batch) == w.cfg.BatchSize
			if full && !sameTasks(prev, batch) {
				prev = batch
				continue
			}
			prev = batch
			timer := time.NewTimer(w.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return tasks, errs
}

func sameTasks(a, b []*models.Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// Run processes watched tasks until ctx is done. On exit the worker pool is
// stopped and drained before Run returns, so no runner process outlives it.
// A fatal store error or a panic is returned after the drain.
func (w *Watcher) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Watcher panicked", zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrWatcherPanic, r)
		}
		w.log.Info("Watcher stopping, draining worker pool")
		w.pool.Stop()
	}()

	w.log.Info("Watcher started",
		zap.String("hostname", w.cfg.Hostname),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("bounce_delay", w.cfg.BounceDelay))

	if err := w.RecoverOrphans(ctx); err != nil {
		w.log.Warn("Orphan recovery failed", zap.Error(err))
	}

	tasks, errs := w.Watch(ctx)
	for t := range tasks {
		w.process(ctx, t)
	}
	return <-errs
}

func (w *Watcher) process(ctx context.Context, t *models.Task) {
	log := w.log.With(zap.String("task_id", t.ID), zap.String("task_type", string(t.Type)))

	if err := w.tasks.Bounce(ctx, t.ID); err != nil {
		metrics.IncSkipped(metrics.SkipBounce)
		if errors.Is(err, task.ErrCannotBounceTask) {
			log.Debug("Task left the created state, skipping", zap.Error(err))
		} else {
			log.Warn("Failed to bounce task, skipping", zap.Error(err))
		}
		return
	}

	switch t.Type {
	case models.TaskTypePlaybook:
		w.processPlaybook(ctx, t, log)
	case models.TaskTypeCancel:
		w.processCancel(ctx, t, log)
	case models.TaskTypeServerDiscovery:
		w.submit(ctx, t, nil, log)
	default:
		log.Error("Unknown task type")
		w.startAndFail(ctx, t, fmt.Sprintf("unknown task type %q", t.Type), log)
	}
}

func (w *Watcher) processPlaybook(ctx context.Context, t *models.Task, log *zap.Logger) {
	ids, err := w.resolver.ServerIDs(ctx, t)
	if err != nil {
		metrics.IncSkipped(metrics.SkipResolve)
		if permanent(err) {
			log.Error("Cannot resolve task servers", zap.Error(err))
			w.startAndFail(ctx, t, err.Error(), log)
			return
		}
		log.Warn("Failed to resolve task servers, skipping", zap.Error(err))
		return
	}

	hold, err := w.locker.LockServers(ctx, t.ID, ids)
	if err != nil {
		var conflict *resourcelock.ConflictError
		if errors.As(err, &conflict) {
			metrics.IncSkipped(metrics.SkipLockConflict)
			log.Info("Servers are locked by another task, skipping", zap.Strings("server_ids", conflict.ServerIDs))
			w.record(ctx, audit.ActionSkip, map[string]any{"task_id": t.ID, "server_ids": ids},
				audit.OutcomeSkipped, t.ID, err.Error(), log)
			return
		}
		log.Error("Failed to lock servers, skipping", zap.Error(err))
		return
	}
	hold.AutoProlong(context.WithoutCancel(ctx), w.cfg.ProlongInterval)

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := hold.Release(rctx); err != nil {
			log.Error("Failed to release server locks", zap.Error(err))
		}
	}
	if !w.submit(ctx, t, release, log) {
		release()
		return
	}
	log.Debug("Servers locked", zap.Strings("server_ids", hold.ServerIDs()))
}

// submit hands t to the pool and reports whether the pool accepted it.
func (w *Watcher) submit(ctx context.Context, t *models.Task, onDone func(), log *zap.Logger) bool {
	if err := w.pool.Submit(ctx, t, onDone); err != nil {
		metrics.IncSkipped(metrics.SkipStart)
		log.Warn("Failed to submit task", zap.Error(err))
		return false
	}
	metrics.IncDispatched(string(t.Type))
	log.Info("Task dispatched", zap.String("entry_point", t.EntryPoint()))
	w.record(ctx, audit.ActionDispatch, map[string]any{"task_id": t.ID, "entry_point": t.EntryPoint()},
		audit.OutcomeOK, t.ID, "", log)
	return true
}

// processCancel stops the task referenced by a cancel task and completes
// the cancel task itself. A target that never started is canceled in place;
// a started one is moved to canceling so that whichever controller runs it
// stops the process.
func (w *Watcher) processCancel(ctx context.Context, t *models.Task, log *zap.Logger) {
	if _, err := w.tasks.Start(ctx, t.ID); err != nil {
		metrics.IncSkipped(metrics.SkipStart)
		log.Warn("Failed to start cancel task", zap.Error(err))
		return
	}

	var data models.CancelData
	if err := json.Unmarshal(t.Data, &data); err != nil || data.TaskID == "" {
		w.fail(ctx, t.ID, "cancel task does not reference a task", log)
		return
	}
	log = log.With(zap.String("target_id", data.TaskID))

	if err := w.cancelTarget(ctx, data.TaskID, log); err != nil {
		log.Warn("Failed to cancel target task", zap.Error(err))
		w.record(ctx, audit.ActionCancel, data, audit.OutcomeFailed, data.TaskID, err.Error(), log)
		w.fail(ctx, t.ID, err.Error(), log)
		return
	}
	w.record(ctx, audit.ActionCancel, data, audit.OutcomeOK, data.TaskID, "requested by "+t.ID, log)

	if _, err := w.tasks.Complete(ctx, t.ID); err != nil {
		log.Error("Failed to complete cancel task", zap.Error(err))
		return
	}
	log.Info("Cancel task completed")
}

func (w *Watcher) cancelTarget(ctx context.Context, id string, log *zap.Logger) error {
	target, err := w.tasks.Get(ctx, id)
	if err != nil {
		return err
	}

	switch target.State {
	case models.TaskStateCreated:
		if _, err := w.tasks.Start(ctx, id); err != nil {
			return err
		}
		_, err = w.tasks.Cancel(ctx, id)
		return err
	case models.TaskStateStarted:
		if _, err := w.tasks.RequestCancel(ctx, id); err != nil {
			return err
		}
	case models.TaskStateCanceling:
	default:
		log.Info("Target task already finished", zap.String("state", string(target.State)))
		return nil
	}

	if w.pool.Cancel(id) {
		log.Debug("Target task runs in this controller, stop signaled")
	}
	return nil
}

// RecoverOrphans fails started or canceling tasks whose executor was a
// controller on this host that is no longer alive, and releases their
// server locks. It must run before this controller dispatches anything: a
// task carrying the current pid is then left over from an earlier process
// that reused it.
func (w *Watcher) RecoverOrphans(ctx context.Context) error {
	running, err := w.source.ListTasks(ctx, store.TaskFilter{
		States: []models.TaskState{models.TaskStateStarted, models.TaskStateCanceling},
	})
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}

	self := os.Getpid()
	for _, t := range running {
		if t.ExecutorHost != w.cfg.Hostname || (t.ExecutorPID != self && w.alive(t.ExecutorPID)) {
			continue
		}
		log := w.log.With(zap.String("task_id", t.ID), zap.Int("executor_pid", t.ExecutorPID))
		log.Warn("Recovering orphaned task")

		reason := fmt.Sprintf("executor %s/%d died", t.ExecutorHost, t.ExecutorPID)
		if _, err := w.tasks.Fail(ctx, t.ID, reason); err != nil {
			log.Warn("Failed to fail orphaned task", zap.Error(err))
			continue
		}
		if t.Type == models.TaskTypePlaybook {
			if ids, err := w.resolver.ServerIDs(ctx, t); err == nil {
				if err := w.locker.UnlockServers(ctx, t.ID, ids); err != nil {
					log.Warn("Failed to unlock orphaned task servers", zap.Error(err))
				}
			}
		}
		w.record(ctx, audit.ActionRecover, map[string]any{"task_id": t.ID, "executor_pid": t.ExecutorPID},
			audit.OutcomeFailed, t.ID, reason, log)
	}
	return nil
}

// startAndFail moves a task that can never run straight to failed.
func (w *Watcher) startAndFail(ctx context.Context, t *models.Task, reason string, log *zap.Logger) {
	if _, err := w.tasks.Start(ctx, t.ID); err != nil {
		log.Warn("Failed to start task", zap.Error(err))
		return
	}
	w.fail(ctx, t.ID, reason, log)
}

func (w *Watcher) fail(ctx context.Context, id, reason string, log *zap.Logger) {
	if _, err := w.tasks.Fail(ctx, id, reason); err != nil {
		log.Error("Failed to fail task", zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Warn("Task failed", zap.String("reason", reason))
}

func (w *Watcher) record(ctx context.Context, action string, inputs any, outcome, taskID, details string, log *zap.Logger) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Record(ctx, action, inputs, outcome, taskID, details); err != nil {
		log.Warn("Failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}

// permanent reports resolve errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, fleet.ErrNoServers) ||
		errors.Is(err, fleet.ErrInvalidTaskData) ||
		errors.Is(err, store.ErrNotFound)
}
