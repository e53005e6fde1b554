// Package pool provides the bounded worker pool that runs one supervised
// runner process per dispatched task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/drydock/internal/metrics"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/process"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolStopped is returned by Submit once Stop was called.
var ErrPoolStopped = errors.New("worker pool is stopped")

// ErrNoResult fails a task whose executor returned neither a result nor an
// error.
var ErrNoResult = errors.New("executor returned no result")

// storeTimeout bounds the store writes made after a run, which must happen
// even when the pool is shutting down.
const storeTimeout = 30 * time.Second

// Lifecycle applies task transitions. *task.Service implements it.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Start(ctx context.Context, id string) (*models.Task, error)
	Complete(ctx context.Context, id string) (*models.Task, error)
	Fail(ctx context.Context, id, reason string) (*models.Task, error)
	Cancel(ctx context.Context, id string) (*models.Task, error)
}

// RunLog persists execution logs. *store.Store implements it.
type RunLog interface {
	CreateRun(ctx context.Context, taskID, entryPoint string) (*models.Run, error)
	FinishRun(ctx context.Context, id string, pid, exitCode int, stdout, stderr string) error
}

// Config defines the pool configuration.
type Config struct {
	// Workers is the number of concurrent slots.
	Workers int
}

// DefaultConfig sizes the pool by the usable CPU count.
func DefaultConfig() Config {
	return Config{Workers: runtime.GOMAXPROCS(0)}
}

type job struct {
	taskID   string
	started  time.Time
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Pool runs tasks on at most Workers concurrent slots.
type Pool struct {
	tasks    Lifecycle
	runs     RunLog
	executor process.Executor
	log      *zap.Logger

	capacity int
	sem      *semaphore.Weighted

	base       context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	jobs    map[string]*job
	wg      sync.WaitGroup
}

// New creates a pool.
func New(tasks Lifecycle, runs RunLog, executor process.Executor, cfg Config, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	base, cancel := context.WithCancel(context.Background())
	metrics.SetPoolCapacity(cfg.Workers)
	return &Pool{
		tasks:      tasks,
		runs:       runs,
		executor:   executor,
		log:        log,
		capacity:   cfg.Workers,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		base:       base,
		baseCancel: cancel,
		jobs:       make(map[string]*job),
	}
}

// Submit waits for a free slot, starts the task and runs it in the
// background. If Start fails the slot is released and the error returned.
// onDone runs after the task reached its terminal state and before the slot
// is released; it is only called when Submit returns nil.
func (p *Pool) Submit(ctx context.Context, t *models.Task, onDone func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.acquire(ctx); err != nil {
		p.wg.Done()
		return err
	}

	release := func() {
		p.sem.Release(1)
		p.wg.Done()
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		release()
		return ErrPoolStopped
	}

	started, err := p.tasks.Start(ctx, t.ID)
	if err != nil {
		release()
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	jobCtx, cancel := context.WithCancel(p.base)
	j := &job{taskID: t.ID, started: time.Now(), cancel: cancel}

	p.mu.Lock()
	p.jobs[t.ID] = j
	active := len(p.jobs)
	p.mu.Unlock()
	metrics.SetPoolActive(active)

	go p.run(jobCtx, j, started, onDone)
	return nil
}

// acquire takes a slot, giving up when ctx is done or the pool stops.
func (p *Pool) acquire(ctx context.Context) error {
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	if err := p.sem.Acquire(acqCtx, 1); err != nil {
		if p.base.Err() != nil {
			return ErrPoolStopped
		}
		return fmt.Errorf("wait for worker slot: %w", err)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, j *job, t *models.Task, onDone func()) {
	log := p.log.With(zap.String("task_id", t.ID), zap.String("task_type", string(t.Type)))

	defer func() {
		j.cancel()
		p.mu.Lock()
		delete(p.jobs, j.taskID)
		active := len(p.jobs)
		p.mu.Unlock()
		metrics.SetPoolActive(active)

		p.sem.Release(1)
		p.wg.Done()
	}()

	res, runErr := p.execute(ctx, j, t, log)
	state := p.finish(j, t, res, runErr, log)
	metrics.RecordFinished(string(state), time.Since(j.started))

	if onDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Completion hook panicked", zap.Any("panic", r))
				}
			}()
			onDone()
		}()
	}
}

// execute runs the task's process. A panic inside the executor is turned
// into an error so it fails the task instead of the controller.
func (p *Pool) execute(ctx context.Context, j *job, t *models.Task, log *zap.Logger) (res *process.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panicked", zap.Any("panic", r))
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()

	if ctx.Err() != nil {
		return &process.Result{Canceled: true}, nil
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	run, err := p.runs.CreateRun(storeCtx, t.ID, t.EntryPoint())
	cancel()
	if err != nil {
		log.Warn("Failed to create run record", zap.Error(err))
	}

	res, err = p.executor.Run(ctx, process.Spec{
		TaskID:     t.ID,
		EntryPoint: t.EntryPoint(),
		ShouldStop: p.shouldStop(j, log),
	})
	if res == nil && err == nil {
		err = ErrNoResult
	}

	if run != nil && res != nil {
		storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if ferr := p.runs.FinishRun(storeCtx, run.ID, res.PID, res.ExitCode, res.Stdout, res.Stderr); ferr != nil {
			log.Warn("Failed to record run output", zap.Error(ferr))
		}
		cancel()
	}
	return res, err
}

// shouldStop reports a stop request made through Cancel or through the
// store, where another controller may have moved the task to canceling.
func (p *Pool) shouldStop(j *job, log *zap.Logger) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		if j.canceled.Load() {
			return true
		}
		t, err := p.tasks.Get(ctx, j.taskID)
		if err != nil {
			log.Debug("Failed to poll task state", zap.Error(err))
			return false
		}
		if t.State == models.TaskStateCanceling {
			j.canceled.Store(true)
			return true
		}
		return false
	}
}

// finish writes the terminal state of a run: canceled when a stop was
// requested, failed on a supervisor error or non-zero exit, completed
// otherwise.
func (p *Pool) finish(j *job, t *models.Task, res *process.Result, runErr error, log *zap.Logger) models.TaskState {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var (
		state  models.TaskState
		err    error
		reason string
	)
	switch {
	case j.canceled.Load() || (res != nil && res.Canceled):
		state = models.TaskStateCanceled
		_, err = p.tasks.Cancel(ctx, t.ID)
	case runErr != nil:
		state = models.TaskStateFailed
		reason = runErr.Error()
		_, err = p.tasks.Fail(ctx, t.ID, reason)
	case res.ExitCode != 0:
		state = models.TaskStateFailed
		reason = fmt.Sprintf("runner exited with code %d", res.ExitCode)
		_, err = p.tasks.Fail(ctx, t.ID, reason)
	default:
		state = models.TaskStateCompleted
		_, err = p.tasks.Complete(ctx, t.ID)
	}

	if err != nil {
		log.Error("Failed to record task outcome", zap.String("state", string(state)), zap.Error(err))
		return state
	}
	if state == models.TaskStateFailed {
		log.Warn("Task failed", zap.String("reason", reason))
	} else {
		log.Info("Task finished", zap.String("state", string(state)))
	}
	return state
}

// Cancel asks the run of taskID to stop. It reports false when the task is
// not running in this pool.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	j, ok := p.jobs[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.canceled.Store(true)
	j.cancel()
	p.log.Info("Task cancel requested", zap.String("task_id", taskID))
	return true
}

// Stop rejects further submissions, cancels every running task and waits
// until all slots drained. No runner process is alive when it returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	already := p.stopped
	p.stopped = true
	running := len(p.jobs)
	p.mu.Unlock()

	if !already {
		p.log.Info("Stopping worker pool", zap.Int("running", running))
	}
	p.baseCancel()
	p.wg.Wait()
	if !already {
		p.log.Info("Worker pool stopped")
	}
}

// Stats describes the pool occupancy.
type Stats struct {
	Active   int      `json:"active_workers"`
	Capacity int      `json:"capacity"`
	Running  []string `json:"running_tasks"`
	Stopped  bool     `json:"stopped"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	running := make([]string, 0, len(p.jobs))
	for id := range p.jobs {
		running = append(running, id)
	}
	sort.Strings(running)
	return Stats{
		Active:   len(p.jobs),
		Capacity: p.capacity,
		Running:  running,
		Stopped:  p.stopped,
	}
}
