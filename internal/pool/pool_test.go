package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/process"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeExecutor blocks each run until release yields, the run is canceled
// or a stop is requested.
type fakeExecutor struct {
	release  chan struct{}
	exitCode int
	err      error
	panics   bool
	noResult bool

	mu         sync.Mutex
	running    int
	maxRunning int
}

func (f *fakeExecutor) Run(ctx context.Context, spec process.Spec) (*process.Result, error) {
	if f.panics {
		panic("boom")
	}

	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.release:
			if f.noResult {
				return nil, nil
			}
			return &process.Result{PID: 1, ExitCode: f.exitCode}, f.err
		case <-ctx.Done():
			return &process.Result{PID: 1, Canceled: true, ExitCode: -1}, nil
		case <-ticker.C:
			if spec.ShouldStop != nil && spec.ShouldStop(ctx) {
				return &process.Result{PID: 1, Canceled: true, ExitCode: -1}, nil
			}
		}
	}
}

func (f *fakeExecutor) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type testEnv struct {
	store *store.Store
	tasks *task.Service
	pool  *Pool
}

func newTestEnv(t *testing.T, workers int, exec process.Executor) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := zaptest.NewLogger(t)
	svc := task.NewService(s, task.Config{TTL: time.Hour}, log)
	p := New(svc, s, exec, Config{Workers: workers}, log)
	t.Cleanup(p.Stop)
	return &testEnv{store: s, tasks: svc, pool: p}
}

func (e *testEnv) create(t *testing.T, entryPoint string) *models.Task {
	t.Helper()
	tk, err := e.tasks.Create(context.Background(), models.TaskTypePlaybook, "",
		models.PlaybookData{EntryPoint: entryPoint})
	require.NoError(t, err)
	return tk
}

func (e *testEnv) state(t *testing.T, id string) models.TaskState {
	t.Helper()
	tk, err := e.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return tk.State
}

func (e *testEnv) countState(t *testing.T, state models.TaskState) int {
	t.Helper()
	tasks, err := e.store.ListTasks(context.Background(), store.TaskFilter{States: []models.TaskState{state}})
	require.NoError(t, err)
	return len(tasks)
}

func TestCapacityBoundsStartedTasks(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	env := newTestEnv(t, 2, exec)
	ctx := context.Background()

	var tasks []*models.Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, env.create(t, "deploy"))
	}

	var submitted atomic.Int32
	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		for _, tk := range tasks {
			if err := env.pool.Submit(ctx, tk, nil); err != nil {
				t.Errorf("submit %s: %v", tk.ID, err)
				return
			}
			submitted.Add(1)
		}
	}()

	require.Eventually(t, func() bool { return submitted.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, submitted.Load(), "third submit must block while both slots are busy")
	assert.Equal(t, 2, env.countState(t, models.TaskStateStarted))
	assert.Equal(t, 2, env.pool.Stats().Active)

	exec.release <- struct{}{}
	require.Eventually(t, func() bool { return submitted.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	close(exec.release)
	<-submitDone
	require.Eventually(t, func() bool {
		return env.countState(t, models.TaskStateCompleted) == 4
	}, 5*time.Second, 20*time.Millisecond)

	assert.LessOrEqual(t, exec.max(), 2)
	assert.Equal(t, 0, env.pool.Stats().Active)
}

func TestSubmitStartFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: closedChan()})
	ctx := context.Background()

	tk := env.create(t, "deploy")
	_, err := env.tasks.Start(ctx, tk.ID)
	require.NoError(t, err)

	err = env.pool.Submit(ctx, tk, func() { t.Error("onDone must not run when Submit fails") })
	assert.ErrorIs(t, err, task.ErrCannotStartTask)
	assert.Equal(t, 0, env.pool.Stats().Active)

	other := env.create(t, "deploy")
	submitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, env.pool.Submit(submitCtx, other, nil), "slot must be free again")
}

func TestCompletionOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		exec  *fakeExecutor
		state models.TaskState
		error string
	}{
		{"success", &fakeExecutor{release: closedChan()}, models.TaskStateCompleted, ""},
		{"non-zero exit", &fakeExecutor{release: closedChan(), exitCode: 17}, models.TaskStateFailed, "runner exited with code 17"},
		{"executor error", &fakeExecutor{release: closedChan(), err: errors.New("ssh unreachable")}, models.TaskStateFailed, "ssh unreachable"},
		{"executor panic", &fakeExecutor{panics: true}, models.TaskStateFailed, "executor panic: boom"},
		{"no result", &fakeExecutor{release: closedChan(), noResult: true}, models.TaskStateFailed, ErrNoResult.Error()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 1, tc.exec)
			tk := env.create(t, "deploy")

			done := make(chan struct{})
			require.NoError(t, env.pool.Submit(context.Background(), tk, func() { close(done) }))

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("task did not finish")
			}

			got, err := env.tasks.Get(context.Background(), tk.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.state, got.State)
			assert.Equal(t, tc.error, got.Error)
			assert.NotZero(t, got.TTL)
		})
	}
}

func TestOnDoneRunsBeforeSlotRelease(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: closedChan()})
	tk := env.create(t, "deploy")

	activeInHook := make(chan int, 1)
	require.NoError(t, env.pool.Submit(context.Background(), tk, func() {
		activeInHook <- env.pool.Stats().Active
	}))

	select {
	case active := <-activeInHook:
		assert.Equal(t, 1, active)
	case <-time.After(5 * time.Second):
		t.Fatal("onDone was not called")
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: make(chan struct{})})
	tk := env.create(t, "deploy")

	assert.False(t, env.pool.Cancel(tk.ID), "cancel of a task that is not running is a no-op")

	done := make(chan struct{})
	require.NoError(t, env.pool.Submit(context.Background(), tk, func() { close(done) }))
	assert.True(t, env.pool.Cancel(tk.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("canceled task did not finish")
	}
	assert.Equal(t, models.TaskStateCanceled, env.state(t, tk.ID))
	assert.False(t, env.pool.Cancel(tk.ID))
}

func TestCancelThroughStore(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: make(chan struct{})})
	tk := env.create(t, "deploy")

	done := make(chan struct{})
	require.NoError(t, env.pool.Submit(context.Background(), tk, func() { close(done) }))

	// Another controller requests the cancel.
	_, err := env.tasks.RequestCancel(context.Background(), tk.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not observe canceling state")
	}
	assert.Equal(t, models.TaskStateCanceled, env.state(t, tk.ID))
}

func TestStopDrains(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	env := newTestEnv(t, 2, exec)
	ctx := context.Background()

	a := env.create(t, "deploy")
	b := env.create(t, "deploy")
	require.NoError(t, env.pool.Submit(ctx, a, nil))
	require.NoError(t, env.pool.Submit(ctx, b, nil))

	env.pool.Stop()

	assert.Equal(t, models.TaskStateCanceled, env.state(t, a.ID))
	assert.Equal(t, models.TaskStateCanceled, env.state(t, b.ID))
	assert.Equal(t, 0, env.pool.Stats().Active)
	assert.True(t, env.pool.Stats().Stopped)

	c := env.create(t, "deploy")
	assert.ErrorIs(t, env.pool.Submit(ctx, c, nil), ErrPoolStopped)
	assert.Equal(t, models.TaskStateCreated, env.state(t, c.ID))
}

func TestStopReleasesBlockedSubmit(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: make(chan struct{})})
	ctx := context.Background()

	require.NoError(t, env.pool.Submit(ctx, env.create(t, "deploy"), nil))

	waiting := env.create(t, "deploy")
	errCh := make(chan error, 1)
	go func() { errCh <- env.pool.Submit(ctx, waiting, nil) }()

	time.Sleep(50 * time.Millisecond)
	env.pool.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submit did not return after Stop")
	}
	assert.Equal(t, models.TaskStateCreated, env.state(t, waiting.ID))
}

func TestSubmitHonorsContext(t *testing.T) {
	env := newTestEnv(t, 1, &fakeExecutor{release: make(chan struct{})})

	require.NoError(t, env.pool.Submit(context.Background(), env.create(t, "deploy"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := env.pool.Submit(ctx, env.create(t, "deploy"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
