//go:build !windows

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// shellSupervisor runs the task's entry point as a shell snippet.
func shellSupervisor(t *testing.T) *process.Supervisor {
	return process.NewSupervisor(process.Config{
		Command:      "/bin/sh",
		Args:         []string{"-c", `eval "$DRYDOCK_ENTRY_POINT"`},
		GracePeriod:  500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestProcessCompletes(t *testing.T) {
	env := newTestEnv(t, 1, shellSupervisor(t))
	tk := env.create(t, "sleep 1")

	require.NoError(t, env.pool.Submit(context.Background(), tk, nil))
	time.Sleep(1500 * time.Millisecond)

	require.Eventually(t, func() bool {
		return env.state(t, tk.ID) == models.TaskStateCompleted
	}, 5*time.Second, 50*time.Millisecond)

	got, err := env.tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.NotZero(t, got.Time.Completed)
	assert.Zero(t, got.Time.Failed)
	assert.Zero(t, got.Time.Cancelled)

	runs, err := env.store.RunsForTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].ExitCode)
	assert.NotZero(t, runs[0].PID)
}

func TestProcessCanceledWhileRunning(t *testing.T) {
	env := newTestEnv(t, 1, shellSupervisor(t))
	tk := env.create(t, "sleep 30")

	done := make(chan struct{})
	require.NoError(t, env.pool.Submit(context.Background(), tk, func() { close(done) }))
	time.Sleep(200 * time.Millisecond)
	require.True(t, env.pool.Cancel(tk.ID))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("canceled process did not finish")
	}
	assert.Equal(t, models.TaskStateCanceled, env.state(t, tk.ID))
}

func TestProcessExitCodeFails(t *testing.T) {
	env := newTestEnv(t, 1, shellSupervisor(t))
	tk := env.create(t, "echo failing >&2; exit 17")

	done := make(chan struct{})
	require.NoError(t, env.pool.Submit(context.Background(), tk, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish")
	}
	assert.Equal(t, models.TaskStateFailed, env.state(t, tk.ID))

	runs, err := env.store.RunsForTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 17, runs[0].ExitCode)
	assert.Equal(t, "failing\n", runs[0].Stderr)
}

func TestStopLeavesNoProcess(t *testing.T) {
	env := newTestEnv(t, 2, shellSupervisor(t))
	ctx := context.Background()

	a := env.create(t, "sleep 30")
	b := env.create(t, "trap '' TERM; sleep 30")
	require.NoError(t, env.pool.Submit(ctx, a, nil))
	require.NoError(t, env.pool.Submit(ctx, b, nil))
	time.Sleep(300 * time.Millisecond)

	env.pool.Stop()

	for _, tk := range []*models.Task{a, b} {
		assert.Equal(t, models.TaskStateCanceled, env.state(t, tk.ID))
		runs, err := env.store.RunsForTask(ctx, tk.ID)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.False(t, process.Alive(runs[0].PID), "runner %d still alive", runs[0].PID)
	}
}
