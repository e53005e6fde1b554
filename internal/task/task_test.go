package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := NewService(s, Config{TTL: time.Hour, Hostname: "ctl-1"}, zaptest.NewLogger(t))
	svc.SetClock(func() time.Time { return time.Unix(1000, 0) })
	return svc
}

func createPlaybook(t *testing.T, svc *Service) *models.Task {
	t.Helper()
	tk, err := svc.Create(context.Background(), models.TaskTypePlaybook, "exec-1",
		models.PlaybookData{EntryPoint: "deploy", ServerIDs: []string{"s1"}})
	require.NoError(t, err)
	return tk
}

func TestCreate(t *testing.T) {
	svc := newTestService(t)
	tk := createPlaybook(t, svc)

	got, err := svc.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCreated, got.State)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.EqualValues(t, 1000, got.Time.Created)
	assert.Equal(t, "deploy", got.EntryPoint())
}

func TestStartTwice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tk := createPlaybook(t, svc)

	started, err := svc.Start(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateStarted, started.State)
	assert.EqualValues(t, 1000, started.Time.Started)
	assert.Equal(t, "ctl-1", started.ExecutorHost)
	assert.NotZero(t, started.ExecutorPID)

	_, err = svc.Start(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrCannotStartTask)
}

func TestTerminalTransitions(t *testing.T) {
	cases := []struct {
		name  string
		apply func(*Service, string) (*models.Task, error)
		state models.TaskState
		stamp func(models.TaskTime) int64
	}{
		{"complete", func(s *Service, id string) (*models.Task, error) { return s.Complete(context.Background(), id) },
			models.TaskStateCompleted, func(tt models.TaskTime) int64 { return tt.Completed }},
		{"fail", func(s *Service, id string) (*models.Task, error) { return s.Fail(context.Background(), id, "boom") },
			models.TaskStateFailed, func(tt models.TaskTime) int64 { return tt.Failed }},
		{"cancel", func(s *Service, id string) (*models.Task, error) { return s.Cancel(context.Background(), id) },
			models.TaskStateCanceled, func(tt models.TaskTime) int64 { return tt.Cancelled }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t)
			tk := createPlaybook(t, svc)

			_, err := tc.apply(svc, tk.ID)
			require.Error(t, err, "terminal transition from created must fail")

			_, err = svc.Start(context.Background(), tk.ID)
			require.NoError(t, err)

			done, err := tc.apply(svc, tk.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.state, done.State)
			assert.EqualValues(t, 1000, tc.stamp(done.Time))
			assert.EqualValues(t, 1000+3600, done.TTL)

			_, err = tc.apply(svc, tk.ID)
			assert.Error(t, err, "terminal state is written once")
		})
	}
}

func TestTransitionErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tk := createPlaybook(t, svc)

	_, err := svc.Complete(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrCannotCompleteTask)
	_, err = svc.Fail(ctx, tk.ID, "x")
	assert.ErrorIs(t, err, ErrCannotFailTask)
	_, err = svc.Cancel(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrCannotCancelTask)
	_, err = svc.RequestCancel(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrCannotCancelTask)

	_, err = svc.Start(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequestCancel(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tk := createPlaybook(t, svc)

	_, err := svc.Start(ctx, tk.ID)
	require.NoError(t, err)

	canceling, err := svc.RequestCancel(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCanceling, canceling.State)
	assert.Zero(t, canceling.TTL)

	_, err = svc.RequestCancel(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrCannotCancelTask)

	canceled, err := svc.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCanceled, canceled.State)
	assert.Zero(t, canceled.Time.Completed)
	assert.Zero(t, canceled.Time.Failed)
}

func TestBounce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	tk := createPlaybook(t, svc)

	require.NoError(t, svc.Bounce(ctx, tk.ID))
	require.NoError(t, svc.Bounce(ctx, tk.ID))

	got, err := svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCreated, got.State, "bounce does not change state")
	assert.Equal(t, 2, got.Bounced)

	_, err = svc.Start(ctx, tk.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Bounce(ctx, tk.ID), ErrCannotBounceTask)
}

func TestCan(t *testing.T) {
	assert.True(t, Can(models.TaskStateCreated, EventStart))
	assert.False(t, Can(models.TaskStateStarted, EventStart))
	assert.True(t, Can(models.TaskStateCanceling, EventCancel))
	assert.False(t, Can(models.TaskStateCompleted, EventFail))
	assert.False(t, Can(models.TaskStateCanceling, EventRequestCancel))
}
