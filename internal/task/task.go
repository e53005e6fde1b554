// Package task implements the task lifecycle:
//
//	created ──start──▶ started ──complete/fail/cancel──▶ completed|failed|canceled
//	                      │
//	                      └──request_cancel──▶ canceling ──complete/fail/cancel──▶ ...
//
// The transition table lives in a looplab/fsm machine. Each transition is
// persisted as one conditional write keyed on the legal source states, so
// concurrent controllers can never both apply a transition.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	EventStart         = "start"
	EventComplete      = "complete"
	EventFail          = "fail"
	EventCancel        = "cancel"
	EventRequestCancel = "request_cancel"
)

var active = []string{string(models.TaskStateStarted), string(models.TaskStateCanceling)}

var transitions = fsm.Events{
	{Name: EventStart, Src: []string{string(models.TaskStateCreated)}, Dst: string(models.TaskStateStarted)},
	{Name: EventComplete, Src: active, Dst: string(models.TaskStateCompleted)},
	{Name: EventFail, Src: active, Dst: string(models.TaskStateFailed)},
	{Name: EventCancel, Src: active, Dst: string(models.TaskStateCanceled)},
	{Name: EventRequestCancel, Src: []string{string(models.TaskStateStarted)}, Dst: string(models.TaskStateCanceling)},
}

var eventErrors = map[string]error{
	EventStart:         ErrCannotStartTask,
	EventComplete:      ErrCannotCompleteTask,
	EventFail:          ErrCannotFailTask,
	EventCancel:        ErrCannotCancelTask,
	EventRequestCancel: ErrCannotCancelTask,
}

// Backend persists tasks. *store.Store implements it.
type Backend interface {
	InsertTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	TransitionTask(ctx context.Context, id string, from []models.TaskState, tr store.TaskTransition) (bool, error)
	BounceTask(ctx context.Context, id string, now int64) (bool, error)
}

// Config tunes the service.
type Config struct {
	// TTL is added to the transition time of a terminal state.
	TTL time.Duration
	// Hostname is written as executor_host on start.
	Hostname string
}

// Service applies lifecycle transitions to stored tasks.
type Service struct {
	backend  Backend
	ttl      time.Duration
	hostname string
	pid      int
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates a task service.
func NewService(backend Backend, cfg Config, log *zap.Logger) *Service {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Service{
		backend:  backend,
		ttl:      cfg.TTL,
		hostname: cfg.Hostname,
		pid:      os.Getpid(),
		now:      time.Now,
		log:      log,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create stores a new task in the created state. data is marshaled into
// the task payload.
func (s *Service) Create(ctx context.Context, typ models.TaskType, executionID string, data any) (*models.Task, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal task data: %w", err)
	}
	t := &models.Task{
		ID:          uuid.New().String(),
		Type:        typ,
		ExecutionID: executionID,
		State:       models.TaskStateCreated,
		Time:        models.TaskTime{Created: s.now().Unix()},
		Data:        payload,
	}
	t.Time.Updated = t.Time.Created
	if err := s.backend.InsertTask(ctx, t); err != nil {
		return nil, err
	}
	s.log.Debug("Task created", zap.String("task_id", t.ID), zap.String("task_type", string(typ)))
	return t, nil
}

// Get loads a task.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.backend.GetTask(ctx, id)
}

// Start moves a created task to started and records this process as its
// executor.
func (s *Service) Start(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, EventStart, store.TaskTransition{ExecutorHost: s.hostname, ExecutorPID: s.pid})
}

// Complete marks a running task completed.
func (s *Service) Complete(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, EventComplete, store.TaskTransition{})
}

// Fail marks a running task failed with reason.
func (s *Service) Fail(ctx context.Context, id, reason string) (*models.Task, error) {
	return s.transition(ctx, id, EventFail, store.TaskTransition{Error: reason})
}

// Cancel marks a running task canceled.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, EventCancel, store.TaskTransition{})
}

// RequestCancel moves a started task to canceling. The pool running it
// observes the state and stops the process.
func (s *Service) RequestCancel(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, EventRequestCancel, store.TaskTransition{})
}

// Bounce records a watcher pass over a created task. It fails with
// ErrCannotBounceTask once the task has left the created state.
func (s *Service) Bounce(ctx context.Context, id string) error {
	ok, err := s.backend.BounceTask(ctx, id, s.now().Unix())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is no longer created", ErrCannotBounceTask, id)
	}
	return nil
}

// Can reports whether event is legal from state.
func Can(state models.TaskState, event string) bool {
	return fsm.NewFSM(string(state), transitions, fsm.Callbacks{}).Can(event)
}

func (s *Service) transition(ctx context.Context, id, event string, tr store.TaskTransition) (*models.Task, error) {
	sentinel := eventErrors[event]

	t, err := s.backend.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	machine := fsm.NewFSM(string(t.State), transitions, fsm.Callbacks{})
	if !machine.Can(event) {
		return nil, fmt.Errorf("%w: %s is %s", sentinel, id, t.State)
	}
	from := sourceStates(event)
	if err := machine.Event(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", sentinel, id, err)
	}

	tr.To = models.TaskState(machine.Current())
	tr.Now = s.now().Unix()
	if tr.To.Terminal() {
		tr.TTL = tr.Now + int64(s.ttl/time.Second)
	}

	ok, err := s.backend.TransitionTask(ctx, id, from, tr)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another controller moved the task between the read and the write.
		current, err := s.backend.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is %s", sentinel, id, current.State)
	}

	updated, err := s.backend.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Task transitioned",
		zap.String("task_id", id),
		zap.String("event", event),
		zap.String("from", string(t.State)),
		zap.String("to", string(updated.State)))
	return updated, nil
}

func sourceStates(event string) []models.TaskState {
	var from []models.TaskState
	for _, desc := range transitions {
		if desc.Name != event {
			continue
		}
		for _, src := range desc.Src {
			from = append(from, models.TaskState(src))
		}
	}
	return from
}
