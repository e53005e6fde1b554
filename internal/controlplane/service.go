// Package controlplane provides the service layer shared by the admin CLI
// and the controller's HTTP endpoint.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/drydock/internal/audit"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/resourcelock"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/task"
	"go.uber.org/zap"
)

// Service provides the control plane operations. It adds no orchestration
// of its own: tasks it creates are picked up by a watcher.
type Service struct {
	store   *store.Store
	tasks   *task.Service
	journal *audit.Journal
	locker  *resourcelock.ServerLocker
	now     func() time.Time
	log     *zap.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, tasks *task.Service, journal *audit.Journal, locker *resourcelock.ServerLocker, log *zap.Logger) *Service {
	return &Service{
		store:   s,
		tasks:   tasks,
		journal: journal,
		locker:  locker,
		now:     time.Now,
		log:     log,
	}
}

// --- Task Operations ---

// CreateTaskRequest describes a task to create. Exactly one payload
// matching Type must be set.
type CreateTaskRequest struct {
	Type        models.TaskType       `json:"task_type"`
	ExecutionID string                `json:"execution_id"`
	Playbook    *models.PlaybookData  `json:"playbook,omitempty"`
	Discovery   *models.DiscoveryData `json:"discovery,omitempty"`
	Cancel      *models.CancelData    `json:"cancel,omitempty"`
}

func (r CreateTaskRequest) payload() (any, error) {
	switch r.Type {
	case models.TaskTypePlaybook:
		if r.Playbook == nil || r.Playbook.EntryPoint == "" {
			return nil, fmt.Errorf("%w: playbook task needs an entry point", ErrInvalidRequest)
		}
		if len(r.Playbook.ServerIDs) == 0 && r.Playbook.ClusterID == "" {
			return nil, fmt.Errorf("%w: playbook task needs servers or a cluster", ErrInvalidRequest)
		}
		return r.Playbook, nil
	case models.TaskTypeServerDiscovery:
		if r.Discovery == nil || r.Discovery.Host == "" {
			return nil, fmt.Errorf("%w: discovery task needs a host", ErrInvalidRequest)
		}
		return r.Discovery, nil
	case models.TaskTypeCancel:
		if r.Cancel == nil || r.Cancel.TaskID == "" {
			return nil, fmt.Errorf("%w: cancel task needs a target", ErrInvalidRequest)
		}
		return r.Cancel, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, r.Type)
}

// CreateTask stores a new task in the created state.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	data, err := req.payload()
	if err != nil {
		return nil, err
	}
	return s.tasks.Create(ctx, req.Type, req.ExecutionID, data)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// ListTasks returns tasks in the given states, newest first. No states
// lists every task.
func (s *Service) ListTasks(ctx context.Context, states []models.TaskState, limit int) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{States: states, Limit: limit})
}

// TaskRuns returns the execution logs of a task.
func (s *Service) TaskRuns(ctx context.Context, id string) ([]models.Run, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RunsForTask(ctx, id)
}

// CancelTask creates a cancel task targeting id.
func (s *Service) CancelTask(ctx context.Context, id, executionID string) (*models.Task, error) {
	target, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, target.State)
	}
	return s.CreateTask(ctx, CreateTaskRequest{
		Type:        models.TaskTypeCancel,
		ExecutionID: executionID,
		Cancel:      &models.CancelData{TaskID: id},
	})
}

// SweepTasks deletes terminal tasks whose TTL passed.
func (s *Service) SweepTasks(ctx context.Context) (int64, error) {
	n, err := s.store.SweepExpiredTasks(ctx, s.now().Unix())
	if err != nil {
		return 0, err
	}
	s.record(ctx, audit.ActionSweep, map[string]int64{"removed": n}, "", fmt.Sprintf("%d tasks removed", n))
	return n, nil
}

// --- Lock Operations ---

// ServerLock is a held server lock.
type ServerLock struct {
	ServerID  string `json:"server_id"`
	Locker    string `json:"locker"`
	ExpiredAt int64  `json:"expired_at"`
}

// LockedServers lists the servers currently locked.
func (s *Service) LockedServers(ctx context.Context) ([]ServerLock, error) {
	locks, err := s.store.ListLocks(ctx, resourcelock.LockPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ServerLock, 0, len(locks))
	for _, l := range locks {
		id, _ := resourcelock.ServerIDFromLock(l.Name)
		out = append(out, ServerLock{ServerID: id, Locker: l.Locker, ExpiredAt: l.ExpiredAt})
	}
	return out, nil
}

// UnlockServer frees a server lock regardless of its holder.
func (s *Service) UnlockServer(ctx context.Context, serverID, initiator string) error {
	if err := s.locker.ForceUnlock(ctx, serverID); err != nil {
		return err
	}
	s.record(ctx, audit.ActionUnlock, map[string]string{"server_id": serverID, "initiator": initiator}, "", "")
	return nil
}

// --- Audit ---

// Audit returns journal entries for a task, or every entry when taskID is
// empty.
func (s *Service) Audit(ctx context.Context, taskID string, limit int) ([]models.AuditEntry, error) {
	return s.store.ListAudit(ctx, taskID, limit)
}

func (s *Service) record(ctx context.Context, action string, inputs any, taskID, details string) {
	// A missing journal entry must not undo an applied change.
	if _, err := s.journal.Record(ctx, action, inputs, audit.OutcomeOK, taskID, details); err != nil {
		s.log.Warn("Failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}
