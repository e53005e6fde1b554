package tui

import (
	"time"

	"github.com/fentz26/drydock/internal/controlplane"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/pool"
)

type tasksLoadedMsg struct {
	tasks []*models.Task
}

type taskDetailLoadedMsg struct {
	task  *models.Task
	runs  []models.Run
	audit []models.AuditEntry
}

type locksLoadedMsg struct {
	locks []controlplane.ServerLock
}

type statusMsg struct {
	online  bool
	workers *pool.Stats
}

type tickMsg time.Time

type cmdResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

func (e errMsg) Error() string { return e.err.Error() }
