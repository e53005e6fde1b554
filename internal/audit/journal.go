// Package audit records controller decisions to the audit journal.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/drydock/internal/models"
)

// Actions written by the controller.
const (
	ActionDispatch = "task.dispatch"
	ActionSkip     = "task.skip"
	ActionCancel   = "task.cancel"
	ActionRecover  = "task.recover"
	ActionUnlock   = "server.unlock"
	ActionRestore  = "model.restore"
	ActionSweep    = "task.sweep"
)

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Backend appends journal entries. *store.Store implements it.
type Backend interface {
	WriteAudit(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.AuditEntry, error)
}

// Journal writes audit entries.
type Journal struct {
	backend Backend
}

// NewJournal creates a journal on backend.
func NewJournal(backend Backend) *Journal {
	return &Journal{backend: backend}
}

// Record writes an entry for a state-mutating action. inputs are hashed so
// that two decisions taken on the same inputs can be matched later.
func (j *Journal) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.AuditEntry, error) {
	return j.backend.WriteAudit(ctx, action, HashInputs(inputs), outcome, taskID, details)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
