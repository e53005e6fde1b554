// Package models defines the core domain types for drydock.
package models

import "encoding/json"

// Collection names a family of versioned documents.
type Collection string

const (
	CollectionServer  Collection = "server"
	CollectionCluster Collection = "cluster"
)

// Document carries the version metadata shared by every versioned entity.
// Timestamps are unix seconds; TimeDeleted is 0 while the model is alive.
type Document struct {
	ModelID     string `json:"model_id"`
	Version     int    `json:"version"`
	IsLatest    bool   `json:"is_latest"`
	TimeCreated int64  `json:"time_created"`
	TimeDeleted int64  `json:"time_deleted"`
	InitiatorID string `json:"initiator_id"`
}

// Meta returns the version metadata. Entities embedding Document satisfy
// the versioned entity contract through it.
func (d *Document) Meta() *Document { return d }

// Deleted reports whether this version is a soft-deleted one.
func (d *Document) Deleted() bool { return d.TimeDeleted != 0 }

// Server is a managed host.
type Server struct {
	Document  `json:"-"`
	FQDN      string            `json:"fqdn"`
	IP        string            `json:"ip"`
	Username  string            `json:"username"`
	ClusterID string            `json:"cluster_id,omitempty"`
	Facts     map[string]string `json:"facts,omitempty"`
}

func (s *Server) Collection() Collection { return CollectionServer }

func (s *Server) UniqueKeys() map[string]string {
	return map[string]string{"fqdn": s.FQDN}
}

// Cluster groups servers.
type Cluster struct {
	Document `json:"-"`
	Name     string `json:"name"`
}

func (c *Cluster) Collection() Collection { return CollectionCluster }

func (c *Cluster) UniqueKeys() map[string]string {
	return map[string]string{"name": c.Name}
}

// Lock is a leased mutual-exclusion record. A lock with an empty Locker or
// an ExpiredAt in the past is free.
type Lock struct {
	Name      string `json:"lockname"`
	Locker    string `json:"locker,omitempty"`
	ExpiredAt int64  `json:"expired_at"`
}

// HeldAt reports whether the lock is held by someone at unix time now.
func (l *Lock) HeldAt(now int64) bool {
	return l.Locker != "" && l.ExpiredAt >= now
}

// TaskType identifies what a task does.
type TaskType string

const (
	TaskTypePlaybook        TaskType = "playbook"
	TaskTypeServerDiscovery TaskType = "server_discovery"
	TaskTypeCancel          TaskType = "cancel"
)

// TaskState represents the current state of a task.
type TaskState string

const (
	TaskStateCreated   TaskState = "created"
	TaskStateStarted   TaskState = "started"
	TaskStateCompleted TaskState = "completed"
	TaskStateCanceling TaskState = "canceling"
	TaskStateCanceled  TaskState = "canceled"
	TaskStateFailed    TaskState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	}
	return false
}

// TaskTime holds one unix timestamp per transition, 0 when it never happened.
type TaskTime struct {
	Created   int64 `json:"created"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
	Bounced   int64 `json:"bounced"`
	Updated   int64 `json:"updated"`
}

// Task represents a unit of work dispatched by the controller.
type Task struct {
	ID           string          `json:"id"`
	Type         TaskType        `json:"task_type"`
	ExecutionID  string          `json:"execution_id"`
	State        TaskState       `json:"state"`
	Time         TaskTime        `json:"time"`
	ExecutorHost string          `json:"executor_host"`
	ExecutorPID  int             `json:"executor_pid"`
	Bounced      int             `json:"bounced"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data"`
	TTL          int64           `json:"ttl"`
}

// PlaybookData is the payload of playbook tasks. When ServerIDs is empty
// every live server of ClusterID is targeted.
type PlaybookData struct {
	EntryPoint string         `json:"entry_point"`
	ServerIDs  []string       `json:"server_ids,omitempty"`
	ClusterID  string         `json:"cluster_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// DiscoveryData is the payload of server_discovery tasks.
type DiscoveryData struct {
	Host     string `json:"host"`
	Username string `json:"username"`
}

// CancelData is the payload of cancel tasks.
type CancelData struct {
	TaskID string `json:"task_id"`
}

// EntryPointServerDiscovery is the entry point every discovery task runs.
const EntryPointServerDiscovery = "server_discovery"

// EntryPoint returns the operation the runner should execute for t.
func (t *Task) EntryPoint() string {
	switch t.Type {
	case TaskTypeServerDiscovery:
		return EntryPointServerDiscovery
	case TaskTypePlaybook:
		var data PlaybookData
		if err := json.Unmarshal(t.Data, &data); err == nil {
			return data.EntryPoint
		}
	}
	return ""
}

// Run represents one supervised execution of a task's process.
type Run struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	EntryPoint string `json:"entry_point"`
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at"`
}

// AuditEntry records a controller decision for later inspection.
type AuditEntry struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	InputsHash string `json:"inputs_hash"`
	Outcome    string `json:"outcome"`
	TaskID     string `json:"task_id,omitempty"`
	Details    string `json:"details,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
