// Package inventory builds the Ansible dynamic inventory of a task.
//
// The runner started for a task calls `drydock inventory --list` with the
// task's environment; the document printed lists the servers the task
// holds locks on, grouped under the task's entry point.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fentz26/drydock/internal/models"
)

// GroupNew holds the host of a server_discovery task.
const GroupNew = "new"

// Host variables set for every host.
const (
	VarHost      = "ansible_host"
	VarUser      = "ansible_user"
	VarServerID  = "drydock_server_id"
	VarClusterID = "drydock_cluster_id"
	VarTaskID    = "drydock_task_id"
)

// TaskGetter loads tasks. *task.Service implements it.
type TaskGetter interface {
	Get(ctx context.Context, id string) (*models.Task, error)
}

// ServerResolver resolves the servers of a task. *fleet.Fleet implements
// it.
type ServerResolver interface {
	TaskServers(ctx context.Context, t *models.Task) ([]*models.Server, error)
}

// Group is one inventory group.
type Group struct {
	Hosts    []string       `json:"hosts,omitempty"`
	Children []string       `json:"children,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
}

// Inventory is the document printed for `--list`.
type Inventory struct {
	Groups   map[string]*Group
	HostVars map[string]map[string]any
}

// MarshalJSON renders the groups at the top level next to _meta, the layout
// Ansible expects.
func (inv *Inventory) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(inv.Groups)+1)
	for name, g := range inv.Groups {
		doc[name] = g
	}
	doc["_meta"] = map[string]any{"hostvars": inv.HostVars}
	return json.Marshal(doc)
}

// ErrUnknownHost is returned for a host the inventory does not list.
var ErrUnknownHost = errors.New("host is not in the inventory")

// Host returns the variables of one host.
func (inv *Inventory) Host(name string) (map[string]any, error) {
	vars, ok := inv.HostVars[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownHost)
	}
	return vars, nil
}

// Builder assembles inventories.
type Builder struct {
	tasks   TaskGetter
	servers ServerResolver
}

// NewBuilder creates a builder.
func NewBuilder(tasks TaskGetter, servers ServerResolver) *Builder {
	return &Builder{tasks: tasks, servers: servers}
}

// Build returns the inventory of taskID.
func (b *Builder) Build(ctx context.Context, taskID string) (*Inventory, error) {
	if taskID == "" {
		return nil, fmt.Errorf("no task id given")
	}
	t, err := b.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	inv := &Inventory{
		Groups:   map[string]*Group{},
		HostVars: map[string]map[string]any{},
	}

	switch t.Type {
	case models.TaskTypePlaybook:
		servers, err := b.servers.TaskServers(ctx, t)
		if err != nil {
			return nil, err
		}
		group := GroupName(t.EntryPoint())
		g := &Group{Vars: map[string]any{VarTaskID: t.ID}}
		for _, s := range servers {
			g.Hosts = append(g.Hosts, s.FQDN)
			vars := map[string]any{
				VarHost:     hostAddress(s),
				VarUser:     s.Username,
				VarServerID: s.ModelID,
			}
			if s.ClusterID != "" {
				vars[VarClusterID] = s.ClusterID
			}
			inv.HostVars[s.FQDN] = vars
		}
		sort.Strings(g.Hosts)
		inv.Groups[group] = g
		inv.Groups["all"] = &Group{Children: []string{group}}

	case models.TaskTypeServerDiscovery:
		var data models.DiscoveryData
		if err := json.Unmarshal(t.Data, &data); err != nil || data.Host == "" {
			return nil, fmt.Errorf("task %s has no discovery host", t.ID)
		}
		inv.Groups[GroupNew] = &Group{Hosts: []string{data.Host}, Vars: map[string]any{VarTaskID: t.ID}}
		inv.Groups["all"] = &Group{Children: []string{GroupNew}}
		inv.HostVars[data.Host] = map[string]any{VarHost: data.Host, VarUser: data.Username}

	default:
		return nil, fmt.Errorf("task %s of type %s has no inventory", t.ID, t.Type)
	}
	return inv, nil
}

// GroupName turns an entry point such as "ceph/add_osd.yml" into a valid
// group name.
func GroupName(entryPoint string) string {
	name := strings.TrimSuffix(entryPoint, ".yml")
	name = strings.TrimSuffix(name, ".yaml")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "drydock"
	}
	return name
}

func hostAddress(s *models.Server) string {
	if s.IP != "" {
		return s.IP
	}
	return s.FQDN
}

// Write prints the inventory for `--list`, or the variables of host when
// host is set.
func Write(w io.Writer, inv *Inventory, host string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if host != "" {
		vars, err := inv.Host(host)
		if err != nil {
			return err
		}
		return enc.Encode(vars)
	}
	return enc.Encode(inv)
}
