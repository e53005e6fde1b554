// Package fleet manages the servers and clusters drydock operates on and
// resolves the host set a task targets.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/versioned"
)

var (
	// ErrNoServers is returned when a task resolves to an empty host set.
	ErrNoServers = errors.New("task targets no servers")
	// ErrInvalidTaskData is returned when a task payload cannot be decoded.
	ErrInvalidTaskData = errors.New("invalid task data")
)

type (
	ServerRepository  = versioned.Repository[models.Server, *models.Server]
	ClusterRepository = versioned.Repository[models.Cluster, *models.Cluster]
)

// Fleet bundles the fleet repositories.
type Fleet struct {
	Servers  *ServerRepository
	Clusters *ClusterRepository
	Registry *versioned.Registry
}

// New creates the fleet repositories on backend.
func New(backend versioned.Backend) *Fleet {
	servers := versioned.NewRepository[models.Server](backend)
	clusters := versioned.NewRepository[models.Cluster](backend)
	return &Fleet{
		Servers:  servers,
		Clusters: clusters,
		Registry: versioned.NewRegistry(servers, clusters),
	}
}

// ClusterServers returns the live servers of a cluster, ordered by FQDN.
func (f *Fleet) ClusterServers(ctx context.Context, clusterID string) ([]*models.Server, error) {
	all, err := f.Servers.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []*models.Server
	for _, s := range all {
		if s.ClusterID == clusterID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out, nil
}

// TaskServers returns the live servers a playbook task targets: its
// explicit server ids, or every server of its cluster when none are given.
func (f *Fleet) TaskServers(ctx context.Context, t *models.Task) ([]*models.Server, error) {
	if t.Type != models.TaskTypePlaybook {
		return nil, nil
	}
	var data models.PlaybookData
	if err := json.Unmarshal(t.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTaskData, t.ID, err)
	}

	var servers []*models.Server
	switch {
	case len(data.ServerIDs) > 0:
		for _, id := range data.ServerIDs {
			s, err := f.Servers.GetLive(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("task %s: server %s: %w", t.ID, id, err)
			}
			servers = append(servers, s)
		}
	case data.ClusterID != "":
		if _, err := f.Clusters.GetLive(ctx, data.ClusterID); err != nil {
			return nil, fmt.Errorf("task %s: cluster %s: %w", t.ID, data.ClusterID, err)
		}
		var err error
		if servers, err = f.ClusterServers(ctx, data.ClusterID); err != nil {
			return nil, err
		}
	}

	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoServers, t.ID)
	}
	return servers, nil
}

// ServerIDs resolves the ids of the servers a task must lock.
func (f *Fleet) ServerIDs(ctx context.Context, t *models.Task) ([]string, error) {
	servers, err := f.TaskServers(ctx, t)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, s.ModelID)
	}
	return ids, nil
}

// FindServerByFQDN returns the live server with the given FQDN.
func (f *Fleet) FindServerByFQDN(ctx context.Context, fqdn string) (*models.Server, error) {
	all, err := f.Servers.List(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.FQDN == fqdn {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: server %s", store.ErrNotFound, fqdn)
}
