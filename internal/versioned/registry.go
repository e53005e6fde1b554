package versioned

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/drydock/internal/models"
)

// Loader is the collection-agnostic view of a Repository.
type Loader interface {
	Collection() models.Collection
	Load(ctx context.Context, modelID string) (Entity, error)
	RestoreEntity(ctx context.Context, modelID, initiator string) (Entity, error)
}

// Registry resolves a collection name to its repository.
type Registry struct {
	mu      sync.RWMutex
	loaders map[models.Collection]Loader
}

// NewRegistry creates a registry holding loaders.
func NewRegistry(loaders ...Loader) *Registry {
	r := &Registry{loaders: make(map[models.Collection]Loader)}
	for _, l := range loaders {
		r.Register(l)
	}
	return r
}

// Register adds a loader, replacing any previous one for its collection.
func (r *Registry) Register(l Loader) {
	r.mu.Lock()
	r.loaders[l.Collection()] = l
	r.mu.Unlock()
}

// Lookup returns the loader of a collection.
func (r *Registry) Lookup(c models.Collection) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[c]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	return l, nil
}

// Collections lists the registered collections.
func (r *Registry) Collections() []models.Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Collection, 0, len(r.loaders))
	for c := range r.loaders {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
