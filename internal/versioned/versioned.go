// Package versioned provides typed repositories over the store's
// append-only document collections.
package versioned

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
)

// Entity is a versioned domain model.
type Entity interface {
	Meta() *models.Document
	Collection() models.Collection
	// UniqueKeys returns the values that must be unique among live models
	// of the collection.
	UniqueKeys() map[string]string
}

// EntityPtr constrains PT to a pointer to T implementing Entity.
type EntityPtr[T any] interface {
	*T
	Entity
}

// Backend is the raw document store. *store.Store implements it.
type Backend interface {
	CreateDocument(ctx context.Context, rec *store.DocumentRecord) error
	SaveDocument(ctx context.Context, rec *store.DocumentRecord) error
	DeleteDocument(ctx context.Context, rec *store.DocumentRecord) error
	RestoreDocument(ctx context.Context, rec *store.DocumentRecord) error
	LatestDocument(ctx context.Context, collection models.Collection, modelID string) (*store.DocumentRecord, error)
	DocumentVersion(ctx context.Context, collection models.Collection, modelID string, version int) (*store.DocumentRecord, error)
	ListDocumentVersions(ctx context.Context, collection models.Collection, modelID string, page store.Pagination) ([]*store.DocumentRecord, int, error)
	ListLatestDocuments(ctx context.Context, collection models.Collection, includeDeleted bool) ([]*store.DocumentRecord, error)
}

// Repository stores entities of one collection.
type Repository[T any, PT EntityPtr[T]] struct {
	backend    Backend
	collection models.Collection
}

// NewRepository creates a repository for the collection of T.
func NewRepository[T any, PT EntityPtr[T]](backend Backend) *Repository[T, PT] {
	var zero T
	return &Repository[T, PT]{backend: backend, collection: PT(&zero).Collection()}
}

// Collection returns the collection the repository stores.
func (r *Repository[T, PT]) Collection() models.Collection { return r.collection }

// Create stores the first version of e and fills in its metadata.
func (r *Repository[T, PT]) Create(ctx context.Context, e PT, initiator string) error {
	return r.write(ctx, e, initiator, r.backend.CreateDocument)
}

// Save stores a new version of e. e must carry the latest version number.
func (r *Repository[T, PT]) Save(ctx context.Context, e PT, initiator string) error {
	return r.write(ctx, e, initiator, r.backend.SaveDocument)
}

// Delete stores a soft-deleted version of e.
func (r *Repository[T, PT]) Delete(ctx context.Context, e PT, initiator string) error {
	return r.write(ctx, e, initiator, r.backend.DeleteDocument)
}

// Restore brings a soft-deleted model back with the data of its last version.
func (r *Repository[T, PT]) Restore(ctx context.Context, modelID, initiator string) (PT, error) {
	e, err := r.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if err := r.write(ctx, e, initiator, r.backend.RestoreDocument); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository[T, PT]) write(ctx context.Context, e PT, initiator string, op func(context.Context, *store.DocumentRecord) error) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.collection, err)
	}
	meta := e.Meta()
	if initiator != "" {
		meta.InitiatorID = initiator
	}
	rec := &store.DocumentRecord{
		Document:   *meta,
		Collection: r.collection,
		Data:       data,
		UniqueKeys: e.UniqueKeys(),
	}
	if err := op(ctx, rec); err != nil {
		return err
	}
	*meta = rec.Document
	return nil
}

// Get returns the latest version of a model, which may be soft-deleted.
func (r *Repository[T, PT]) Get(ctx context.Context, modelID string) (PT, error) {
	rec, err := r.backend.LatestDocument(ctx, r.collection, modelID)
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

// GetLive returns the latest version of a model unless it is deleted.
func (r *Repository[T, PT]) GetLive(ctx context.Context, modelID string) (PT, error) {
	e, err := r.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if e.Meta().Deleted() {
		return nil, fmt.Errorf("%w: %s %s is deleted", store.ErrNotFound, r.collection, modelID)
	}
	return e, nil
}

// Version returns one version of a model.
func (r *Repository[T, PT]) Version(ctx context.Context, modelID string, version int) (PT, error) {
	rec, err := r.backend.DocumentVersion(ctx, r.collection, modelID, version)
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

// Versions returns a page of a model's history, newest first, and the
// total number of versions.
func (r *Repository[T, PT]) Versions(ctx context.Context, modelID string, page store.Pagination) ([]PT, int, error) {
	recs, total, err := r.backend.ListDocumentVersions(ctx, r.collection, modelID, page)
	if err != nil {
		return nil, 0, err
	}
	out, err := r.decodeAll(recs)
	return out, total, err
}

// List returns the latest version of every model.
func (r *Repository[T, PT]) List(ctx context.Context, includeDeleted bool) ([]PT, error) {
	recs, err := r.backend.ListLatestDocuments(ctx, r.collection, includeDeleted)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(recs)
}

func (r *Repository[T, PT]) decode(rec *store.DocumentRecord) (PT, error) {
	var e T
	p := PT(&e)
	if err := json.Unmarshal(rec.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.collection, rec.ModelID, err)
	}
	*p.Meta() = rec.Document
	return p, nil
}

func (r *Repository[T, PT]) decodeAll(recs []*store.DocumentRecord) ([]PT, error) {
	out := make([]PT, 0, len(recs))
	for _, rec := range recs {
		e, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Load implements Loader.
func (r *Repository[T, PT]) Load(ctx context.Context, modelID string) (Entity, error) {
	return r.Get(ctx, modelID)
}

// RestoreEntity implements Loader.
func (r *Repository[T, PT]) RestoreEntity(ctx context.Context, modelID, initiator string) (Entity, error) {
	return r.Restore(ctx, modelID, initiator)
}
