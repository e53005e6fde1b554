package versioned

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServerRepo(t *testing.T) *Repository[models.Server, *models.Server] {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRepository[models.Server](s)
}

func TestRepositoryLifecycle(t *testing.T) {
	repo := newServerRepo(t)
	ctx := context.Background()
	assert.Equal(t, models.CollectionServer, repo.Collection())

	srv := &models.Server{FQDN: "a.example.com", IP: "10.0.0.1", Username: "ansible"}
	require.NoError(t, repo.Create(ctx, srv, "admin"))
	require.NotEmpty(t, srv.ModelID)
	assert.Equal(t, 1, srv.Version)
	assert.Equal(t, "admin", srv.InitiatorID)

	srv.IP = "10.0.0.2"
	require.NoError(t, repo.Save(ctx, srv, "operator"))
	assert.Equal(t, 2, srv.Version)

	got, err := repo.Get(ctx, srv.ModelID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.IP)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "operator", got.InitiatorID)

	v1, err := repo.Version(ctx, srv.ModelID, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v1.IP)

	require.NoError(t, repo.Delete(ctx, srv, "admin"))
	_, err = repo.GetLive(ctx, srv.ModelID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	live, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	restored, err := repo.Restore(ctx, srv.ModelID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Version)
	assert.False(t, restored.Deleted())
	assert.Equal(t, "10.0.0.2", restored.IP)

	history, total, err := repo.Versions(ctx, srv.ModelID, store.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, history[0].Version)
}

func TestRepositoryUniqueFQDN(t *testing.T) {
	repo := newServerRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Server{FQDN: "a.example.com"}, ""))
	err := repo.Create(ctx, &models.Server{FQDN: "a.example.com"}, "")
	assert.ErrorIs(t, err, store.ErrUniqueConstraintViolation)
}

func TestRegistry(t *testing.T) {
	repo := newServerRepo(t)
	ctx := context.Background()
	reg := NewRegistry(repo)

	srv := &models.Server{FQDN: "a.example.com"}
	require.NoError(t, repo.Create(ctx, srv, ""))
	require.NoError(t, repo.Delete(ctx, srv, ""))

	loader, err := reg.Lookup(models.CollectionServer)
	require.NoError(t, err)

	e, err := loader.RestoreEntity(ctx, srv.ModelID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Meta().Version)
	assert.Equal(t, models.CollectionServer, e.Collection())

	loaded, err := loader.Load(ctx, srv.ModelID)
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", loaded.(*models.Server).FQDN)

	_, err = reg.Lookup(models.CollectionCluster)
	assert.Error(t, err)
	assert.Equal(t, []models.Collection{models.CollectionServer}, reg.Collections())
}
