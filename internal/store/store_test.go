package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file was not created")
	require.NoError(t, s.Ping(context.Background()))
}

func TestReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.InsertTask(context.Background(), &models.Task{
		ID: "t1", Type: models.TaskTypeCancel, State: models.TaskStateCreated,
	}))
	require.NoError(t, s.Close())

	s, err = New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCreated, got.State)
}

func TestQueryRebind(t *testing.T) {
	s := &Store{postgres: true}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d IN ($2, $3)",
		s.q("SELECT a FROM b WHERE c = ? AND d IN (?, ?)"))

	s.postgres = false
	assert.Equal(t, "SELECT 1 WHERE x = ?", s.q("SELECT 1 WHERE x = ?"))
}

func TestDocumentVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(ctx, rec))
	require.NotEmpty(t, rec.ModelID)
	assert.Equal(t, 1, rec.Version)
	assert.True(t, rec.IsLatest)

	rec.Data = json.RawMessage(`{"fqdn":"a.example.com","ip":"10.0.0.2"}`)
	require.NoError(t, s.SaveDocument(ctx, rec))
	assert.Equal(t, 2, rec.Version)

	require.NoError(t, s.SaveDocument(ctx, rec))
	require.NoError(t, s.DeleteDocument(ctx, rec))
	assert.Equal(t, 4, rec.Version)
	assert.NotZero(t, rec.TimeDeleted)

	versions, total, err := s.ListDocumentVersions(ctx, models.CollectionServer, rec.ModelID, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, versions, 4)

	latest := 0
	for i, v := range versions {
		assert.Equal(t, 4-i, v.Version, "versions must be contiguous, newest first")
		if v.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest, "exactly one latest version")

	page, total, err := s.ListDocumentVersions(ctx, models.CollectionServer, rec.ModelID, Pagination{Page: 2, PerPage: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Version)

	v2, err := s.DocumentVersion(ctx, models.CollectionServer, rec.ModelID, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fqdn":"a.example.com","ip":"10.0.0.2"}`, string(v2.Data))
	assert.False(t, v2.IsLatest)

	_, err = s.DocumentVersion(ctx, models.CollectionServer, rec.ModelID, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeletedModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(ctx, rec))
	require.NoError(t, s.DeleteDocument(ctx, rec))

	err := s.SaveDocument(ctx, rec)
	assert.ErrorIs(t, err, ErrCannotUpdateDeletedModel)
	err = s.DeleteDocument(ctx, rec)
	assert.ErrorIs(t, err, ErrCannotUpdateDeletedModel)

	latest, err := s.LatestDocument(ctx, models.CollectionServer, rec.ModelID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestSaveStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(ctx, first))

	second := *first
	require.NoError(t, s.SaveDocument(ctx, first))

	err := s.SaveDocument(ctx, &second)
	assert.ErrorIs(t, err, ErrVersionConflict)

	versions, total, err := s.ListDocumentVersions(ctx, models.CollectionServer, first.ModelID, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.True(t, versions[0].IsLatest)
	assert.False(t, versions[1].IsLatest)
}

func TestUniqueKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(ctx, a))

	dup := serverRecord("a.example.com")
	err := s.CreateDocument(ctx, dup)
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)

	b := serverRecord("b.example.com")
	require.NoError(t, s.CreateDocument(ctx, b))

	b.UniqueKeys = map[string]string{"fqdn": "a.example.com"}
	err = s.SaveDocument(ctx, b)
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)
	assert.Equal(t, 1, b.Version)

	// Deleting frees the key.
	require.NoError(t, s.DeleteDocument(ctx, a))
	require.NoError(t, s.SaveDocument(ctx, b))

	err = s.RestoreDocument(ctx, a)
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)
}

func TestRestoreDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(ctx, rec))

	err := s.RestoreDocument(ctx, rec)
	assert.ErrorIs(t, err, ErrModelNotDeleted)

	require.NoError(t, s.DeleteDocument(ctx, rec))
	require.NoError(t, s.RestoreDocument(ctx, rec))
	assert.Equal(t, 3, rec.Version)
	assert.Zero(t, rec.TimeDeleted)

	live, err := s.ListLatestDocuments(ctx, models.CollectionServer, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, rec.ModelID, live[0].ModelID)
}

func TestListLatestDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := serverRecord("a.example.com")
	b := serverRecord("b.example.com")
	require.NoError(t, s.CreateDocument(ctx, a))
	require.NoError(t, s.CreateDocument(ctx, b))
	require.NoError(t, s.SaveDocument(ctx, a))
	require.NoError(t, s.DeleteDocument(ctx, b))

	live, err := s.ListLatestDocuments(ctx, models.CollectionServer, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, a.ModelID, live[0].ModelID)
	assert.Equal(t, 2, live[0].Version)

	all, err := s.ListLatestDocuments(ctx, models.CollectionServer, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].ModelID, all[1].ModelID)

	clusters, err := s.ListLatestDocuments(ctx, models.CollectionCluster, true)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryAcquireLock(ctx, "server/1", "a", 100, 110, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLock(ctx, "server/1", "b", 105, 115, false)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be taken")

	// Expired at 111.
	ok, err = s.TryAcquireLock(ctx, "server/1", "b", 111, 121, false)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := s.GetLock(ctx, "server/1")
	require.NoError(t, err)
	assert.Equal(t, "b", l.Locker)
	assert.EqualValues(t, 121, l.ExpiredAt)

	err = s.ReleaseLock(ctx, "server/1", "a", 112, false)
	assert.ErrorIs(t, err, ErrLockNotHeld)

	err = s.ProlongLock(ctx, "server/1", "a", 200, false)
	assert.ErrorIs(t, err, ErrLockMissing)

	require.NoError(t, s.ProlongLock(ctx, "server/1", "a", 200, true))
	l, err = s.GetLock(ctx, "server/1")
	require.NoError(t, err)
	assert.Equal(t, "b", l.Locker)
	assert.EqualValues(t, 200, l.ExpiredAt)

	ok, err = s.TryAcquireLock(ctx, "server/1", "c", 112, 300, true)
	require.NoError(t, err)
	assert.True(t, ok, "force takes a held lock")

	require.NoError(t, s.ReleaseLock(ctx, "server/1", "c", 113, false))
	require.NoError(t, s.ReleaseLock(ctx, "server/1", "c", 113, false), "release of a free lock is a no-op")
	require.NoError(t, s.ReleaseLock(ctx, "server/unknown", "c", 113, false))

	err = s.ProlongLock(ctx, "server/1", "c", 400, true)
	assert.ErrorIs(t, err, ErrLockMissing, "nobody holds the lock")
}

func TestListLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"server/b", "server/a", "other/x"} {
		ok, err := s.TryAcquireLock(ctx, name, "holder", 0, 100, false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.ReleaseLock(ctx, "server/b", "holder", 0, false))

	locks, err := s.ListLocks(ctx, "server/")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "server/a", locks[0].Name)
}

func TestTaskTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{
		ID:    "t1",
		Type:  models.TaskTypePlaybook,
		State: models.TaskStateCreated,
		Time:  models.TaskTime{Created: 10},
		Data:  json.RawMessage(`{"entry_point":"deploy"}`),
	}
	require.NoError(t, s.InsertTask(ctx, task))

	ok, err := s.TransitionTask(ctx, "t1", []models.TaskState{models.TaskStateCreated}, TaskTransition{
		To: models.TaskStateStarted, Now: 20, ExecutorHost: "host-1", ExecutorPID: 42,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionTask(ctx, "t1", []models.TaskState{models.TaskStateCreated}, TaskTransition{
		To: models.TaskStateStarted, Now: 21,
	})
	require.NoError(t, err)
	assert.False(t, ok, "second start must not apply")

	ok, err = s.TransitionTask(ctx, "t1", []models.TaskState{models.TaskStateStarted}, TaskTransition{
		To: models.TaskStateFailed, Now: 30, Error: "exit status 17", TTL: 1000,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, got.State)
	assert.EqualValues(t, 20, got.Time.Started)
	assert.EqualValues(t, 30, got.Time.Failed)
	assert.Zero(t, got.Time.Completed)
	assert.Zero(t, got.Time.Cancelled)
	assert.Equal(t, "host-1", got.ExecutorHost)
	assert.Equal(t, 42, got.ExecutorPID)
	assert.Equal(t, "exit status 17", got.Error)
	assert.EqualValues(t, 1000, got.TTL)
	assert.Equal(t, "deploy", got.EntryPoint())

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingAndBounce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.InsertTask(ctx, &models.Task{
			ID: id, Type: models.TaskTypeServerDiscovery, State: models.TaskStateCreated,
			Time: models.TaskTime{Created: int64(10 + i)},
		}))
	}

	pending, err := s.PendingTasks(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "t1", pending[0].ID)

	ok, err := s.BounceTask(ctx, "t1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err = s.PendingTasks(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "recently bounced task waits for the bounce delay")
	assert.Equal(t, "t2", pending[0].ID)

	pending, err = s.PendingTasks(ctx, 100, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = s.TransitionTask(ctx, "t2", []models.TaskState{models.TaskStateCreated}, TaskTransition{
		To: models.TaskStateStarted, Now: 101,
	})
	require.NoError(t, err)
	ok, err = s.BounceTask(ctx, "t2", 102)
	require.NoError(t, err)
	assert.False(t, ok, "started task is not bounceable")

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Bounced)
	assert.EqualValues(t, 100, got.Time.Bounced)
}

func TestListTasksFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTask(ctx, &models.Task{ID: "a", Type: models.TaskTypePlaybook, ExecutionID: "e1", State: models.TaskStateCreated, Time: models.TaskTime{Created: 1}}))
	require.NoError(t, s.InsertTask(ctx, &models.Task{ID: "b", Type: models.TaskTypeCancel, ExecutionID: "e1", State: models.TaskStateCreated, Time: models.TaskTime{Created: 2}}))
	require.NoError(t, s.InsertTask(ctx, &models.Task{ID: "c", Type: models.TaskTypePlaybook, ExecutionID: "e2", State: models.TaskStateCreated, Time: models.TaskTime{Created: 3}}))

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	playbooks, err := s.ListTasks(ctx, TaskFilter{Type: models.TaskTypePlaybook})
	require.NoError(t, err)
	assert.Len(t, playbooks, 2)

	byExec, err := s.ListTasks(ctx, TaskFilter{ExecutionID: "e1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byExec, 1)
	assert.Equal(t, "b", byExec[0].ID)

	started, err := s.ListTasks(ctx, TaskFilter{States: []models.TaskState{models.TaskStateStarted, models.TaskStateCanceling}})
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestSweepExpiredTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "fresh", "running"} {
		require.NoError(t, s.InsertTask(ctx, &models.Task{ID: id, Type: models.TaskTypeServerDiscovery, State: models.TaskStateCreated}))
		_, err := s.TransitionTask(ctx, id, []models.TaskState{models.TaskStateCreated}, TaskTransition{To: models.TaskStateStarted, Now: 1})
		require.NoError(t, err)
	}
	_, err := s.TransitionTask(ctx, "old", []models.TaskState{models.TaskStateStarted}, TaskTransition{To: models.TaskStateCompleted, Now: 2, TTL: 50})
	require.NoError(t, err)
	_, err = s.TransitionTask(ctx, "fresh", []models.TaskState{models.TaskStateStarted}, TaskTransition{To: models.TaskStateCompleted, Now: 2, TTL: 500})
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, "old", "deploy")
	require.NoError(t, err)

	removed, err := s.SweepExpiredTasks(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = s.GetTask(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := s.RunsForTask(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, runs, "run %s should be swept with its task", run.ID)

	_, err = s.GetTask(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.GetTask(ctx, "running")
	assert.NoError(t, err)
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "t1", "deploy")
	require.NoError(t, err)

	require.NoError(t, s.FinishRun(ctx, run.ID, 1234, 0, "stdout content", ""))

	runs, err := s.RunsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "stdout content", runs[0].Stdout)
	assert.Equal(t, 1234, runs[0].PID)
	assert.Equal(t, "deploy", runs[0].EntryPoint)
	assert.NotZero(t, runs[0].EndedAt)
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.WriteAudit(ctx, "task.dispatch", "abc123", "success", "t1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	_, err = s.WriteAudit(ctx, "task.skip", "def456", "conflict", "t2", "server/1")
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task.dispatch", entries[0].Action)

	entries, err = s.ListAudit(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWithClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s, err := New(filepath.Join(t.TempDir(), "test.db"), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	rec := serverRecord("a.example.com")
	require.NoError(t, s.CreateDocument(context.Background(), rec))
	assert.EqualValues(t, now.Unix(), rec.TimeCreated)
}

func serverRecord(fqdn string) *DocumentRecord {
	data, _ := json.Marshal(map[string]string{"fqdn": fqdn})
	return &DocumentRecord{
		Collection: models.CollectionServer,
		Data:       data,
		UniqueKeys: map[string]string{"fqdn": fqdn},
		Document:   models.Document{InitiatorID: "test"},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestURIRoundTrip(t *testing.T) {
	cases := []struct {
		uri  string
		want Config
	}{
		{"sqlite:///var/lib/drydock/drydock.db", Config{Driver: DriverSQLite, DSN: "/var/lib/drydock/drydock.db"}},
		{"/tmp/plain.db", Config{Driver: DriverSQLite, DSN: "/tmp/plain.db"}},
		{"postgres://drydock@db:5432/drydock", Config{Driver: DriverPostgres, DSN: "postgres://drydock@db:5432/drydock"}},
		{"postgresql://db/drydock", Config{Driver: DriverPostgres, DSN: "postgresql://db/drydock"}},
		{"postgres+dsn:host=db user=drydock", Config{Driver: DriverPostgres, DSN: "host=db user=drydock"}},
	}
	for _, tc := range cases {
		got := ParseURI(tc.uri)
		assert.Equal(t, tc.want, got, tc.uri)
		assert.Equal(t, got, ParseURI(got.URI()), tc.uri)
	}
}

func TestKeywordDSNRoundTrip(t *testing.T) {
	cfg := Config{Driver: DriverPostgres, DSN: "host=db.internal user=drydock dbname=drydock sslmode=disable"}

	uri := cfg.URI()
	assert.Equal(t, "postgres+dsn:host=db.internal user=drydock dbname=drydock sslmode=disable", uri)
	assert.Equal(t, cfg, ParseURI(uri))

	url := Config{Driver: DriverPostgres, DSN: "postgres://drydock@db/drydock"}
	assert.Equal(t, url.DSN, url.URI(), "URL DSNs pass through unchanged")
}

func TestConcurrentSaveHasOneWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	rec := serverRecord("a.example.com")
	require.NoError(t, a.CreateDocument(ctx, rec))

	const writers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		saved     int
		conflicts int
		other     []error
	)
	for i := 0; i < writers; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		stale := *rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.SaveDocument(ctx, &stale)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				saved++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, saved)
	assert.Equal(t, writers-1, conflicts)

	versions, total, err := a.ListDocumentVersions(ctx, models.CollectionServer, rec.ModelID, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	latest := 0
	for _, v := range versions {
		if v.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}
