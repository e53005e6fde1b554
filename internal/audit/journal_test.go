package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/drydock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	j := NewJournal(s)

	inputs := map[string]any{"task_id": "t1", "servers": []string{"a", "b"}}
	entry, err := j.Record(ctx, ActionDispatch, inputs, OutcomeOK, "t1", "2 servers")
	require.NoError(t, err)
	assert.Equal(t, HashInputs(inputs), entry.InputsHash)
	assert.Len(t, entry.InputsHash, 64)

	entries, err := s.ListAudit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionDispatch, entries[0].Action)
	assert.Equal(t, "2 servers", entries[0].Details)
}

func TestHashInputs(t *testing.T) {
	assert.Equal(t, HashInputs(map[string]int{"a": 1}), HashInputs(map[string]int{"a": 1}))
	assert.NotEqual(t, HashInputs(map[string]int{"a": 1}), HashInputs(map[string]int{"a": 2}))
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}
