package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"singletable/internal/engine"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/tablekv/localtable"
	apperrors "singletable/pkg/errors"
)

func newTestCoordinator(t *testing.T) (*Coordinator, tablekv.TableClient, *schema.Registry) {
	t.Helper()
	dir := t.TempDir()
	table := localtable.NewClient(dir)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.TypeConfig{Name: "Counter"}))
	require.NoError(t, registry.Register(&schema.TypeConfig{Name: "Doc", Versioned: true}))

	return New(table, "test-table", registry, zap.NewNop()), table, registry
}

func TestCommitWritesAllQueuedItems(t *testing.T) {
	coord, table, registry := newTestCoordinator(t)
	ctx := context.Background()

	rec, err := coord.Create("Counter", map[string]any{"value": int64(1)}, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ResourceID)

	require.NoError(t, coord.Commit(ctx))

	eng := engine.New(table, "test-table", registry, nil, zap.NewNop())
	got, err := eng.GetExisting(ctx, "c1", "Counter", 0, false, false)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCreateThenGetObservesPendingCreateBeforeCommit(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	created, err := coord.Create("Counter", map[string]any{"value": int64(1)}, "c2")
	require.NoError(t, err)

	fetched, err := coord.Get(ctx, "c2", "Counter", 0)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Same(t, created, fetched)
}

func TestRollbackDiscardsQueuedOperations(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Create("Counter", map[string]any{"value": int64(1)}, "c3")
	require.NoError(t, err)
	coord.Rollback()

	// Commit on an empty queue is a documented no-op (spec.md §4.6).
	require.NoError(t, coord.Commit(ctx))
}

func TestCorrelationIDIsUniquePerCoordinator(t *testing.T) {
	coord1, _, _ := newTestCoordinator(t)
	coord2, _, _ := newTestCoordinator(t)

	assert.NotEmpty(t, coord1.CorrelationID())
	assert.NotEqual(t, coord1.CorrelationID(), coord2.CorrelationID())
}

func TestEnqueueRejectsOverItemLimit(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	for i := 0; i < maxTransactItems; i++ {
		err := coord.Increment(&schema.Record{TypeName: "Counter", ResourceID: "same"}, "value", 1)
		require.NoError(t, err)
	}
	err := coord.Increment(&schema.Record{TypeName: "Counter", ResourceID: "same"}, "value", 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
