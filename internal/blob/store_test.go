package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"singletable/internal/objectstore/localobjects"
	"singletable/internal/schema"
)

func newTestStore(t *testing.T) (*Store, *schema.Registry) {
	t.Helper()
	dir := t.TempDir()
	objects, err := localobjects.New(dir)
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.TypeConfig{
		Name: "Document",
		BlobFields: map[string]schema.BlobFieldSpec{
			"content": {Compress: true, ContentType: "application/json", MaxSizeBytes: 0},
		},
	}))

	return NewStore(objects, registry, CacheConfig{MaxItems: 100, MaxSizeBytes: 1 << 20}, "", zap.NewNop()), registry
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r := &schema.Record{TypeName: "Document", ResourceID: "doc-1", Version: 3, BlobVersions: map[string]int{}}
	placeholder, err := store.Put(ctx, r, "content", map[string]interface{}{"body": "hello"})
	require.NoError(t, err)
	assert.True(t, placeholder.Compressed)
	r.Blobs = map[string]schema.BlobPlaceholder{"content": placeholder}
	r.BlobVersions["content"] = 3

	got, err := store.Get(ctx, r, "content")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.(map[string]interface{})["body"])
}

func TestGetUsesPinnedBlobVersionNotRecordVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r1 := &schema.Record{TypeName: "Document", ResourceID: "doc-2", Version: 1, BlobVersions: map[string]int{}}
	ph, err := store.Put(ctx, r1, "content", "v1 payload")
	require.NoError(t, err)

	// A later version that never touched the blob field carries the
	// same placeholder/version forward (spec.md §4.4.4).
	r3 := &schema.Record{
		TypeName:     "Document",
		ResourceID:   "doc-2",
		Version:      3,
		Blobs:        map[string]schema.BlobPlaceholder{"content": ph},
		BlobVersions: map[string]int{"content": 1},
	}
	got, err := store.Get(ctx, r3, "content")
	require.NoError(t, err)
	assert.Equal(t, "v1 payload", got)
}

func TestCopyBlobRejectsSameRecordAndField(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r := &schema.Record{TypeName: "Document", ResourceID: "doc-3", Version: 1, BlobVersions: map[string]int{}}
	ph, err := store.Put(ctx, r, "content", "payload")
	require.NoError(t, err)
	r.Blobs = map[string]schema.BlobPlaceholder{"content": ph}

	_, err = store.CopyBlob(ctx, r, "content", r, "content", false)
	assert.Error(t, err)
}
