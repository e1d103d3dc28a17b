package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"singletable/internal/audit"
	"singletable/internal/blob"
	"singletable/internal/engine"
	"singletable/internal/objectstore/localobjects"
	"singletable/internal/query"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/tablekv/localtable"
)

// harness wires a full in-process stack (local table + local object store +
// registry + codec + auditor) the same shape cmd/server builds against the
// real backends, so these tests exercise the §8.2 end-to-end scenarios
// without a live DynamoDB/S3.
type harness struct {
	eng      *engine.Engine
	auditEng *engine.Engine
	query    *query.Engine
	registry *schema.Registry
}

func newHarness(t *testing.T, docCfg *schema.TypeConfig) *harness {
	t.Helper()
	dir := t.TempDir()
	table := localtable.NewClient(dir)

	objDir := t.TempDir()
	objects, err := localobjects.New(objDir)
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(docCfg))
	require.NoError(t, audit.RegisterType(registry))

	blobStore := blob.NewStore(objects, registry, blob.CacheConfig{MaxItems: 100, MaxSizeBytes: 10 << 20}, "", zap.NewNop())

	auditEng := engine.New(table, "test-table", registry, blobStore, zap.NewNop())
	recorder := audit.NewRecorder(auditEng, registry, zap.NewNop())

	eng := engine.New(table, "test-table", registry, blobStore, zap.NewNop(), engine.WithAuditor(recorder))
	q := query.New(table, "test-table", registry, zap.NewNop())
	return &harness{eng: eng, auditEng: auditEng, query: q, registry: registry}
}

// auditLogsFor returns every AuditLog record for resourceID, oldest first.
func (h *harness) auditLogsFor(t *testing.T, ctx context.Context, resourceType, resourceID string) []*schema.Record {
	t.Helper()
	keyCond := expression.Key("gsi1pk").Equal(expression.Value("AuditLog#" + resourceType + "#" + resourceID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	require.NoError(t, err)
	res, err := h.query.Run(ctx, query.Input{
		Index:                     tablekv.IndexGSI1,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  audit.AuditLogTypeName,
		ResultsLimit:              250,
		MaxAPICalls:               10,
		Ascending:                 true,
	})
	require.NoError(t, err)
	return res.Records
}

// A configured blob key prefix must round-trip: a record read back after
// a version bump still resolves its blob field, not just one read right
// after the write that populated the cache.
func TestBlobReadRoundTripsWithKeyPrefix(t *testing.T) {
	dir := t.TempDir()
	table := localtable.NewClient(dir)

	objDir := t.TempDir()
	objects, err := localobjects.New(objDir)
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(docType(0)))
	require.NoError(t, audit.RegisterType(registry))

	blobStore := blob.NewStore(objects, registry, blob.CacheConfig{MaxItems: 100, MaxSizeBytes: 10 << 20}, "blobs/prefix", zap.NewNop())
	eng := engine.New(table, "test-table", registry, blobStore, zap.NewNop())
	ctx := context.Background()

	rec, err := eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1", "content": "payload"}, "", "tester", nil)
	require.NoError(t, err)

	_, err = eng.UpdateExisting(ctx, rec, map[string]any{"title": "t2"}, nil, "tester", nil)
	require.NoError(t, err)

	loaded, err := eng.GetExisting(ctx, rec.ResourceID, "Doc", 2, true, false)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "payload", loaded.Fields["content"])
}

func docType(maxVersions int) *schema.TypeConfig {
	return &schema.TypeConfig{
		Name:        "Doc",
		Versioned:   true,
		MaxVersions: maxVersions,
		BlobFields: map[string]schema.BlobFieldSpec{
			"content": {},
		},
		FloatFields: map[string]struct{}{"price": {}, "discount": {}},
		Audit: schema.AuditSpec{
			Enabled:           true,
			TrackFieldChanges: true,
			IncludeSnapshot:   true,
		},
	}
}

// S1: updating an untouched blob field across a version preserves its
// content, and the new version's _blob_versions still points at the
// version that actually holds the payload.
func TestBlobPreservedAcrossUntouchedUpdate(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	content := strings.Repeat("X", 500)
	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1", "content": content}, "", "tester", nil)
	require.NoError(t, err)

	updated, err := h.eng.UpdateExisting(ctx, rec, map[string]any{"title": "t2"}, nil, "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 1, updated.BlobVersions["content"])

	loaded, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 2, true, false)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, content, loaded.Fields["content"])
	assert.Equal(t, 1, loaded.BlobVersions["content"])
}

// S2: max_versions trimming keeps only the highest-numbered versions, even
// once version numbers run into double digits.
func TestMaxVersionsTrimmingDoubleDigit(t *testing.T) {
	h := newHarness(t, docType(3))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "v1"}, "", "tester", nil)
	require.NoError(t, err)

	for i := 2; i <= 15; i++ {
		rec, err = h.eng.UpdateExisting(ctx, rec, map[string]any{"title": rec.Fields["title"]}, nil, "tester", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 15, rec.Version)

	versions, err := h.eng.GetAllVersions(ctx, rec.ResourceID, "Doc")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 15, versions[0].Version)
	assert.Equal(t, 14, versions[1].Version)
	assert.Equal(t, 13, versions[2].Version)

	for _, v := range []int{1, 5, 12} {
		got, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", v, false, false)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

// S3: updating from a stale in-memory record is rejected; the record's
// persisted version does not advance.
func TestUpdateFromNonLatestVersionRejected(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	r1, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1"}, "", "tester", nil)
	require.NoError(t, err)

	r2, err := h.eng.UpdateExisting(ctx, r1, map[string]any{"title": "t2"}, nil, "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Version)

	_, err = h.eng.UpdateExisting(ctx, r1, map[string]any{"title": "t3"}, nil, "tester", nil)
	require.Error(t, err)

	latest, err := h.eng.GetExisting(ctx, r1.ResourceID, "Doc", 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "t2", latest.Fields["title"])
}

// S6: the UPDATE audit entry's changed_fields diffs blob-field metadata
// (not payload), and the snapshot redacts the blob payload entirely.
func TestAuditFieldDiffWithBlobRedaction(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1", "content": "A"}, "", "tester", nil)
	require.NoError(t, err)

	_, err = h.eng.UpdateExisting(ctx, rec, map[string]any{"content": "B"}, nil, "tester", nil)
	require.NoError(t, err)

	logs := h.auditLogsFor(t, ctx, "Doc", rec.ResourceID)
	require.Len(t, logs, 2)
	assert.Equal(t, "CREATE", logs[0].Fields["operation"])
	assert.Equal(t, "UPDATE", logs[1].Fields["operation"])

	changed, ok := logs[1].Fields["changed_fields"].(map[string]any)
	require.True(t, ok, "changed_fields should be a map, got %T", logs[1].Fields["changed_fields"])
	contentChange, ok := changed["content"].(map[string]any)
	require.True(t, ok)
	oldDesc, ok := contentChange["old"].(map[string]any)
	require.True(t, ok)
	newDesc, ok := contentChange["new"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, oldDesc["version"])
	assert.EqualValues(t, 2, newDesc["version"])

	snapshot, ok := logs[1].Fields["resource_snapshot"].(map[string]any)
	require.True(t, ok)
	contentSnap, ok := snapshot["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, contentSnap["__blob_ref__"])
	assert.NotEqual(t, "B", contentSnap["content"])

	loaded, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 0, true, false)
	require.NoError(t, err)
	assert.Equal(t, "B", loaded.Fields["content"])
}

// Universal invariant: create then read returns a field-equal record
// (modulo server-derived timestamps).
func TestCreateThenReadRoundTrips(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "hello", "price": 19.99}, "", "tester", nil)
	require.NoError(t, err)

	loaded, err := h.eng.ReadExisting(ctx, rec.ResourceID, "Doc", 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded.Fields["title"])
	assert.InDelta(t, 19.99, loaded.Fields["price"], 0.0001)
	assert.Equal(t, rec.ResourceID, loaded.ResourceID)
}

// Delete of the latest version removes the mirroring v0 item too.
func TestDeleteLatestRemovesV0Mirror(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1"}, "", "tester", nil)
	require.NoError(t, err)

	err = h.eng.DeleteExisting(ctx, rec, "tester", nil)
	require.NoError(t, err)

	got, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 0, false, false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// Deleting an older, non-latest version leaves the v0 mirror and the
// current version in place, removing only the targeted history item.
func TestDeleteOlderVersionLeavesLatestAndV0Intact(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1"}, "", "tester", nil)
	require.NoError(t, err)
	v1 := rec
	rec, err = h.eng.UpdateExisting(ctx, rec, map[string]any{"title": "t2"}, nil, "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	err = h.eng.DeleteExisting(ctx, v1, "tester", nil)
	require.NoError(t, err)

	gone, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 1, false, false)
	require.NoError(t, err)
	assert.Nil(t, gone)

	latest, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 0, false, false)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "t2", latest.Fields["title"])

	stillThere, err := h.eng.GetExisting(ctx, rec.ResourceID, "Doc", 2, false, false)
	require.NoError(t, err)
	require.NotNil(t, stillThere)
}

// Restore appends a new version with the target version's field values
// rather than rewriting history.
func TestRestoreAppendsNewVersion(t *testing.T) {
	h := newHarness(t, docType(0))
	ctx := context.Background()

	rec, err := h.eng.CreateNew(ctx, "Doc", map[string]any{"title": "t1"}, "", "tester", nil)
	require.NoError(t, err)
	_, err = h.eng.UpdateExisting(ctx, rec, map[string]any{"title": "t2"}, nil, "tester", nil)
	require.NoError(t, err)

	restored, err := h.eng.RestoreVersion(ctx, rec.ResourceID, "Doc", 1, "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)
	assert.Equal(t, "t1", restored.Fields["title"])

	versions, err := h.eng.GetAllVersions(ctx, rec.ResourceID, "Doc")
	require.NoError(t, err)
	assert.Len(t, versions, 3)

	logs := h.auditLogsFor(t, ctx, "Doc", rec.ResourceID)
	require.Len(t, logs, 3)
	assert.Equal(t, "CREATE", logs[0].Fields["operation"])
	assert.Equal(t, "UPDATE", logs[1].Fields["operation"])
	assert.Equal(t, "RESTORE", logs[2].Fields["operation"])
}
