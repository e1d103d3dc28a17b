package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"singletable/internal/schema"
)

// fakePersister captures every CreateNew call made against it, standing
// in for *engine.Engine.
type fakePersister struct {
	calls []map[string]any
}

func (p *fakePersister) CreateNew(ctx context.Context, typeName string, fields map[string]any, overrideID, changedBy string, auditMetadata map[string]any) (*schema.Record, error) {
	p.calls = append(p.calls, fields)
	return &schema.Record{TypeName: typeName, ResourceID: "audit-1"}, nil
}

func newTestRecorder(t *testing.T, auditCfg schema.AuditSpec) (*Recorder, *fakePersister) {
	t.Helper()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.TypeConfig{Name: "Widget", Audit: auditCfg}))
	p := &fakePersister{}
	return NewRecorder(p, registry, zap.NewNop()), p
}

func TestRecordCreateSkippedWhenAuditDisabled(t *testing.T) {
	rc, p := newTestRecorder(t, schema.AuditSpec{Enabled: false})
	rec := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "a"}}

	require.NoError(t, rc.RecordCreate(context.Background(), rec, "alice", nil))
	assert.Empty(t, p.calls)
}

func TestRecordCreateStampsAuditEntryID(t *testing.T) {
	rc, p := newTestRecorder(t, schema.AuditSpec{Enabled: true})
	rec := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "a"}}

	require.NoError(t, rc.RecordCreate(context.Background(), rec, "alice", nil))
	require.Len(t, p.calls, 1)

	id, ok := p.calls[0]["audit_entry_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)
	assert.Equal(t, "Widget", p.calls[0]["audited_resource_type"])
	assert.Equal(t, "w1", p.calls[0]["audited_resource_id"])
	assert.Equal(t, "CREATE", p.calls[0]["operation"])
}

func TestRecordUpdateTracksFieldChanges(t *testing.T) {
	rc, p := newTestRecorder(t, schema.AuditSpec{Enabled: true, TrackFieldChanges: true})
	oldRec := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "a", "count": int64(1)}}
	newRec := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "b", "count": int64(1)}}

	require.NoError(t, rc.RecordUpdate(context.Background(), oldRec, newRec, "bob", nil))
	require.Len(t, p.calls, 1)

	diff, ok := p.calls[0]["changed_fields"].(map[string]any)
	require.True(t, ok)
	_, hasName := diff["name"]
	_, hasCount := diff["count"]
	assert.True(t, hasName)
	assert.False(t, hasCount)
}

func TestRecordUpdateOmitsChangedFieldsWhenNothingChanged(t *testing.T) {
	rc, p := newTestRecorder(t, schema.AuditSpec{Enabled: true, TrackFieldChanges: true})
	same := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "a"}}

	require.NoError(t, rc.RecordUpdate(context.Background(), same, same, "bob", nil))
	require.Len(t, p.calls, 1)
	_, hasDiff := p.calls[0]["changed_fields"]
	assert.False(t, hasDiff)
}

func TestRecordDeleteIncludesSnapshotWhenConfigured(t *testing.T) {
	rc, p := newTestRecorder(t, schema.AuditSpec{Enabled: true, IncludeSnapshot: true})
	rec := &schema.Record{TypeName: "Widget", ResourceID: "w1", Fields: map[string]any{"name": "a"}}

	require.NoError(t, rc.RecordDelete(context.Background(), rec, "carol", nil))
	require.Len(t, p.calls, 1)

	snap, ok := p.calls[0]["resource_snapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", snap["name"])
	assert.Equal(t, "DELETE", p.calls[0]["operation"])
}
