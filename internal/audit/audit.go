// Package audit implements the audit-log subsystem (spec.md §4.5):
// synchronous derivation of CREATE/UPDATE/DELETE/RESTORE change records
// with field-diffing and blob-reference redaction, persisted through the
// same persistence engine that triggered them. Grounded in the donor's
// event-sourcing-flavored NodeRepository (which stamps an audit trail
// alongside every mutation) generalized into a standalone recorder
// structurally satisfying internal/engine.Auditor, so this package
// depends on engine only through the narrow Persister interface below —
// never the other way around (spec.md §9 "dependency-injected
// mini-interface").
package audit

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"singletable/internal/ids"
	"singletable/internal/schema"
	apperrors "singletable/pkg/errors"
)

// AuditLogTypeName is the stable type name audit records are persisted
// under (spec.md §3.1 "audit-log record: itself a record type").
const AuditLogTypeName = "AuditLog"

// Operation is one of the four audit-log operation discriminators.
type Operation string

const (
	OpCreate  Operation = "CREATE"
	OpUpdate  Operation = "UPDATE"
	OpDelete  Operation = "DELETE"
	OpRestore Operation = "RESTORE"
)

// Persister is the slice of the persistence engine the audit subsystem
// needs to write its own records — satisfied structurally by
// *engine.Engine without an import cycle.
type Persister interface {
	CreateNew(ctx context.Context, typeName string, fields map[string]any, overrideID, changedBy string, auditMetadata map[string]any) (*schema.Record, error)
}

// RegisterType registers the fixed AuditLog record type (spec.md §4.5.5:
// "the audit table must carry the same GSI shape") — gsi1 groups by
// audited resource, gsi2 groups by audited resource type, both sort-keyed
// by the audit record's own time-sortable primary key (spec.md §3.3).
func RegisterType(registry *schema.Registry) error {
	return registry.Register(&schema.TypeConfig{
		Name:              AuditLogTypeName,
		KeyPrefixOverride: ids.AuditLogKeyPrefix,
		GSITypeOverride:   ids.AuditLogKeyPrefix,
		GSI: schema.GSIConfig{
			GSI1: gsi1KeyFunc,
			GSI2: gsi2KeyFunc,
		},
	})
}

func gsi1KeyFunc(r *schema.Record) (string, bool) {
	resourceType, _ := r.Fields["audited_resource_type"].(string)
	resourceID, _ := r.Fields["audited_resource_id"].(string)
	if resourceType == "" || resourceID == "" {
		return "", false
	}
	return "AuditLog#" + resourceType + "#" + resourceID, true
}

func gsi2KeyFunc(r *schema.Record) (string, bool) {
	resourceType, _ := r.Fields["audited_resource_type"].(string)
	if resourceType == "" {
		return "", false
	}
	return "AuditLog#" + resourceType, true
}

// Recorder derives and persists audit-log entries. Install it on an
// engine with engine.WithAuditor(recorder) — on the engine instance
// dedicated to the (possibly separate) audit table when the audit.name
// setting (config.AuditConfig.Name) names a distinct physical table
// (spec.md §4.5.5).
type Recorder struct {
	persister Persister
	registry  *schema.Registry
	logger    *zap.Logger
}

// NewRecorder constructs a Recorder. persister is typically the same
// *engine.Engine the recorder is installed on (self-referential audit
// writes are safe: the engine's isAuditLogType check skips deriving an
// audit entry for an AuditLog record itself), or, for separate-table
// routing, a distinct *engine.Engine pointed at the audit table.
func NewRecorder(persister Persister, registry *schema.Registry, logger *zap.Logger) *Recorder {
	return &Recorder{persister: persister, registry: registry, logger: logger}
}

func (rc *Recorder) RecordCreate(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error {
	return rc.record(ctx, OpCreate, nil, rec, changedBy, metadata)
}

func (rc *Recorder) RecordUpdate(ctx context.Context, oldRec, newRec *schema.Record, changedBy string, metadata map[string]any) error {
	return rc.record(ctx, OpUpdate, oldRec, newRec, changedBy, metadata)
}

func (rc *Recorder) RecordDelete(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error {
	return rc.record(ctx, OpDelete, rec, nil, changedBy, metadata)
}

func (rc *Recorder) RecordRestore(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error {
	return rc.record(ctx, OpRestore, nil, rec, changedBy, metadata)
}

func (rc *Recorder) record(ctx context.Context, op Operation, oldRec, newRec *schema.Record, changedBy string, metadata map[string]any) error {
	subject := newRec
	if subject == nil {
		subject = oldRec
	}
	if subject == nil {
		return apperrors.NewInternal("audit record requires at least one of oldRec/newRec", nil)
	}
	cfg, err := rc.registry.Get(subject.TypeName)
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return nil
	}

	fields := map[string]any{
		// audit_entry_id is independent of the audit record's own
		// resource_id (a time-sortable id minted by the persistence
		// engine on CreateNew); it exists so external systems can
		// correlate an audit entry without depending on the engine's id
		// shape.
		"audit_entry_id":        uuid.NewString(),
		"audited_resource_type": subject.TypeName,
		"audited_resource_id":   subject.ResourceID,
		"operation":             string(op),
		"changed_by":            changedBy,
	}

	if op == OpUpdate && cfg.Audit.TrackFieldChanges {
		diff := fieldDiff(oldRec, newRec, cfg)
		if len(diff) > 0 {
			fields["changed_fields"] = diff
		}
	}

	if cfg.Audit.IncludeSnapshot {
		fields["resource_snapshot"] = redactedSnapshot(subject, cfg)
	}

	if metadata != nil {
		fields["audit_metadata"] = metadata
	}

	_, err = rc.persister.CreateNew(ctx, AuditLogTypeName, fields, "", "", nil)
	return err
}
