// Package engine implements the persistence engine (spec.md §4.2): typed
// create/read/update/delete over the single-table backend, with
// transactional version management, blob-field diversion, TTL emission,
// and stats counters. Grounded in the donor's NodeRepository/
// DynamoDBUnitOfWork (internal/infrastructure/dynamodb) generalized from a
// single fixed entity type to the schema registry's heterogeneous types.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"singletable/internal/blob"
	"singletable/internal/ids"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/wire"
	apperrors "singletable/pkg/errors"
)

// MetricsSink receives per-type mutation counts. Implemented by
// *metrics.Collector; declared as an interface so this package never
// imports internal/metrics directly (SPEC_FULL.md §B "MemoryStats
// counters ... alongside Prometheus gauges mirroring the same counts").
type MetricsSink interface {
	ObserveCreate(typeName string)
	ObserveUpdate(typeName string)
	ObserveDelete(typeName string)
	ObserveVersionsTrimmed(typeName string, count int)
}

// Auditor derives and persists audit-log entries for a mutation. The
// engine calls it after a successful write, already having resolved
// changed_by and gated on audit_config.enabled — implemented by
// internal/audit.Recorder, injected here as an interface so this package
// never imports internal/audit (which itself depends on this package's
// Persister contract to write audit records, see spec.md §9 "dependency-
// injected mini-interface").
type Auditor interface {
	RecordCreate(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error
	RecordUpdate(ctx context.Context, oldRec, newRec *schema.Record, changedBy string, metadata map[string]any) error
	RecordDelete(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error
	RecordRestore(ctx context.Context, rec *schema.Record, changedBy string, metadata map[string]any) error
}

// Engine is the persistence engine for one physical table.
type Engine struct {
	table     tablekv.TableClient
	tableName string
	registry  *schema.Registry
	codec     *wire.Codec
	blobs     *blob.Store
	auditor   Auditor
	metrics   MetricsSink
	tracer    trace.Tracer
	logger    *zap.Logger
	clock     func() time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithAuditor installs an audit recorder. Omit it for an engine instance
// dedicated to the audit table itself, avoiding self-audit recursion
// (spec.md §3.2 "audit log never audits itself").
func WithAuditor(a Auditor) Option { return func(e *Engine) { e.auditor = a } }

// WithMetrics installs a Prometheus-backed mutation counter sink.
func WithMetrics(m MetricsSink) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer installs an OpenTelemetry tracer; when set, CreateNew,
// GetExisting, UpdateExisting and DeleteExisting each open a span under
// it. The other Engine methods, and the individual backend RPCs inside
// an operation, get no span of their own.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// startSpan opens a span named name if a tracer is installed, returning a
// no-op end func otherwise so call sites never need a nil check.
func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// New constructs an Engine over table/tableName using registry for schema
// lookups and blobs for blob-field diversion.
func New(table tablekv.TableClient, tableName string, registry *schema.Registry, blobs *blob.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		table:     table,
		tableName: tableName,
		registry:  registry,
		codec:     wire.NewCodec(),
		blobs:     blobs,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveChangedBy implements spec.md §4.5.2's precedence and
// requirement gate, performed before any write regardless of whether an
// auditor is installed (the requirement is a validation gate, not an
// audit-subsystem side effect).
func resolveChangedBy(cfg *schema.TypeConfig, explicit string, fields map[string]any) (string, error) {
	changedBy := explicit
	if changedBy == "" && cfg.Audit.ChangedByField != "" {
		if v, ok := fields[cfg.Audit.ChangedByField]; ok {
			if s, ok := v.(string); ok {
				changedBy = s
			}
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.ChangedByRequired && changedBy == "" {
		return "", apperrors.NewAuditRequirement(
			fmt.Sprintf("audit logging enabled for %s but 'changed_by' not provided", cfg.Name))
	}
	return changedBy, nil
}

func (e *Engine) isAuditLogType(cfg *schema.TypeConfig) bool {
	return cfg.KeyPrefix() == ids.AuditLogKeyPrefix
}

// CreateNew implements spec.md §4.2.2: generates an id unless overrideID
// is supplied, stamps timestamps, writes the item(s) with an
// absent-precondition, stores blob fields, and derives a CREATE audit
// entry.
func (e *Engine) CreateNew(ctx context.Context, typeName string, fields map[string]any, overrideID string, changedBy string, auditMetadata map[string]any) (*schema.Record, error) {
	ctx, end := e.startSpan(ctx, "engine.CreateNew")
	defer end()

	cfg, err := e.registry.Get(typeName)
	if err != nil {
		return nil, err
	}

	changedBy, err = resolveChangedBy(cfg, changedBy, fields)
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	resourceID := overrideID
	if resourceID == "" {
		resourceID = ids.NewID(now)
	}

	rec := &schema.Record{
		TypeName:     typeName,
		ResourceID:   resourceID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Fields:       map[string]any{},
		Blobs:        map[string]schema.BlobPlaceholder{},
		BlobVersions: map[string]int{},
	}
	if cfg.Versioned {
		rec.Version = 1
	}

	plainFields, err := e.divertBlobFields(ctx, cfg, rec, fields)
	if err != nil {
		return nil, err
	}
	rec.Fields = plainFields

	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)

	if !cfg.Versioned {
		item, err := BuildItem(e.codec, cfg, rec, pk, ids.NonVersionedSK(pk))
		if err != nil {
			return nil, err
		}
		cond := expression.AttributeNotExists(expression.Name(ids.AttrPK))
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return nil, apperrors.NewInternal("building create condition", err)
		}
		_, err = e.table.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(e.tableName),
			Item:                      item,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		if err != nil {
			return nil, translateWriteError(err)
		}
	} else {
		v1Item, err := BuildItem(e.codec, cfg, rec, pk, ids.VersionSK(1))
		if err != nil {
			return nil, err
		}
		v0Item, err := BuildItem(e.codec, cfg, rec, pk, ids.V0SortKey)
		if err != nil {
			return nil, err
		}
		cond := expression.AttributeNotExists(expression.Name(ids.AttrPK))
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return nil, apperrors.NewInternal("building create condition", err)
		}
		_, err = e.table.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName: aws.String(e.tableName), Item: v1Item,
					ConditionExpression: expr.Condition(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
				}},
				{Put: &types.Put{
					TableName: aws.String(e.tableName), Item: v0Item,
					ConditionExpression: expr.Condition(), ExpressionAttributeNames: expr.Names(), ExpressionAttributeValues: expr.Values(),
				}},
			},
		})
		if err != nil {
			return nil, translateWriteError(err)
		}
	}

	if err := e.adjustStats(ctx, typeName, 1); err != nil {
		e.logger.Warn("failed to update memory stats counter", zap.Error(err), zap.String("type", typeName))
	}
	if e.metrics != nil {
		e.metrics.ObserveCreate(typeName)
	}

	if e.auditor != nil && !e.isAuditLogType(cfg) {
		if err := e.auditor.RecordCreate(ctx, rec, changedBy, auditMetadata); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// divertBlobFields splits fields into plain fields and blob fields per
// cfg.BlobFields, storing each blob value and attaching placeholders plus
// BlobVersions entries on rec (spec.md §4.4.2).
func (e *Engine) divertBlobFields(ctx context.Context, cfg *schema.TypeConfig, rec *schema.Record, fields map[string]any) (map[string]any, error) {
	if len(cfg.BlobFields) == 0 {
		return fields, nil
	}
	plain := make(map[string]any, len(fields))
	for name, v := range fields {
		if !cfg.IsBlobField(name) {
			plain[name] = v
			continue
		}
		if v == nil {
			continue
		}
		placeholder, err := e.blobs.Put(ctx, rec, name, v)
		if err != nil {
			return nil, err
		}
		rec.Blobs[name] = placeholder
		rec.BlobVersions[name] = recordBlobVersion(rec)
	}
	return plain, nil
}

func recordBlobVersion(rec *schema.Record) int {
	if !rec.IsVersioned() {
		return 0
	}
	return rec.Version
}

// GetExisting implements spec.md §4.2.1 `get_existing`: returns nil, nil
// if the record does not exist. version 0 (the default) means "latest" —
// sk=v0 for versioned types, the single item for non-versioned types.
func (e *Engine) GetExisting(ctx context.Context, resourceID, typeName string, version int, loadBlobs bool, consistent bool) (*schema.Record, error) {
	ctx, end := e.startSpan(ctx, "engine.GetExisting")
	defer end()

	cfg, err := e.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)
	sk := ids.NonVersionedSK(pk)
	if cfg.Versioned {
		sk = ids.V0SortKey
		if version > 0 {
			sk = ids.VersionSK(version)
		}
	}

	out, err := e.table.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(e.tableName),
		Key:            map[string]types.AttributeValue{ids.AttrPK: &types.AttributeValueMemberS{Value: pk}, ids.AttrSK: &types.AttributeValueMemberS{Value: sk}},
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, translateWriteError(err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	rec, err := DecodeItem(out.Item, cfg, e.blobs.KeyPrefix())
	if err != nil {
		return nil, apperrors.NewInternal("decoding item", err)
	}
	fields, err := e.codec.DecodeFields(out.Item, cfg, ControlAttrs(cfg))
	if err != nil {
		return nil, apperrors.NewInternal("decoding fields", err)
	}
	rec.Fields = fields
	rec.TypeName = typeName

	if loadBlobs {
		if err := e.hydrateBlobs(ctx, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// ReadExisting is GetExisting but raises NotFound instead of returning nil.
func (e *Engine) ReadExisting(ctx context.Context, resourceID, typeName string, version int, loadBlobs bool, consistent bool) (*schema.Record, error) {
	rec, err := e.GetExisting(ctx, resourceID, typeName, version, loadBlobs, consistent)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NewNotFound(fmt.Sprintf("%s %s not found", typeName, resourceID))
	}
	return rec, nil
}

func (e *Engine) hydrateBlobs(ctx context.Context, rec *schema.Record) error {
	for field, placeholder := range rec.Blobs {
		v, err := e.blobs.Get(ctx, rec, field)
		if err != nil {
			return err
		}
		rec.Fields[field] = v
		placeholder.Loaded = true
		rec.Blobs[field] = placeholder
	}
	return nil
}
