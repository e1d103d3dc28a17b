package audit

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"

	"singletable/internal/ids"
	"singletable/internal/query"
	"singletable/internal/tablekv"
	apperrors "singletable/pkg/errors"
)

// AuditLogQuerier exposes convenience readers over the audit table using
// the standard query engine (spec.md §4.5.6).
type AuditLogQuerier struct {
	query *query.Engine
}

// NewAuditLogQuerier wraps a query.Engine already pointed at the audit
// table (the main table, or a routed separate one per spec.md §4.5.5).
func NewAuditLogQuerier(q *query.Engine) *AuditLogQuerier {
	return &AuditLogQuerier{query: q}
}

// GetLogsForResource implements `get_logs_for_resource`: queries gsi1 by
// "AuditLog#{type}#{id}", optionally bounding the sort key (the audit
// record's own time-sortable pk) to a date range via the deterministic-ID
// helper so filtering happens in the key condition rather than client-side.
func (q *AuditLogQuerier) GetLogsForResource(ctx context.Context, resourceType, resourceID string, start, end *time.Time, limit int) (*query.Result, error) {
	pkVal := "AuditLog#" + resourceType + "#" + resourceID
	keyCond := dateBoundedKeyCondition("gsi1pk", pkVal, start, end)
	return q.run(ctx, tablekv.IndexGSI1, keyCond, limit)
}

// GetLogsForResourceType implements `get_logs_for_resource_type`: the
// same shape as GetLogsForResource but grouped by resource type alone,
// via gsi2.
func (q *AuditLogQuerier) GetLogsForResourceType(ctx context.Context, resourceType string, start, end *time.Time, limit int) (*query.Result, error) {
	pkVal := "AuditLog#" + resourceType
	keyCond := dateBoundedKeyCondition("gsi2pk", pkVal, start, end)
	return q.run(ctx, tablekv.IndexGSI2, keyCond, limit)
}

// GetLogsByOperation implements `get_logs_by_operation`: gsi2 plus a
// server-side filter on the operation discriminator.
func (q *AuditLogQuerier) GetLogsByOperation(ctx context.Context, resourceType string, op Operation, limit int) (*query.Result, error) {
	keyCond := expression.Key("gsi2pk").Equal(expression.Value("AuditLog#" + resourceType))
	filter := expression.Name("operation").Equal(expression.Value(string(op)))
	return q.runFiltered(ctx, tablekv.IndexGSI2, keyCond, filter, limit)
}

// GetLogsByChanger implements `get_logs_by_changer`: gsi2 when a resource
// type is given, else gsitype, both with a filter on changed_by.
func (q *AuditLogQuerier) GetLogsByChanger(ctx context.Context, changedBy, resourceType string, limit int) (*query.Result, error) {
	filter := expression.Name("changed_by").Equal(expression.Value(changedBy))
	if resourceType != "" {
		keyCond := expression.Key("gsi2pk").Equal(expression.Value("AuditLog#" + resourceType))
		return q.runFiltered(ctx, tablekv.IndexGSI2, keyCond, filter, limit)
	}
	keyCond := expression.Key("gsitype").Equal(expression.Value(ids.AuditLogKeyPrefix))
	return q.runFiltered(ctx, tablekv.IndexGSIType, keyCond, filter, limit)
}

// FieldHistoryEntry is one step in a field's value history.
type FieldHistoryEntry struct {
	At  time.Time
	Old any
	New any
}

// GetFieldHistory implements `get_field_history`: reads every log for the
// resource oldest-first, extracting old/new from changed_fields for
// UPDATE entries and the initial value from the snapshot for the seed
// CREATE entry.
func (q *AuditLogQuerier) GetFieldHistory(ctx context.Context, resourceType, resourceID, field string) ([]FieldHistoryEntry, error) {
	pkVal := "AuditLog#" + resourceType + "#" + resourceID
	keyCond := expression.Key("gsi1pk").Equal(expression.Value(pkVal))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.NewInternal("building field history key condition", err)
	}

	records, err := q.query.Collect(ctx, query.Input{
		Index:                     tablekv.IndexGSI1,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  AuditLogTypeName,
		ResultsLimit:              1000,
		MaxAPICalls:               50,
		Ascending:                 true,
	}, 0)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	var history []FieldHistoryEntry
	for _, rec := range records {
		opVal, _ := rec.Fields["operation"].(string)
		switch Operation(opVal) {
		case OpCreate:
			if snap, ok := rec.Fields["resource_snapshot"].(map[string]any); ok {
				if v, ok := snap[field]; ok {
					history = append(history, FieldHistoryEntry{At: rec.CreatedAt, Old: nil, New: v})
				}
			}
		case OpUpdate:
			if diff, ok := rec.Fields["changed_fields"].(map[string]any); ok {
				if change, ok := diff[field].(map[string]any); ok {
					history = append(history, FieldHistoryEntry{At: rec.CreatedAt, Old: change["old"], New: change["new"]})
				}
			}
		}
	}
	return history, nil
}

func (q *AuditLogQuerier) run(ctx context.Context, index tablekv.Index, keyCond expression.KeyConditionBuilder, limit int) (*query.Result, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.NewInternal("building audit query key condition", err)
	}
	in := query.Input{
		Index:                     index,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  AuditLogTypeName,
		ResultsLimit:              limit,
		Ascending:                 false,
	}
	return q.query.Run(ctx, in)
}

func (q *AuditLogQuerier) runFiltered(ctx context.Context, index tablekv.Index, keyCond expression.KeyConditionBuilder, filter expression.ConditionBuilder, limit int) (*query.Result, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, apperrors.NewInternal("building audit query filter", err)
	}
	in := query.Input{
		Index:                     index,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		FilterExpression:          *expr.Filter(),
		TypeName:                  AuditLogTypeName,
		ResultsLimit:              limit,
		Ascending:                 false,
	}
	return q.query.Run(ctx, in)
}

// dateBoundedKeyCondition AND's an equality clause on pkAttr with an
// optional BETWEEN bound on the audit record's own primary key, the
// sort-key attribute gsi1/gsi2 conventionally use (spec.md §3.3, §4.5.6).
func dateBoundedKeyCondition(pkAttr, pkVal string, start, end *time.Time) expression.KeyConditionBuilder {
	base := expression.Key(pkAttr).Equal(expression.Value(pkVal))
	if start == nil && end == nil {
		return base
	}
	startAt := time.Unix(0, 0).UTC()
	if start != nil {
		startAt = *start
	}
	endAt := time.Now().UTC()
	if end != nil {
		endAt = *end
	}
	lo := ids.BuildPK(ids.AuditLogKeyPrefix, ids.DeterministicID(startAt))
	hi := ids.BuildPK(ids.AuditLogKeyPrefix, ids.WidenUpperBound(ids.DeterministicID(endAt)))
	return base.And(expression.Key("pk").Between(expression.Value(lo), expression.Value(hi)))
}
