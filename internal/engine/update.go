package engine

import (
	"context"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"singletable/internal/ids"
	"singletable/internal/schema"
	apperrors "singletable/pkg/errors"
)

// UpdateExisting implements spec.md §4.2.3/§4.2.4: computes the candidate
// next state from existing+data(+clearFields), persists it (transactional
// for versioned types, single put otherwise), enforces the version limit,
// and derives an UPDATE audit entry.
func (e *Engine) UpdateExisting(ctx context.Context, existing *schema.Record, data map[string]any, clearFields map[string]struct{}, changedBy string, auditMetadata map[string]any) (*schema.Record, error) {
	return e.updateExisting(ctx, existing, data, clearFields, changedBy, auditMetadata, true)
}

// updateExisting is UpdateExisting's implementation, with audit derivation
// gated by deriveAudit. RestoreVersion persists its appended version through
// this path with deriveAudit=false so it can emit a single RESTORE audit
// entry instead of an UPDATE entry followed by a RESTORE one (spec.md §3.4
// "Restore ... Derives audit log" names one entry per lifecycle operation).
func (e *Engine) updateExisting(ctx context.Context, existing *schema.Record, data map[string]any, clearFields map[string]struct{}, changedBy string, auditMetadata map[string]any, deriveAudit bool) (*schema.Record, error) {
	ctx, end := e.startSpan(ctx, "engine.UpdateExisting")
	defer end()

	cfg, err := e.registry.Get(existing.TypeName)
	if err != nil {
		return nil, err
	}

	changedBy, err = resolveChangedBy(cfg, changedBy, data)
	if err != nil {
		return nil, err
	}

	next := existing.Clone()
	next.UpdatedAt = e.clock().UTC()
	for field := range clearFields {
		delete(next.Fields, field)
		delete(next.Blobs, field)
		delete(next.BlobVersions, field)
	}
	nextVersion := existing.Version
	if cfg.Versioned {
		nextVersion = existing.Version + 1
		next.Version = nextVersion
	}

	// Carry forward blob references for fields not touched by this
	// update (spec.md §4.4.4): untouched blob fields keep their existing
	// BlobVersions entry and placeholder.
	for field, v := range data {
		if !cfg.IsBlobField(field) {
			next.Fields[field] = v
			continue
		}
		if v == nil {
			delete(next.Blobs, field)
			delete(next.BlobVersions, field)
			continue
		}
		placeholder, err := e.blobs.Put(ctx, next, field, v)
		if err != nil {
			return nil, err
		}
		next.Blobs[field] = placeholder
		next.BlobVersions[field] = recordBlobVersion(next)
	}

	pk := ids.BuildPK(cfg.KeyPrefix(), next.ResourceID)

	if !cfg.Versioned {
		item, err := BuildItem(e.codec, cfg, next, pk, ids.NonVersionedSK(pk))
		if err != nil {
			return nil, err
		}
		_, err = e.table.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(e.tableName),
			Item:      item,
		})
		if err != nil {
			return nil, translateWriteError(err)
		}
	} else {
		newVItem, err := BuildItem(e.codec, cfg, next, pk, ids.VersionSK(nextVersion))
		if err != nil {
			return nil, err
		}
		newV0Item, err := BuildItem(e.codec, cfg, next, pk, ids.V0SortKey)
		if err != nil {
			return nil, err
		}

		absentCond := expression.AttributeNotExists(expression.Name(ids.AttrPK))
		absentExpr, err := expression.NewBuilder().WithCondition(absentCond).Build()
		if err != nil {
			return nil, apperrors.NewInternal("building update condition", err)
		}

		v0Cond := expression.And(
			expression.AttributeExists(expression.Name(ids.AttrPK)),
			expression.Equal(expression.Name(ids.AttrVersion), expression.Value(existing.Version)),
		)
		v0Expr, err := expression.NewBuilder().WithCondition(v0Cond).Build()
		if err != nil {
			return nil, apperrors.NewInternal("building v0 update condition", err)
		}

		_, err = e.table.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName: aws.String(e.tableName), Item: newVItem,
					ConditionExpression: absentExpr.Condition(), ExpressionAttributeNames: absentExpr.Names(), ExpressionAttributeValues: absentExpr.Values(),
				}},
				{Put: &types.Put{
					TableName: aws.String(e.tableName), Item: newV0Item,
					ConditionExpression: v0Expr.Condition(), ExpressionAttributeNames: v0Expr.Names(), ExpressionAttributeValues: v0Expr.Values(),
				}},
			},
		})
		if err != nil {
			return nil, translateWriteError(err)
		}

		trimmed, err := e.enforceVersionLimit(ctx, cfg, pk)
		if err != nil {
			e.logger.Warn("version limit enforcement failed", zap.Error(err), zap.String("pk", pk))
		} else if trimmed > 0 && e.metrics != nil {
			e.metrics.ObserveVersionsTrimmed(existing.TypeName, trimmed)
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveUpdate(existing.TypeName)
	}

	if deriveAudit && e.auditor != nil && !e.isAuditLogType(cfg) {
		if err := e.auditor.RecordUpdate(ctx, existing, next, changedBy, auditMetadata); err != nil {
			return nil, err
		}
	}

	return next, nil
}

// enforceVersionLimit implements spec.md §4.2.5: query every item sharing
// pk with sk begins_with "v", exclude v0, sort by the numeric version
// (not lexicographic sk), and batch-delete the oldest until at most
// cfg.MaxVersions remain.
func (e *Engine) enforceVersionLimit(ctx context.Context, cfg *schema.TypeConfig, pk string) (int, error) {
	if cfg.MaxVersions <= 0 {
		return 0, nil
	}

	keyCond := expression.Key(ids.AttrPK).Equal(expression.Value(pk)).
		And(expression.Key(ids.AttrSK).BeginsWith("v"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return 0, apperrors.NewInternal("building version-limit query", err)
	}

	out, err := e.table.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(e.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return 0, translateWriteError(err)
	}

	type versionedSK struct {
		sk      string
		version int
	}
	var versions []versionedSK
	for _, item := range out.Items {
		skAV, ok := item[ids.AttrSK].(*types.AttributeValueMemberS)
		if !ok || skAV.Value == ids.V0SortKey {
			continue
		}
		vAV, ok := item[ids.AttrVersion].(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(vAV.Value)
		if err != nil {
			continue
		}
		versions = append(versions, versionedSK{sk: skAV.Value, version: v})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].version > versions[j].version })

	if len(versions) <= cfg.MaxVersions {
		return 0, nil
	}
	toDelete := versions[cfg.MaxVersions:]

	var writeReqs []types.WriteRequest
	for _, v := range toDelete {
		writeReqs = append(writeReqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
					ids.AttrSK: &types.AttributeValueMemberS{Value: v.sk},
				},
			},
		})
	}
	if len(writeReqs) == 0 {
		return 0, nil
	}
	_, err = e.table.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{e.tableName: writeReqs},
	})
	if err != nil {
		return 0, translateWriteError(err)
	}
	return len(writeReqs), nil
}
