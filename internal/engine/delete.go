package engine

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"singletable/internal/ids"
	"singletable/internal/schema"
	apperrors "singletable/pkg/errors"
)

// DeleteExisting implements spec.md §3.4/§4.2: for a non-versioned type,
// removes the single item and every stored blob; for a versioned type,
// targets only the version existing represents — deleting it also
// removes the mirroring v0 item when existing.Version is the record's
// current latest version, leaving older history untouched. Either way it
// decrements the MemoryStats counter and derives a DELETE audit entry.
func (e *Engine) DeleteExisting(ctx context.Context, existing *schema.Record, changedBy string, auditMetadata map[string]any) error {
	ctx, end := e.startSpan(ctx, "engine.DeleteExisting")
	defer end()

	cfg, err := e.registry.Get(existing.TypeName)
	if err != nil {
		return err
	}

	pk := ids.BuildPK(cfg.KeyPrefix(), existing.ResourceID)

	if !cfg.Versioned {
		if err := e.blobs.DeleteAll(ctx, existing); err != nil {
			return err
		}
		_, err := e.table.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(e.tableName),
			Key:       map[string]types.AttributeValue{ids.AttrPK: &types.AttributeValueMemberS{Value: pk}, ids.AttrSK: &types.AttributeValueMemberS{Value: pk}},
		})
		if err != nil {
			return translateWriteError(err)
		}
	} else {
		// Only blob payloads actually written at this version are
		// safe to delete: a field carried forward unchanged (spec.md
		// §4.4.4) still points at an earlier version's object, which
		// that earlier version's own history item may still reference.
		if err := e.blobs.DeleteAll(ctx, versionOwnedBlobs(existing)); err != nil {
			return err
		}
		if err := e.deleteVersionedRecord(ctx, cfg, pk, existing); err != nil {
			return err
		}
	}

	if err := e.adjustStats(ctx, existing.TypeName, -1); err != nil {
		e.logger.Warn("failed to update memory stats counter on delete", zap.Error(err), zap.String("type", existing.TypeName))
	}
	if e.metrics != nil {
		e.metrics.ObserveDelete(existing.TypeName)
	}

	if e.auditor != nil && !e.isAuditLogType(cfg) {
		if err := e.auditor.RecordDelete(ctx, existing, changedBy, auditMetadata); err != nil {
			return err
		}
	}
	return nil
}

// versionOwnedBlobs returns a copy of rec restricted to the blob fields
// whose payload was actually written at rec.Version, excluding a field
// carried forward unchanged from an earlier version (spec.md §4.4.4)
// whose object key still belongs to that earlier version.
func versionOwnedBlobs(rec *schema.Record) *schema.Record {
	owned := &schema.Record{
		TypeName:   rec.TypeName,
		ResourceID: rec.ResourceID,
		Version:    rec.Version,
		Blobs:      map[string]schema.BlobPlaceholder{},
	}
	for field, p := range rec.Blobs {
		if rec.BlobVersions[field] == rec.Version {
			owned.Blobs[field] = p
		}
	}
	return owned
}

// DeleteAllVersions implements spec.md §4.2.1 `delete_all_versions`:
// explicitly purge every historical version of a versioned record without
// deleting the v0 mirror, used to reclaim storage while keeping the
// record addressable at its current state.
func (e *Engine) DeleteAllVersions(ctx context.Context, rec *schema.Record) error {
	cfg, err := e.registry.Get(rec.TypeName)
	if err != nil {
		return err
	}
	if !cfg.Versioned {
		return apperrors.NewValidation("delete_all_versions only applies to versioned record types")
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), rec.ResourceID)
	versions, err := e.queryVersionSKs(ctx, pk)
	if err != nil {
		return err
	}
	var writeReqs []types.WriteRequest
	for _, v := range versions {
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
		return nil
	}
	_, err = e.table.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{e.tableName: writeReqs},
	})
	if err != nil {
		return translateWriteError(err)
	}
	return nil
}

// GetAllVersions returns every historical version of rec newest-first
// (spec.md §4.2.1 `get_all_versions`), not including the v0 mirror.
func (e *Engine) GetAllVersions(ctx context.Context, resourceID, typeName string) ([]*schema.Record, error) {
	cfg, err := e.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	if !cfg.Versioned {
		return nil, apperrors.NewValidation("get_all_versions only applies to versioned record types")
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)
	versions, err := e.queryVersionSKs(ctx, pk)
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].version > versions[j].version })

	out := make([]*schema.Record, 0, len(versions))
	for _, v := range versions {
		rec, err := e.GetExisting(ctx, resourceID, typeName, v.version, false, true)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RestoreVersion implements spec.md §4.2.1 `restore_version`: appends a
// brand-new version carrying the field values of an older version rather
// than rolling the record back in place, preserving full history.
func (e *Engine) RestoreVersion(ctx context.Context, resourceID, typeName string, version int, changedBy string, auditMetadata map[string]any) (*schema.Record, error) {
	current, err := e.ReadExisting(ctx, resourceID, typeName, 0, false, true)
	if err != nil {
		return nil, err
	}
	old, err := e.ReadExisting(ctx, resourceID, typeName, version, true, true)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(old.Fields))
	for k, v := range old.Fields {
		data[k] = v
	}

	restored, err := e.updateExisting(ctx, current, data, nil, changedBy, auditMetadata, false)
	if err != nil {
		return nil, err
	}

	if e.auditor != nil {
		cfg, cfgErr := e.registry.Get(typeName)
		if cfgErr == nil && !e.isAuditLogType(cfg) {
			if err := e.auditor.RecordRestore(ctx, restored, changedBy, auditMetadata); err != nil {
				return nil, err
			}
		}
	}
	return restored, nil
}

type versionedSK struct {
	sk      string
	version int
}

// queryVersionSKs returns every "v{n}" sort key sharing pk, excluding v0.
func (e *Engine) queryVersionSKs(ctx context.Context, pk string) ([]versionedSK, error) {
	keyCond := expression.Key(ids.AttrPK).Equal(expression.Value(pk)).
		And(expression.Key(ids.AttrSK).BeginsWith("v"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.NewInternal("building version query", err)
	}
	out, err := e.table.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(e.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, translateWriteError(err)
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
		v, err := parseInt(vAV.Value)
		if err != nil {
			continue
		}
		versions = append(versions, versionedSK{sk: skAV.Value, version: v})
	}
	return versions, nil
}

// deleteVersionedRecord removes the sk=v{existing.Version} item, plus the
// v0 mirror when existing.Version is the record's current latest version
// (spec.md §3.4 "deleting the latest also removes the mirroring v0").
func (e *Engine) deleteVersionedRecord(ctx context.Context, cfg *schema.TypeConfig, pk string, existing *schema.Record) error {
	writeReqs := []types.WriteRequest{{
		DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
				ids.AttrSK: &types.AttributeValueMemberS{Value: ids.VersionSK(existing.Version)},
			},
		},
	}}

	latest, err := e.GetExisting(ctx, existing.ResourceID, existing.TypeName, 0, false, true)
	if err != nil {
		return err
	}
	if latest != nil && latest.Version == existing.Version {
		writeReqs = append(writeReqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
					ids.AttrSK: &types.AttributeValueMemberS{Value: ids.V0SortKey},
				},
			},
		})
	}

	_, err = e.table.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{e.tableName: writeReqs},
	})
	if err != nil {
		return translateWriteError(err)
	}
	return nil
}
