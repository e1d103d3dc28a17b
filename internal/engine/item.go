package engine

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"singletable/internal/blob"
	"singletable/internal/ids"
	"singletable/internal/schema"
	"singletable/internal/wire"
)

// ControlAttrs returns the set of backend attributes DecodeFields must
// exclude from a record's field map (spec.md §4.2.6): the primary and GSI
// key attributes, blob-bookkeeping attributes, base record keys, and the
// type's TTL attribute if configured.
func ControlAttrs(cfg *schema.TypeConfig) map[string]struct{} {
	out := map[string]struct{}{
		ids.AttrPK: {}, ids.AttrSK: {},
		ids.AttrGSIType: {}, ids.AttrGSITypeSK: {},
		ids.AttrGSI1PK: {}, ids.AttrGSI2PK: {}, ids.AttrGSI3PK: {}, ids.AttrGSI3SK: {},
		ids.AttrBlobFields: {}, ids.AttrBlobVersions: {},
		ids.AttrResourceID: {}, ids.AttrCreatedAt: {}, ids.AttrUpdatedAt: {}, ids.AttrVersion: {},
	}
	if cfg.TTL != nil {
		out[cfg.TTL.AttributeName] = struct{}{}
	}
	return out
}

// BuildItem assembles the full backend item for rec: base attributes, GSI
// attributes (sparse — omitted when the key function returns ok=false,
// spec.md §3.2), TTL attribute, blob bookkeeping, and the wire-encoded
// user fields.
func BuildItem(codec *wire.Codec, cfg *schema.TypeConfig, rec *schema.Record, pk, sk string) (map[string]types.AttributeValue, error) {
	item, err := codec.EncodeFields(rec.Fields, cfg)
	if err != nil {
		return nil, err
	}

	item[ids.AttrPK] = &types.AttributeValueMemberS{Value: pk}
	item[ids.AttrSK] = &types.AttributeValueMemberS{Value: sk}
	item[ids.AttrResourceID] = &types.AttributeValueMemberS{Value: rec.ResourceID}
	item[ids.AttrCreatedAt] = &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(rfc3339)}
	item[ids.AttrUpdatedAt] = &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(rfc3339)}
	if rec.IsVersioned() {
		item[ids.AttrVersion] = &types.AttributeValueMemberN{Value: itoa(rec.Version)}
	}

	// gsitype is always on; its sort key is updated_at (spec.md §3.3).
	item[ids.AttrGSIType] = &types.AttributeValueMemberS{Value: cfg.GSITypeValue()}
	item[ids.AttrGSITypeSK] = &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(rfc3339)}

	if cfg.GSI.GSI1 != nil {
		if v, ok := cfg.GSI.GSI1(rec); ok {
			item[ids.AttrGSI1PK] = &types.AttributeValueMemberS{Value: v}
		}
	}
	if cfg.GSI.GSI2 != nil {
		if v, ok := cfg.GSI.GSI2(rec); ok {
			item[ids.AttrGSI2PK] = &types.AttributeValueMemberS{Value: v}
		}
	}
	if cfg.GSI.GSI3 != nil {
		if pkv, skv, ok := cfg.GSI.GSI3(rec); ok {
			item[ids.AttrGSI3PK] = &types.AttributeValueMemberS{Value: pkv}
			item[ids.AttrGSI3SK] = &types.AttributeValueMemberS{Value: skv}
		}
	}

	if cfg.TTL != nil {
		if v, ok := rec.Fields[cfg.TTL.Field]; ok && v != nil {
			epoch, err := ttlEpoch(v)
			if err != nil {
				return nil, err
			}
			if epoch != 0 {
				item[cfg.TTL.AttributeName] = &types.AttributeValueMemberN{Value: itoa64(epoch)}
			}
		}
	}

	if len(cfg.BlobFields) > 0 {
		names := make([]types.AttributeValue, 0, len(rec.Blobs))
		for name := range rec.Blobs {
			names = append(names, &types.AttributeValueMemberS{Value: name})
		}
		if len(names) > 0 {
			item[ids.AttrBlobFields] = &types.AttributeValueMemberL{Value: names}
		}
		if len(rec.BlobVersions) > 0 {
			versions := make(map[string]types.AttributeValue, len(rec.BlobVersions))
			for field, v := range rec.BlobVersions {
				versions[field] = &types.AttributeValueMemberN{Value: itoa(v)}
			}
			item[ids.AttrBlobVersions] = &types.AttributeValueMemberM{Value: versions}
		}
	}

	return item, nil
}

// DecodeItem reverses BuildItem's non-field attributes into a *schema.Record
// skeleton, leaving Fields to be filled by codec.DecodeFields. keyPrefix
// must be the same prefix the blob.Store that will serve this record's
// blob fields was constructed with, so a reconstructed placeholder.Key
// matches the key Store.Put actually wrote to (spec.md §4.4.1); pass ""
// when the caller never hydrates blobs from the result.
func DecodeItem(item map[string]types.AttributeValue, cfg *schema.TypeConfig, keyPrefix string) (*schema.Record, error) {
	rec := &schema.Record{TypeName: cfg.Name, BlobVersions: map[string]int{}}

	if v, ok := item[ids.AttrResourceID]; ok {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("resource_id attribute is not a string")
		}
		rec.ResourceID = s.Value
	}
	if v, ok := item[ids.AttrCreatedAt]; ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		rec.CreatedAt = t
	}
	if v, ok := item[ids.AttrUpdatedAt]; ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		rec.UpdatedAt = t
	}
	if v, ok := item[ids.AttrVersion]; ok {
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("version attribute is not numeric")
		}
		version, err := parseInt(n.Value)
		if err != nil {
			return nil, fmt.Errorf("version: %w", err)
		}
		rec.Version = version
	}

	if v, ok := item[ids.AttrBlobFields]; ok {
		l, ok := v.(*types.AttributeValueMemberL)
		if !ok {
			return nil, fmt.Errorf("_blob_fields attribute is not a list")
		}
		rec.Blobs = make(map[string]schema.BlobPlaceholder, len(l.Value))
		for _, e := range l.Value {
			s, ok := e.(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			rec.Blobs[s.Value] = schema.BlobPlaceholder{FieldName: s.Value, Loaded: false}
		}
	}
	if v, ok := item[ids.AttrBlobVersions]; ok {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("_blob_versions attribute is not a map")
		}
		for field, av := range m.Value {
			n, ok := av.(*types.AttributeValueMemberN)
			if !ok {
				continue
			}
			version, err := parseInt(n.Value)
			if err != nil {
				return nil, fmt.Errorf("_blob_versions[%s]: %w", field, err)
			}
			rec.BlobVersions[field] = version
			if p, ok := rec.Blobs[field]; ok {
				p.Key = fieldBlobKey(cfg, keyPrefix, rec.TypeName, rec.ResourceID, version, field)
				rec.Blobs[field] = p
			}
		}
	}

	return rec, nil
}

func fieldBlobKey(cfg *schema.TypeConfig, keyPrefix, typeName, resourceID string, version int, field string) string {
	v := -1
	if cfg.Versioned {
		v = version
	}
	return blob.ObjectKey(keyPrefix, typeName, resourceID, v, field)
}

const rfc3339 = "2006-01-02T15:04:05.000Z07:00"

func parseTime(av types.AttributeValue) (time.Time, error) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}, fmt.Errorf("expected string attribute")
	}
	return parseRFC3339(s.Value)
}
