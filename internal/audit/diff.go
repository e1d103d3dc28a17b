package audit

import (
	"reflect"

	"singletable/internal/schema"
)

// baseKeys are excluded from field-diff computation regardless of
// exclude_fields configuration (spec.md §4.5.3).
var baseKeys = map[string]struct{}{
	"resource_id": {}, "created_at": {}, "updated_at": {}, "version": {},
}

// fieldDiff computes {field: {old, new}} between oldRec and newRec,
// skipping base keys and cfg.Audit.ExcludeFields. Blob fields compare
// metadata (size/version/compression/content_type/key), never the
// payload (spec.md §4.5.3). Each change is a plain map rather than a
// struct so the wire codec's reflection fallback can encode it like any
// other nested field value.
func fieldDiff(oldRec, newRec *schema.Record, cfg *schema.TypeConfig) map[string]any {
	changed := map[string]any{}
	seen := map[string]struct{}{}

	visit := func(field string) {
		if _, ok := seen[field]; ok {
			return
		}
		seen[field] = struct{}{}
		if _, ok := baseKeys[field]; ok {
			return
		}
		if _, ok := cfg.Audit.ExcludeFields[field]; ok {
			return
		}

		var oldVal, newVal any
		if cfg.IsBlobField(field) {
			oldVal = blobDescriptor(oldRec, field)
			newVal = blobDescriptor(newRec, field)
		} else {
			if oldRec != nil {
				oldVal = oldRec.Fields[field]
			}
			if newRec != nil {
				newVal = newRec.Fields[field]
			}
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			changed[field] = map[string]any{"old": oldVal, "new": newVal}
		}
	}

	if oldRec != nil {
		for field := range oldRec.Fields {
			visit(field)
		}
		for field := range oldRec.Blobs {
			visit(field)
		}
	}
	if newRec != nil {
		for field := range newRec.Fields {
			visit(field)
		}
		for field := range newRec.Blobs {
			visit(field)
		}
	}
	return changed
}

// blobDescriptor returns nil if rec has no stored value for field, else a
// comparable metadata map (spec.md §4.5.3/§4.5.4).
func blobDescriptor(rec *schema.Record, field string) map[string]any {
	if rec == nil {
		return nil
	}
	p, ok := rec.Blobs[field]
	if !ok {
		return nil
	}
	return map[string]any{
		"size_bytes":   p.SizeBytes,
		"version":      rec.BlobVersions[field],
		"compressed":   p.Compressed,
		"content_type": p.ContentType,
		"key":          p.Key,
	}
}

// redactedSnapshot builds rec's serialized form for a post-state snapshot
// (spec.md §4.5.4): every non-blob field copied as-is, every blob field
// replaced with a bounded descriptor so large payloads never land in an
// audit entry.
func redactedSnapshot(rec *schema.Record, cfg *schema.TypeConfig) map[string]any {
	snapshot := make(map[string]any, len(rec.Fields)+len(rec.Blobs))
	for field, v := range rec.Fields {
		if cfg.IsBlobField(field) {
			continue
		}
		snapshot[field] = v
	}
	for field, p := range rec.Blobs {
		snapshot[field] = map[string]any{
			"__blob_ref__": true,
			"size_bytes":   p.SizeBytes,
			"version":      rec.BlobVersions[field],
			"compressed":   p.Compressed,
			"content_type": p.ContentType,
			"s3_key":       p.Key,
		}
	}
	return snapshot
}
