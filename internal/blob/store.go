// Package blob implements the blob side-storage layer (spec.md §4.4):
// per-field offload to an object store, version-pinned references across
// record versions, a concurrent LRU+TTL cache, and copy/register-external
// primitives. Grounded on the donor's S3 object handling conventions
// (internal/infrastructure/cloud/abstractions.go's storage abstraction)
// generalized from file attachments to arbitrary typed field values.
package blob

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"singletable/internal/objectstore"
	"singletable/internal/schema"
	apperrors "singletable/pkg/errors"
)

// MetricsSink receives cache snapshots after a Put/Get touches the cache.
// Implemented by *metrics.Collector; declared as an interface here so this
// package stays a leaf and never imports internal/metrics directly.
type MetricsSink interface {
	ObserveCacheInfo(hits, misses, evictions int64, sizeBytes int64, items int)
}

// Store puts/gets blob-typed fields against an object store, with a
// front-side cache and key derivation per schema.TypeConfig.BlobFields.
type Store struct {
	objects   objectstore.Store
	registry  *schema.Registry
	cache     *Cache
	keyPrefix string
	logger    *zap.Logger
	metrics   MetricsSink
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithMetrics installs a metrics sink that receives a cache snapshot after
// every cache-touching operation (spec.md §4.4.5 stats, SPEC_FULL.md §B
// "blob-cache hit/miss/eviction gauges").
func WithMetrics(sink MetricsSink) StoreOption { return func(s *Store) { s.metrics = sink } }

// NewStore returns a Store. keyPrefix is the optional backend-wide prefix
// applied ahead of every computed blob key (spec.md §4.4.1).
func NewStore(objects objectstore.Store, registry *schema.Registry, cacheCfg CacheConfig, keyPrefix string, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		objects:   objects,
		registry:  registry,
		cache:     NewCache(cacheCfg),
		keyPrefix: keyPrefix,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyPrefix returns the backend-wide prefix this Store applies ahead of
// every computed blob key, so callers reconstructing a key outside this
// package (engine.DecodeItem rebuilding a placeholder's Key from
// _blob_versions) stay consistent with where Put actually wrote it.
func (s *Store) KeyPrefix() string { return s.keyPrefix }

func (s *Store) observeCache() {
	if s.metrics == nil {
		return
	}
	info := s.cache.Stats()
	s.metrics.ObserveCacheInfo(info.Hits, info.Misses, info.Evictions, info.CurrentSizeBytes, info.CurrentItems)
}

// blobVersion returns the version segment to use in the object key: the
// record's own version for a fresh write, but §4.4.4 requires reads and
// carried-forward references to use BlobVersions[field] instead.
func blobVersion(r *schema.Record, field string) int {
	if !r.IsVersioned() {
		return -1
	}
	if v, ok := r.BlobVersions[field]; ok {
		return v
	}
	return r.Version
}

// Put serializes value per spec.md §4.4.2, stores it, and returns the
// resulting placeholder. It does not mutate r; callers attach the
// placeholder and BlobVersions entry themselves (internal/engine owns the
// carry-forward bookkeeping of §4.4.4).
func (s *Store) Put(ctx context.Context, r *schema.Record, field string, value interface{}) (schema.BlobPlaceholder, error) {
	cfg, err := s.registry.Get(r.TypeName)
	if err != nil {
		return schema.BlobPlaceholder{}, err
	}
	spec, ok := cfg.BlobFields[field]
	if !ok {
		return schema.BlobPlaceholder{}, apperrors.NewValidation(fmt.Sprintf("field %s is not configured as a blob field on type %s", field, r.TypeName))
	}

	payload, err := serialize(value)
	if err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("serializing blob field", err)
	}
	compressed := spec.Compress
	if compressed {
		payload, err = gzipBytes(payload)
		if err != nil {
			return schema.BlobPlaceholder{}, apperrors.NewInternal("compressing blob field", err)
		}
	}
	if spec.MaxSizeBytes > 0 && int64(len(payload)) > spec.MaxSizeBytes {
		return schema.BlobPlaceholder{}, apperrors.NewValidation(fmt.Sprintf("blob field %s exceeds maximum size of %d bytes", field, spec.MaxSizeBytes))
	}

	version := r.Version
	if !r.IsVersioned() {
		version = -1
	}
	key := ObjectKey(s.keyPrefix, r.TypeName, r.ResourceID, version, field)

	metadata := map[string]string{
		"compressed":  boolString(compressed),
		"type_name":   r.TypeName,
		"resource_id": r.ResourceID,
		"field_name":  field,
	}
	contentType := spec.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	if err := s.objects.Put(ctx, key, payload, contentType, metadata); err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("storing blob field", err)
	}

	placeholder := schema.BlobPlaceholder{
		FieldName:   field,
		Key:         key,
		SizeBytes:   int64(len(payload)),
		ContentType: contentType,
		Compressed:  compressed,
		Loaded:      true,
	}

	cacheKey := CacheKey(r.TypeName, r.ResourceID, field, version)
	s.cache.Put(cacheKey, value, int64(len(payload)))
	s.observeCache()

	return placeholder, nil
}

// Get fetches and deserializes the blob field named by r.Blobs[field],
// using the version recorded in r.BlobVersions[field] to build the object
// key (spec.md §4.4.4), not r.Version itself.
func (s *Store) Get(ctx context.Context, r *schema.Record, field string) (interface{}, error) {
	placeholder, ok := r.Blobs[field]
	if !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("record %s/%s has no stored value for blob field %s", r.TypeName, r.ResourceID, field))
	}

	version := blobVersion(r, field)
	cacheKey := CacheKey(r.TypeName, r.ResourceID, field, version)
	if v, ok := s.cache.Get(cacheKey); ok {
		s.observeCache()
		return v, nil
	}

	obj, err := s.objects.Get(ctx, placeholder.Key)
	if err != nil {
		s.observeCache()
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return nil, apperrors.NewBlobNotFound(fmt.Sprintf("Blob not found: %s", placeholder.Key))
		}
		return nil, apperrors.NewInternal("fetching blob field", err)
	}

	body := obj.Body
	if obj.Metadata["compressed"] == "true" {
		body, err = gunzipBytes(body)
		if err != nil {
			return nil, apperrors.NewInternal("decompressing blob field", err)
		}
	}

	value, ok := deserialize(body)
	if !ok {
		value = body
	}

	s.cache.Put(cacheKey, value, int64(len(body)))
	s.observeCache()
	return value, nil
}

// DeleteAll removes every stored blob object for r (delete_all_blobs),
// purging matching cache entries.
func (s *Store) DeleteAll(ctx context.Context, r *schema.Record) error {
	for field, placeholder := range r.Blobs {
		if err := s.objects.Delete(ctx, placeholder.Key); err != nil {
			return apperrors.NewInternal("deleting blob field", err)
		}
		s.cache.InvalidatePrefix(fmt.Sprintf("%s#%s#%s#", r.TypeName, r.ResourceID, field))
	}
	return nil
}

// CopyBlob implements spec.md §4.4.6: copies a stored blob from one
// record/field onto another, zero re-encoding, optionally deleting the
// source. The caller is responsible for committing tgt's updated
// BlobVersions/Blobs bookkeeping to the backend; CopyBlob returns the
// placeholder to attach.
func (s *Store) CopyBlob(ctx context.Context, src *schema.Record, srcField string, tgt *schema.Record, tgtField string, deleteSource bool) (schema.BlobPlaceholder, error) {
	srcCfg, err := s.registry.Get(src.TypeName)
	if err != nil {
		return schema.BlobPlaceholder{}, err
	}
	tgtCfg, err := s.registry.Get(tgt.TypeName)
	if err != nil {
		return schema.BlobPlaceholder{}, err
	}
	srcSpec, ok := srcCfg.BlobFields[srcField]
	if !ok {
		return schema.BlobPlaceholder{}, apperrors.NewValidation(fmt.Sprintf("field %s is not configured as a blob field on type %s", srcField, src.TypeName))
	}
	tgtSpec, ok := tgtCfg.BlobFields[tgtField]
	if !ok {
		return schema.BlobPlaceholder{}, apperrors.NewValidation(fmt.Sprintf("field %s is not configured as a blob field on type %s", tgtField, tgt.TypeName))
	}
	if src.TypeName == tgt.TypeName && src.ResourceID == tgt.ResourceID && srcField == tgtField {
		return schema.BlobPlaceholder{}, apperrors.NewValidation("cannot copy a blob field onto itself")
	}

	srcPlaceholder, ok := src.Blobs[srcField]
	if !ok {
		return schema.BlobPlaceholder{}, apperrors.NewBlobNotFound(fmt.Sprintf("Blob not found: %s/%s/%s", src.TypeName, src.ResourceID, srcField))
	}
	if _, exists, err := s.objects.Head(ctx, srcPlaceholder.Key); err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("checking source blob", err)
	} else if !exists {
		return schema.BlobPlaceholder{}, apperrors.NewBlobNotFound(fmt.Sprintf("Blob not found: %s", srcPlaceholder.Key))
	}

	if srcSpec.Compress != tgtSpec.Compress {
		s.logger.Warn("copy_blob: compression mismatch between source and target field",
			zap.String("src_field", srcField), zap.String("tgt_field", tgtField))
	}

	tgtVersion := tgt.Version
	if !tgt.IsVersioned() {
		tgtVersion = -1
	}
	tgtKey := ObjectKey(s.keyPrefix, tgt.TypeName, tgt.ResourceID, tgtVersion, tgtField)

	if err := s.objects.Copy(ctx, srcPlaceholder.Key, tgtKey); err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("copying blob", err)
	}
	s.cache.Invalidate(CacheKey(tgt.TypeName, tgt.ResourceID, tgtField, tgtVersion))

	if deleteSource {
		if err := s.objects.Delete(ctx, srcPlaceholder.Key); err != nil {
			return schema.BlobPlaceholder{}, apperrors.NewInternal("deleting source blob", err)
		}
	}

	return schema.BlobPlaceholder{
		FieldName:   tgtField,
		Key:         tgtKey,
		SizeBytes:   srcPlaceholder.SizeBytes,
		ContentType: srcPlaceholder.ContentType,
		Compressed:  srcPlaceholder.Compressed,
		Loaded:      false,
	}, nil
}

// RegisterExternalBlob implements spec.md §4.4.6: adopts an
// externally-written object as the value of a blob field, without
// re-encoding it.
func (s *Store) RegisterExternalBlob(ctx context.Context, r *schema.Record, field string, sourceKey string, contentType string, compressed bool, deleteSource bool) (schema.BlobPlaceholder, error) {
	cfg, err := s.registry.Get(r.TypeName)
	if err != nil {
		return schema.BlobPlaceholder{}, err
	}
	spec, ok := cfg.BlobFields[field]
	if !ok {
		return schema.BlobPlaceholder{}, apperrors.NewValidation(fmt.Sprintf("field %s is not configured as a blob field on type %s", field, r.TypeName))
	}
	if contentType == "" {
		contentType = spec.ContentType
	}

	meta, exists, err := s.objects.Head(ctx, sourceKey)
	if err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("checking external blob source", err)
	}
	if !exists {
		return schema.BlobPlaceholder{}, apperrors.NewBlobNotFound(fmt.Sprintf("Source S3 object not found: %s", sourceKey))
	}
	if meta["compressed"] == "true" {
		compressed = true
	}

	version := r.Version
	if !r.IsVersioned() {
		version = -1
	}
	key := ObjectKey(s.keyPrefix, r.TypeName, r.ResourceID, version, field)

	if err := s.objects.Copy(ctx, sourceKey, key); err != nil {
		return schema.BlobPlaceholder{}, apperrors.NewInternal("registering external blob", err)
	}
	s.cache.Invalidate(CacheKey(r.TypeName, r.ResourceID, field, version))

	if deleteSource {
		if err := s.objects.Delete(ctx, sourceKey); err != nil {
			return schema.BlobPlaceholder{}, apperrors.NewInternal("deleting external blob source", err)
		}
	}

	return schema.BlobPlaceholder{
		FieldName:   field,
		Key:         key,
		ContentType: contentType,
		Compressed:  compressed,
		Loaded:      false,
	}, nil
}

// WarmCache pre-fetches the value of every blob field r has a placeholder
// for into the cache, for callers about to serve a burst of reads
// (SPEC_FULL.md §C.4). A field whose object is missing is skipped.
func (s *Store) WarmCache(ctx context.Context, r *schema.Record) error {
	for field := range r.Blobs {
		if _, err := s.Get(ctx, r, field); err != nil && !apperrors.IsBlobNotFound(err) {
			return err
		}
	}
	return nil
}

// CacheInfo returns a snapshot of cache statistics (SPEC_FULL.md §C.4,
// spec.md §4.4.5).
func (s *Store) CacheInfo() Info {
	return s.cache.Stats()
}

// ListBlobVersions lists every historical object-store key for field
// across r's version range, by probing each version's computed key with
// HEAD (SPEC_FULL.md §C.5). Non-versioned records only ever have one key.
func (s *Store) ListBlobVersions(ctx context.Context, r *schema.Record, field string, maxVersion int) ([]string, error) {
	cfg, err := s.registry.Get(r.TypeName)
	if err != nil {
		return nil, err
	}
	if !cfg.IsBlobField(field) {
		return nil, apperrors.NewValidation(fmt.Sprintf("field %s is not configured as a blob field on type %s", field, r.TypeName))
	}
	if !cfg.Versioned {
		key := ObjectKey(s.keyPrefix, r.TypeName, r.ResourceID, -1, field)
		if _, exists, err := s.objects.Head(ctx, key); err != nil {
			return nil, apperrors.NewInternal("listing blob versions", err)
		} else if exists {
			return []string{key}, nil
		}
		return nil, nil
	}

	var keys []string
	for v := 1; v <= maxVersion; v++ {
		key := ObjectKey(s.keyPrefix, r.TypeName, r.ResourceID, v, field)
		if _, exists, err := s.objects.Head(ctx, key); err != nil {
			return nil, apperrors.NewInternal("listing blob versions", err)
		} else if exists {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
