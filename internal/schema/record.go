// Package schema implements the record schema registry (spec.md §4.1
// design note, §3.1, §4): per-type configuration for compression, version
// retention, blob fields, GSI derivation, TTL, and audit behavior, plus the
// canonical in-memory Record representation every other component
// operates on.
//
// The source library expresses record types as pydantic subclasses with
// class-level configuration and dynamic field introspection
// (`model_fields`). spec.md §9 calls for replacing that with "an interface
// capturing the record contract... plus a per-type schema descriptor
// struct held in a registry" — this package is that descriptor plus
// registry, and Record is the interface-contract half: a generic field map
// rather than a generated-per-type struct, so the registry can be built
// without code generation.
package schema

import "time"

// BlobPlaceholder marks a blob-typed field on a loaded Record; Loaded is
// false until blob.Store hydrates it (spec.md GLOSSARY "Placeholder").
type BlobPlaceholder struct {
	FieldName   string
	Key         string
	SizeBytes   int64
	ContentType string
	Compressed  bool
	Loaded      bool
}

// Record is the canonical in-memory representation of a persisted entity:
// identity plus a generic field map. Fields excludes backend control
// attributes (pk, sk, gsi*, _blob_fields, _blob_versions) and blob-typed
// fields once they've been replaced by a BlobPlaceholder.
type Record struct {
	TypeName   string
	ResourceID string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Version is 0 for non-versioned record types; versioned records
	// start at 1 and increase monotonically (spec.md §3.2).
	Version int

	Fields map[string]any

	// Blobs holds one entry per blob-configured field that has a stored
	// value, whether or not it has been hydrated into Fields.
	Blobs map[string]BlobPlaceholder

	// BlobVersions is the field -> version-holding-the-payload map
	// carried on every item (spec.md §4.4.4); for non-versioned records
	// every entry is implicitly version 0.
	BlobVersions map[string]int
}

// IsVersioned reports whether r belongs to a versioned record type.
func (r *Record) IsVersioned() bool { return r.Version > 0 }

// Clone returns a deep-enough copy for building a candidate next version:
// Fields/Blobs/BlobVersions maps are copied, values are not.
func (r *Record) Clone() *Record {
	c := &Record{
		TypeName:   r.TypeName,
		ResourceID: r.ResourceID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Version:    r.Version,
		Fields:     make(map[string]any, len(r.Fields)),
		Blobs:      make(map[string]BlobPlaceholder, len(r.Blobs)),
		BlobVersions: make(map[string]int, len(r.BlobVersions)),
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	for k, v := range r.Blobs {
		c.Blobs[k] = v
	}
	for k, v := range r.BlobVersions {
		c.BlobVersions[k] = v
	}
	return c
}

// HasUnloadedBlobs reports whether any blob field on r has not yet been
// hydrated, mirroring models.py's has_unloaded_blobs.
func (r *Record) HasUnloadedBlobs() bool {
	for _, p := range r.Blobs {
		if !p.Loaded {
			return true
		}
	}
	return false
}

// UnloadedBlobFields returns the names of blob fields awaiting hydration.
func (r *Record) UnloadedBlobFields() []string {
	var out []string
	for name, p := range r.Blobs {
		if !p.Loaded {
			out = append(out, name)
		}
	}
	return out
}
