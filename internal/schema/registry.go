package schema

import (
	"fmt"
	"sync"

	"singletable/internal/ids"
	apperrors "singletable/pkg/errors"
)

// BlobFieldSpec configures a single blob-typed field (spec.md §3.1).
type BlobFieldSpec struct {
	Compress     bool
	ContentType  string
	MaxSizeBytes int64
}

// TTLSpec ties a source field to the backend TTL attribute. Both halves
// must be set for TTL to activate (spec.md §3.1, §3.2 "TTL atomicity").
type TTLSpec struct {
	Field         string
	AttributeName string
}

// AuditSpec configures whether and how mutations of this type derive
// audit-log entries (spec.md §3.1, §4.5).
type AuditSpec struct {
	Enabled           bool
	TrackFieldChanges bool
	IncludeSnapshot   bool
	ExcludeFields     map[string]struct{}
	ChangedByField    string
	ChangedByRequired bool
}

// TypeConfig is the per-record-type schema descriptor (spec.md §3.1).
type TypeConfig struct {
	// Name is the stable type name, used as the default key prefix and
	// as the gsitype discriminator unless overridden.
	Name string

	// KeyPrefixOverride replaces the default uppercase-letters-of-Name
	// prefix (spec.md §4.1.1: audit logs use "_INTERNAL#AuditLog",
	// singletons use "SINGLETON").
	KeyPrefixOverride string

	// GSITypeOverride replaces the gsitype attribute value, which
	// otherwise defaults to Name. Set to the same value as
	// KeyPrefixOverride for types that must converge both
	// discriminators (see SPEC_FULL.md §C.8).
	GSITypeOverride string

	Versioned   bool
	Compress    bool
	MaxVersions int // 0 = unlimited

	BlobFields map[string]BlobFieldSpec
	GSI        GSIConfig
	TTL        *TTLSpec
	Audit      AuditSpec

	// FloatFields names top-level fields declared as float or
	// list<float>; the wire codec coerces these back to float64 on
	// decode. Fields not listed here keep arbitrary-precision decimal
	// values when their backend representation has a fractional part
	// (spec.md §4.2.6, §8.2 scenario S5).
	FloatFields map[string]struct{}

	// SetFields names top-level fields declared as "set of T"; the
	// uncompressed wire codec reconstructs these from a backend list (or
	// native string-set) into a wire.StringSet on decode, and omits the
	// attribute entirely when the set is empty rather than writing an
	// empty native set (spec.md §4.2.6).
	SetFields map[string]struct{}
}

// IsFloatField reports whether fieldName must decode to float64.
func (c *TypeConfig) IsFloatField(fieldName string) bool {
	_, ok := c.FloatFields[fieldName]
	return ok
}

// IsSetField reports whether fieldName must decode to a wire.StringSet.
func (c *TypeConfig) IsSetField(fieldName string) bool {
	_, ok := c.SetFields[fieldName]
	return ok
}

// KeyPrefix returns the type's primary-key prefix.
func (c *TypeConfig) KeyPrefix() string {
	if c.KeyPrefixOverride != "" {
		return c.KeyPrefixOverride
	}
	return defaultKeyPrefix(c.Name)
}

// GSITypeValue returns the gsitype attribute value this type writes.
func (c *TypeConfig) GSITypeValue() string {
	if c.GSITypeOverride != "" {
		return c.GSITypeOverride
	}
	return c.Name
}

// IsBlobField reports whether fieldName is declared as a blob field.
func (c *TypeConfig) IsBlobField(fieldName string) bool {
	_, ok := c.BlobFields[fieldName]
	return ok
}

// Registry holds every registered TypeConfig, keyed by type name. It is
// the target of spec.md §9's "registry mapping type-name to schema and
// codec functions" design note.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeConfig
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeConfig)}
}

// Register validates and adds cfg. Re-registering the same type name
// replaces the prior entry. Hot-reload (watcher.go) does not go through
// Register: LoadDataOverlay edits registered entries in place.
func (r *Registry) Register(cfg *TypeConfig) error {
	if cfg.Name == "" {
		return apperrors.NewConfiguration("record type must have a non-empty Name")
	}
	if cfg.MaxVersions < 0 {
		return apperrors.NewConfiguration(fmt.Sprintf("record type %s: max_versions must be >= 0", cfg.Name))
	}
	if !cfg.Versioned && cfg.MaxVersions != 0 {
		return apperrors.NewConfiguration(fmt.Sprintf("record type %s: max_versions only applies to versioned types", cfg.Name))
	}
	if cfg.TTL != nil && (cfg.TTL.Field == "" || cfg.TTL.AttributeName == "") {
		return apperrors.NewConfiguration(fmt.Sprintf("record type %s: ttl requires both field and attribute_name", cfg.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[cfg.Name] = cfg
	return nil
}

// Get returns the TypeConfig for typeName, or a ConfigurationError if it
// was never registered — an unregistered type is a fatal schema error
// (spec.md §7: ConfigurationError "malformed schema").
func (r *Registry) Get(typeName string) (*TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.types[typeName]
	if !ok {
		return nil, apperrors.NewConfiguration(fmt.Sprintf("unregistered record type %q", typeName))
	}
	return cfg, nil
}

// All returns a snapshot of every registered TypeConfig.
func (r *Registry) All() []*TypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TypeConfig, 0, len(r.types))
	for _, cfg := range r.types {
		out = append(out, cfg)
	}
	return out
}

func defaultKeyPrefix(typeName string) string {
	return ids.KeyPrefixFromTypeName(typeName)
}
