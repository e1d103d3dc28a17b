// Package ids implements the key codec and ID generator (spec.md §4.1):
// primary/GSI key construction and lexicographically time-sortable resource
// IDs, grounded in simplesingletable's utils.generate_date_sortable_id and
// models.py's get_unique_key_prefix / dynamodb_lookup_keys_from_id.
package ids

import (
	"crypto/rand"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// Backend control attribute names (spec.md §4.1.1, §6.3).
const (
	AttrPK        = "pk"
	AttrSK        = "sk"
	AttrGSIType   = "gsitype"
	AttrGSITypeSK = "gsitypesk"
	AttrGSI1PK    = "gsi1pk"
	AttrGSI2PK    = "gsi2pk"
	AttrGSI3PK    = "gsi3pk"
	AttrGSI3SK    = "gsi3sk"
	AttrBlobFields   = "_blob_fields"
	AttrBlobVersions = "_blob_versions"

	IndexGSIType = "gsitype"
	IndexGSI1    = "gsi1"
	IndexGSI2    = "gsi2"
	IndexGSI3    = "gsi3"

	// V0SortKey is the sort key of the item mirroring a versioned
	// record's current state.
	V0SortKey = "v0"

	// AuditLogKeyPrefix is the fixed key prefix AND gsitype discriminator
	// for audit-log records (spec.md §4.1.1, §9 "gsitype prefixing"
	// open question — resolved in SPEC_FULL.md §C.8 by using the same
	// literal for both).
	AuditLogKeyPrefix = "_INTERNAL#AuditLog"

	// SingletonKeyPrefix is the conventional prefix for singleton
	// resources addressed by a fixed override_id (spec.md §4.1.2).
	SingletonKeyPrefix = "SINGLETON"

	// Base record attributes, present on every item regardless of
	// compress mode (spec.md §3.1, §4.5.3 "base keys").
	AttrResourceID = "resource_id"
	AttrCreatedAt  = "created_at"
	AttrUpdatedAt  = "updated_at"
	AttrVersion    = "version"
	AttrData       = "data"
)

// KeyPrefixFromTypeName derives the default primary-key prefix for a
// record type: the letters and digits of the type name, upper-cased, with
// every other character dropped ("Audit_Log" gives "AUDITLOG"). Callers may
// always override this per type in the schema registry.
func KeyPrefixFromTypeName(typeName string) string {
	var b strings.Builder
	for _, r := range typeName {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// BuildPK builds the primary partition key "{prefix}#{resourceID}".
func BuildPK(prefix, resourceID string) string {
	return prefix + "#" + resourceID
}

// NonVersionedSK returns the sort key for a non-versioned record, which
// always equals its partition key (spec.md §3.1, §4.1.1).
func NonVersionedSK(pk string) string { return pk }

// VersionSK returns the sort key for a specific historical version.
func VersionSK(version int) string {
	return "v" + itoa(version)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NewID generates a 26-character Crockford-base32 ULID seeded from now,
// time-sortable and unique across concurrent callers (spec.md §4.1.2).
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// DeterministicID converts a timestamp into an ID with zero randomness: the
// same entropy (all zero bytes) every time, so two calls with the same
// timestamp produce the same ID. Used to seed range-query boundaries (e.g.
// audit-log date-range queries translate a date into a lower/upper pk
// bound without needing an actual stored record at that boundary),
// grounded in AuditLogQuerier's use of
// `AuditLog.dynamodb_lookup_keys_from_id(from_timestamp(date).timestamp().str)["pk"]`.
func DeterministicID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), zeroReader{}).String()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

var _ io.Reader = zeroReader{}

// WidenUpperBound replaces the random part of a deterministic ID (every
// character after the 10-character timestamp) with the maximum
// Crockford-base32 character, so the resulting string sorts after every ID
// with the same timestamp prefix, widening a deterministic ID into an
// inclusive upper bound for a date range.
func WidenUpperBound(deterministicID string) string {
	const timestampChars = 10
	if len(deterministicID) <= timestampChars {
		return deterministicID
	}
	return deterministicID[:timestampChars] + strings.Repeat("Z", len(deterministicID)-timestampChars)
}
