package wire

// StringSet is the in-memory representation of a "set of string" field
// (spec.md §4.2.6). It round-trips through the backend as a native string
// set when possible and as a list otherwise; an empty set is never written
// to the backend (DynamoDB rejects empty string-sets), matching spec.md
// §3.2's GSI-sparseness sibling rule for sets.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a slice, deduplicating.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// ToSlice returns the set's members in no particular order.
func (s StringSet) ToSlice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// Add inserts value into the set.
func (s StringSet) Add(value string) { s[value] = struct{}{} }

// Remove deletes value from the set.
func (s StringSet) Remove(value string) { delete(s, value) }

// Contains reports whether value is a member.
func (s StringSet) Contains(value string) bool {
	_, ok := s[value]
	return ok
}
