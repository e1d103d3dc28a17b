package schema

// KeyFunc derives a single GSI partition key from a record instance. ok
// false means the key is absent for this record, which must translate to
// omitting the backend attribute entirely (spec.md §3.2 "GSI sparseness"),
// not writing a null.
type KeyFunc func(r *Record) (pk string, ok bool)

// KeyPairFunc derives a GSI partition+sort key pair, used by gsi3 which
// (unlike gsi1/gsi2) lets callers define a custom sort key (spec.md §3.3).
type KeyPairFunc func(r *Record) (pk, sk string, ok bool)

// Static returns a KeyFunc that always yields the same constant — shape 3
// of the three syntactic forms spec.md §3.3 requires ("a static string
// constant, no derivation needed").
func Static(value string) KeyFunc {
	return func(*Record) (string, bool) { return value, true }
}

// StaticPair is Static's two-key counterpart.
func StaticPair(pk, sk string) KeyPairFunc {
	return func(*Record) (string, string, bool) { return pk, sk, true }
}

// PairFromSeparate composes two independent KeyFuncs (shape 1: "separate
// PK and SK functions") into a single KeyPairFunc; the pair is only
// present if both sides resolve.
func PairFromSeparate(pkFn, skFn KeyFunc) KeyPairFunc {
	return func(r *Record) (string, string, bool) {
		pk, ok := pkFn(r)
		if !ok {
			return "", "", false
		}
		sk, ok := skFn(r)
		if !ok {
			return "", "", false
		}
		return pk, sk, true
	}
}

// Pair adapts a function returning a (pk, sk) tuple directly — shape 2 of
// spec.md §3.3 ("a single function returning a (pk, sk) tuple").
func Pair(fn func(r *Record) (pk, sk string, ok bool)) KeyPairFunc {
	return KeyPairFunc(fn)
}

// GSIConfig declares which of gsi1/gsi2/gsi3 a record type populates.
// gsitype is always on and is not configurable here (spec.md §3.3).
type GSIConfig struct {
	GSI1 KeyFunc
	GSI2 KeyFunc
	GSI3 KeyPairFunc
}
