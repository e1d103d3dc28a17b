package blob

import (
	"bytes"
	"encoding/json"

	"singletable/internal/wire"
)

// serialize turns a blob field value into its canonical on-disk bytes
// (spec.md §4.4.2 step 1): raw []byte passes through untouched; anything
// else is JSON-encoded, with wire.StringSet fields flattened to arrays so
// they round-trip through Get's reconstruction.
func serialize(value interface{}) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	return json.Marshal(flattenSets(value))
}

// deserialize attempts JSON-decode; on failure the caller falls back to
// the raw bytes (spec.md §4.4.3 step 3).
func deserialize(data []byte) (interface{}, bool) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func flattenSets(value interface{}) interface{} {
	switch v := value.(type) {
	case wire.StringSet:
		return v.ToSlice()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = flattenSets(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = flattenSets(e)
		}
		return out
	default:
		return v
	}
}
