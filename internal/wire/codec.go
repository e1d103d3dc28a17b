// Package wire implements the wire codec (spec.md §4.2.6): conversion
// between a schema.Record's generic field map and the backend's item
// attribute-value map, including the mandatory float-to-decimal boundary,
// gzip+JSON payload compression, and empty-set omission.
//
// Grounded in the donor's attributevalue.MarshalMap/UnmarshalMap usage
// (internal/repository/ddb/ddb.go, internal/infrastructure/dynamodb/
// node_repository.go) generalized from fixed structs to the heterogeneous
// field maps this engine needs; the float/decimal/set handling those
// structs never required is new, built against shopspring/decimal per
// spec.md's mandatory wire-boundary conversion.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"singletable/internal/schema"
)

// Codec converts schema.Record field maps to and from backend item
// attribute-value maps.
type Codec struct{}

// NewCodec returns a ready-to-use Codec. Codec is stateless and safe for
// concurrent use.
func NewCodec() *Codec { return &Codec{} }

// EncodeAny exposes the single-value half of the codec for callers
// building ad-hoc expression values outside a full record encode — the
// transaction coordinator's append-to-list operation (spec.md §4.6) needs
// the same mandatory float->decimal conversion as EncodeFields without
// encoding a whole field map.
func EncodeAny(v any) (types.AttributeValue, error) { return encodeValue(v) }

// EncodeFields converts rec's user fields into backend attributes per
// cfg.Compress (spec.md §4.2.6). Blob-configured fields are never included:
// callers (the persistence engine) strip them before calling EncodeFields
// and add the blob placeholder/control attributes separately.
func (c *Codec) EncodeFields(fields map[string]any, cfg *schema.TypeConfig) (map[string]types.AttributeValue, error) {
	clean := CleanMap(fields)

	if cfg.Compress {
		payload, err := json.Marshal(clean)
		if err != nil {
			return nil, fmt.Errorf("marshaling compressed payload: %w", err)
		}
		gzipped, err := gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("gzipping compressed payload: %w", err)
		}
		return map[string]types.AttributeValue{
			"data": &types.AttributeValueMemberB{Value: gzipped},
		}, nil
	}

	out := make(map[string]types.AttributeValue, len(clean))
	for name, v := range clean {
		if v == nil {
			continue
		}
		if s, ok := v.(StringSet); ok && len(s) == 0 {
			continue // spec.md §3.2/§4.2.6: empty sets are omitted, never written null.
		}
		av, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding field %q: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

// DecodeFields reverses EncodeFields. controlAttrs names backend
// attributes to exclude from the result (pk, sk, gsi*, _blob_fields,
// _blob_versions, the TTL attribute, and the base record keys) — spec.md
// §4.2.6 "Decoding the uncompressed form must exclude backend control
// attributes".
func (c *Codec) DecodeFields(item map[string]types.AttributeValue, cfg *schema.TypeConfig, controlAttrs map[string]struct{}) (map[string]any, error) {
	if b, ok := item["data"]; ok {
		bm, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return nil, fmt.Errorf("compressed payload attribute %q is not binary", "data")
		}
		plain, err := gunzipBytes(bm.Value)
		if err != nil {
			return nil, fmt.Errorf("gunzipping compressed payload: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(plain))
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("unmarshaling compressed payload: %w", err)
		}
		fields, ok := normalizeJSON(raw).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("compressed payload did not decode to an object")
		}
		return coerceTopLevel(fields, cfg), nil
	}

	out := make(map[string]any, len(item))
	for name, av := range item {
		if _, skip := controlAttrs[name]; skip {
			continue
		}
		v, err := decodeValue(av)
		if err != nil {
			return nil, fmt.Errorf("decoding field %q: %w", name, err)
		}
		out[name] = v
	}
	return coerceTopLevel(out, cfg), nil
}

// coerceTopLevel applies FloatFields/SetFields coercion (spec.md §4.2.6,
// §8.1 "float fidelity"): fields typed float/list<float> decode to
// float64, fields typed set-of decode to StringSet, built from whatever
// list/native-set shape is present. Everything else is left as decoded
// (decimal.Decimal for any N leaf with a fractional part, int64
// otherwise).
func coerceTopLevel(fields map[string]any, cfg *schema.TypeConfig) map[string]any {
	for name, v := range fields {
		switch {
		case cfg.IsFloatField(name):
			fields[name] = coerceToFloat(v)
		case cfg.IsSetField(name):
			fields[name] = coerceToSet(v)
		}
	}
	return fields
}

func coerceToFloat(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		f, _ := t.Float64()
		return f
	case int64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = coerceToFloat(e)
		}
		return out
	default:
		return v
	}
}

func coerceToSet(v any) any {
	switch t := v.(type) {
	case StringSet:
		return t
	case []any:
		s := make(StringSet, len(t))
		for _, e := range t {
			if str, ok := e.(string); ok {
				s.Add(str)
			}
		}
		return s
	case []string:
		return NewStringSet(t...)
	default:
		return v
	}
}

// encodeValue converts a Go value into a backend attribute value,
// recursively and mandatorily converting float64 to decimal (spec.md
// §4.2.6: "mandatory and recursive into nested maps/lists").
func encodeValue(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: t}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}, nil
	case decimal.Decimal:
		return &types.AttributeValueMemberN{Value: t.String()}, nil
	case float32:
		return &types.AttributeValueMemberN{Value: decimal.NewFromFloat32(t).String()}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: decimal.NewFromFloat(t).String()}, nil
	case int:
		return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t)}, nil
	case int32:
		return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t)}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t)}, nil
	case StringSet:
		if len(t) == 0 {
			return &types.AttributeValueMemberNULL{Value: true}, nil
		}
		return &types.AttributeValueMemberSS{Value: t.ToSlice()}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			av, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	}

	// Fall back to reflection for concrete slice/map types ([]string,
	// map[string]int, ...) so callers aren't forced to pre-box every
	// value as interface{}.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		l := make([]types.AttributeValue, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			av, err := encodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case reflect.Map:
		m := make(map[string]types.AttributeValue, rv.Len())
		for _, k := range rv.MapKeys() {
			av, err := encodeValue(rv.MapIndex(k).Interface())
			if err != nil {
				return nil, err
			}
			m[fmt.Sprintf("%v", k.Interface())] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}

	return nil, fmt.Errorf("wire: unsupported value type %T", v)
}

// decodeValue reverses encodeValue. N attributes without a fractional
// part decode to int64; with one, to decimal.Decimal — callers apply
// coerceToFloat when the schema declares the field as float (spec.md
// §4.2.6, §8.1).
func decodeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		return t.Value, nil
	case *types.AttributeValueMemberBOOL:
		return t.Value, nil
	case *types.AttributeValueMemberB:
		return t.Value, nil
	case *types.AttributeValueMemberSS:
		return NewStringSet(t.Value...), nil
	case *types.AttributeValueMemberN:
		if !strings.Contains(t.Value, ".") {
			var n int64
			if _, err := fmt.Sscanf(t.Value, "%d", &n); err == nil {
				return n, nil
			}
		}
		d, err := decimal.NewFromString(t.Value)
		if err != nil {
			return nil, fmt.Errorf("parsing numeric attribute %q: %w", t.Value, err)
		}
		return d, nil
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(t.Value))
		for i, e := range t.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("wire: unsupported attribute value %T", av)
}

// CleanMap normalizes a field map the way models.py's clean_data does
// before JSON-encoding it for the compressed payload: time.Time becomes
// an RFC3339 string and empty sets are dropped, so the compressed form's
// attribute shapes match the uncompressed form's (spec.md §9 "Open
// question — compressed update preservation" and SPEC_FULL.md §C.6).
func CleanMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(StringSet); ok && len(s) == 0 {
			continue
		}
		out[k] = CleanValue(v)
	}
	return out
}

// CleanValue applies the same normalization as CleanMap to a single value,
// recursing into maps and slices.
func CleanValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case StringSet:
		return t.ToSlice()
	case map[string]any:
		return CleanMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CleanValue(e)
		}
		return out
	default:
		return v
	}
}

// normalizeJSON converts the generic values produced by json.Decoder (with
// UseNumber) into the same shapes decodeValue produces from attribute
// values, so compressed and uncompressed decoding agree: json.Number
// becomes int64 or decimal.Decimal by the same no-fractional-part rule,
// map[string]interface{}/[]interface{} recurse into map[string]any/[]any.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.Contains(s, ".") && !strings.ContainsAny(s, "eE") {
			var n int64
			if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
				return n
			}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return s
		}
		return d
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeJSON(e)
		}
		return out
	default:
		return v
	}
}

func gzipBytes(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(gzipped []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
