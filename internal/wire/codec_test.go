package wire

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"singletable/internal/schema"
)

func TestEncodeDecodeRoundTrip_Uncompressed(t *testing.T) {
	codec := NewCodec()
	cfg := &schema.TypeConfig{
		Name:        "Product",
		FloatFields: map[string]struct{}{"price": {}, "discount": {}},
		SetFields:   map[string]struct{}{"tags": {}},
	}

	fields := map[string]any{
		"name":     "Widget",
		"price":    19.99,
		"discount": 0.05,
		"quantity": int64(1),
		"tags":     NewStringSet("a", "b"),
	}

	item, err := codec.EncodeFields(fields, cfg)
	require.NoError(t, err)

	// spec.md §8.2 S5: raw backend item carries decimals, not floats.
	priceAttr, ok := item["price"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "19.99", priceAttr.Value)

	decoded, err := codec.DecodeFields(item, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "Widget", decoded["name"])
	assert.InDelta(t, 19.99, decoded["price"], 0.0001)
	assert.InDelta(t, 0.05, decoded["discount"], 0.0001)
	assert.Equal(t, int64(1), decoded["quantity"])
	set, ok := decoded["tags"].(StringSet)
	require.True(t, ok)
	assert.True(t, set.Contains("a"))
	assert.True(t, set.Contains("b"))
}

func TestEncodeDecodeRoundTrip_Compressed(t *testing.T) {
	codec := NewCodec()
	cfg := &schema.TypeConfig{
		Name:     "Product",
		Compress: true,
	}
	fields := map[string]any{
		"name":  "Widget",
		"count": int64(3),
		"meta":  map[string]any{"weight": 1.5},
	}

	item, err := codec.EncodeFields(fields, cfg)
	require.NoError(t, err)
	_, hasData := item["data"]
	require.True(t, hasData)

	decoded, err := codec.DecodeFields(item, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "Widget", decoded["name"])
	assert.Equal(t, int64(3), decoded["count"])

	// Untyped nested leaves stay decimal (spec.md §8.1 float fidelity).
	meta := decoded["meta"].(map[string]any)
	d, ok := meta["weight"].(decimal.Decimal)
	require.True(t, ok)
	f, _ := d.Float64()
	assert.InDelta(t, 1.5, f, 0.0001)
}

func TestEmptySetOmitted(t *testing.T) {
	codec := NewCodec()
	cfg := &schema.TypeConfig{Name: "Product", SetFields: map[string]struct{}{"tags": {}}}
	item, err := codec.EncodeFields(map[string]any{"tags": NewStringSet()}, cfg)
	require.NoError(t, err)
	_, present := item["tags"]
	assert.False(t, present)
}
