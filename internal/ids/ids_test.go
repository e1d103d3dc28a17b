package ids_test

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"singletable/internal/ids"
)

func TestKeyPrefixFromTypeName(t *testing.T) {
	assert.Equal(t, "DOCUMENT", ids.KeyPrefixFromTypeName("Document"))
	assert.Equal(t, "AUDITLOG", ids.KeyPrefixFromTypeName("Audit_Log"))
}

func TestBuildPKAndSK(t *testing.T) {
	pk := ids.BuildPK("DOC", "01HXYZ")
	assert.Equal(t, "DOC#01HXYZ", pk)
	assert.Equal(t, pk, ids.NonVersionedSK(pk))
	assert.Equal(t, "v0", ids.V0SortKey)
	assert.Equal(t, "v12", ids.VersionSK(12))
}

func TestNewIDIsSortableAndUnique(t *testing.T) {
	now := time.Now()
	a := ids.NewID(now)
	b := ids.NewID(now.Add(time.Millisecond))
	require.Len(t, a, 26)
	require.Len(t, b, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}

func TestDeterministicIDIsStable(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := ids.DeterministicID(at)
	b := ids.DeterministicID(at)
	assert.Equal(t, a, b)

	upper := ids.WidenUpperBound(a)
	assert.True(t, upper > a)
}

func TestCursorRoundTrip(t *testing.T) {
	lek := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "DOC#1"},
		"sk": &types.AttributeValueMemberS{Value: "v0"},
	}
	token, err := ids.EncodeCursor(lek)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded := ids.DecodeCursor(token, nil)
	require.NotNil(t, decoded)
	pk, ok := decoded["pk"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "DOC#1", pk.Value)
}

func TestDecodeCursorToleratesGarbage(t *testing.T) {
	assert.Nil(t, ids.DecodeCursor("not-valid-base64!!", nil))
	assert.Nil(t, ids.DecodeCursor("", nil))
}
