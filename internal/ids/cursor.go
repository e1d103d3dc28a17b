package ids

import (
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// EncodeCursor turns a backend last-evaluated-key into an opaque
// URL-safe base64 token (spec.md §4.1.3), grounded in
// simplesingletable/utils.py's encode_pagination_key (there, boto3's
// client-level LEK is already JSON-native; here we round-trip through a
// generic Go value via attributevalue so the same JSON+base64 encoding
// applies).
func EncodeCursor(lastEvaluatedKey map[string]types.AttributeValue) (string, error) {
	var native map[string]interface{}
	if err := attributevalue.UnmarshalMap(lastEvaluatedKey, &native); err != nil {
		return "", err
	}
	plain, err := json.Marshal(native)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(plain), nil
}

// DecodeCursor reverses EncodeCursor. Decoding failures are tolerated by
// design (spec.md §4.1.3, §7 propagation policy): callers should log and
// proceed as though no cursor was supplied rather than fail the query.
func DecodeCursor(cursor string, logger *zap.Logger) map[string]types.AttributeValue {
	if cursor == "" {
		return nil
	}
	plain, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		if logger != nil {
			logger.Warn("pagination cursor failed to decode, proceeding without it", zap.Error(err))
		}
		return nil
	}
	var native map[string]interface{}
	if err := json.Unmarshal(plain, &native); err != nil {
		if logger != nil {
			logger.Warn("pagination cursor is not valid JSON, proceeding without it", zap.Error(err))
		}
		return nil
	}
	lek, err := attributevalue.MarshalMap(native)
	if err != nil {
		if logger != nil {
			logger.Warn("pagination cursor failed to marshal into attribute values, proceeding without it", zap.Error(err))
		}
		return nil
	}
	return lek
}
