package localtable

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tagged is the on-disk JSON shape for one attribute value: the same
// single-key-per-type tagging DynamoDB's own wire format uses (e.g.
// {"S":"foo"}, {"N":"19.99"}), chosen so numeric strings round-trip
// without the float precision loss a plain JSON number would introduce.
type tagged map[string]interface{}

func avToTagged(v types.AttributeValue) (tagged, error) {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return tagged{"S": tv.Value}, nil
	case *types.AttributeValueMemberN:
		return tagged{"N": tv.Value}, nil
	case *types.AttributeValueMemberBOOL:
		return tagged{"BOOL": tv.Value}, nil
	case *types.AttributeValueMemberNULL:
		return tagged{"NULL": tv.Value}, nil
	case *types.AttributeValueMemberB:
		return tagged{"B": tv.Value}, nil
	case *types.AttributeValueMemberSS:
		return tagged{"SS": tv.Value}, nil
	case *types.AttributeValueMemberNS:
		return tagged{"NS": tv.Value}, nil
	case *types.AttributeValueMemberL:
		list := make([]interface{}, len(tv.Value))
		for i, e := range tv.Value {
			t, err := avToTagged(e)
			if err != nil {
				return nil, err
			}
			list[i] = t
		}
		return tagged{"L": list}, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]interface{}, len(tv.Value))
		for k, e := range tv.Value {
			t, err := avToTagged(e)
			if err != nil {
				return nil, err
			}
			m[k] = t
		}
		return tagged{"M": m}, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

func taggedToAV(raw interface{}) (types.AttributeValue, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed attribute value: expected object, got %T", raw)
	}
	for tag, val := range m {
		switch tag {
		case "S":
			s, _ := val.(string)
			return &types.AttributeValueMemberS{Value: s}, nil
		case "N":
			s, _ := val.(string)
			return &types.AttributeValueMemberN{Value: s}, nil
		case "BOOL":
			b, _ := val.(bool)
			return &types.AttributeValueMemberBOOL{Value: b}, nil
		case "NULL":
			b, _ := val.(bool)
			return &types.AttributeValueMemberNULL{Value: b}, nil
		case "B":
			s, _ := val.(string)
			return &types.AttributeValueMemberB{Value: []byte(s)}, nil
		case "SS":
			items, _ := val.([]interface{})
			ss := make([]string, len(items))
			for i, it := range items {
				ss[i], _ = it.(string)
			}
			return &types.AttributeValueMemberSS{Value: ss}, nil
		case "NS":
			items, _ := val.([]interface{})
			ns := make([]string, len(items))
			for i, it := range items {
				ns[i], _ = it.(string)
			}
			return &types.AttributeValueMemberNS{Value: ns}, nil
		case "L":
			items, _ := val.([]interface{})
			list := make([]types.AttributeValue, len(items))
			for i, it := range items {
				av, err := taggedToAV(it)
				if err != nil {
					return nil, err
				}
				list[i] = av
			}
			return &types.AttributeValueMemberL{Value: list}, nil
		case "M":
			fields, _ := val.(map[string]interface{})
			out := make(map[string]types.AttributeValue, len(fields))
			for k, fv := range fields {
				av, err := taggedToAV(fv)
				if err != nil {
					return nil, err
				}
				out[k] = av
			}
			return &types.AttributeValueMemberM{Value: out}, nil
		}
	}
	return nil, fmt.Errorf("malformed attribute value: no recognized tag in %v", m)
}

func marshalRowToAV(r row) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(r))
	for k, v := range r {
		av, err := taggedToAV(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func unmarshalAVToRow(it item) (row, error) {
	out := make(row, len(it))
	for k, v := range it {
		t, err := avToTagged(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = map[string]interface{}(t)
	}
	return out, nil
}
