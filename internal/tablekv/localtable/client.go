package localtable

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"singletable/internal/tablekv"
)

// Client implements tablekv.TableClient against on-disk JSON tables, for
// offline development and tests that would otherwise need DynamoDB Local
// (spec.md §6.1, §9 component C9).
type Client struct {
	dir string

	mu     sync.Mutex
	tables map[string]*Table
}

// NewClient returns a Client that opens one Table file per table name,
// lazily, under dir.
func NewClient(dir string) *Client {
	return &Client{dir: dir, tables: make(map[string]*Table)}
}

func (c *Client) table(name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[name]; ok {
		return t, nil
	}
	t, err := Open(c.dir, name)
	if err != nil {
		return nil, err
	}
	c.tables[name] = t
	return t, nil
}

func keyParts(key map[string]types.AttributeValue) (pk, sk string, err error) {
	pkAV, ok := key["pk"]
	if !ok {
		return "", "", fmt.Errorf("key missing pk")
	}
	pkS, ok := pkAV.(*types.AttributeValueMemberS)
	if !ok {
		return "", "", fmt.Errorf("pk is not a string attribute")
	}
	skS := ""
	if skAV, ok := key["sk"]; ok {
		if s, ok := skAV.(*types.AttributeValueMemberS); ok {
			skS = s.Value
		}
	}
	return pkS.Value, skS, nil
}

func buildSub(names map[string]string, values map[string]types.AttributeValue) substitutions {
	return substitutions{names: names, values: values}
}

func (c *Client) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t, err := c.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	pk, sk, err := keyParts(params.Key)
	if err != nil {
		return nil, err
	}
	it, ok := t.get(pk, sk)
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: it}, nil
}

func (c *Client) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	t, err := c.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	pk, sk, err := keyParts(params.Item)
	if err != nil {
		return nil, err
	}
	existing, _ := t.get(pk, sk)
	sub := buildSub(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if ok, err := evalCondition(aws.ToString(params.ConditionExpression), existing, sub); err != nil {
		return nil, err
	} else if !ok {
		return nil, conditionalCheckFailed()
	}
	if err := t.put(pk, sk, item(params.Item)); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (c *Client) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	t, err := c.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	pk, sk, err := keyParts(params.Key)
	if err != nil {
		return nil, err
	}
	existing, _ := t.get(pk, sk)
	sub := buildSub(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if ok, err := evalCondition(aws.ToString(params.ConditionExpression), existing, sub); err != nil {
		return nil, err
	} else if !ok {
		return nil, conditionalCheckFailed()
	}
	base := existing
	if base == nil {
		base = item{}
		for k, v := range params.Key {
			base[k] = v
		}
	}
	updated, err := applyUpdate(aws.ToString(params.UpdateExpression), base, sub)
	if err != nil {
		return nil, err
	}
	if err := t.put(pk, sk, updated); err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: updated}, nil
}

func (c *Client) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	t, err := c.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	pk, sk, err := keyParts(params.Key)
	if err != nil {
		return nil, err
	}
	existing, _ := t.get(pk, sk)
	sub := buildSub(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if ok, err := evalCondition(aws.ToString(params.ConditionExpression), existing, sub); err != nil {
		return nil, err
	} else if !ok {
		return nil, conditionalCheckFailed()
	}
	if err := t.delete(pk, sk); err != nil {
		return nil, err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query supports the engine's two query shapes: the base table (pk hash +
// sk range/begins_with) and any of the four GSIs (spec.md §3.3, §4.3),
// selected via params.IndexName. Pagination is emulated with
// ExclusiveStartKey/LastEvaluatedKey carrying the same pk/sk pair the real
// table would.
func (c *Client) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	t, err := c.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	hashAttr, sortAttr, err := indexAttrs(aws.ToString(params.IndexName))
	if err != nil {
		return nil, err
	}
	sub := buildSub(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	hashVal, err := extractHashValue(aws.ToString(params.KeyConditionExpression), hashAttr, sub)
	if err != nil {
		return nil, err
	}
	all := t.scanIndex(hashAttr, hashVal, sortAttr)

	var matches []item
	for _, it := range all {
		ok, err := evalCondition(aws.ToString(params.KeyConditionExpression), it, sub)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if params.FilterExpression != nil {
			fok, err := evalCondition(aws.ToString(params.FilterExpression), it, sub)
			if err != nil {
				return nil, err
			}
			if !fok {
				continue
			}
		}
		matches = append(matches, it)
	}

	start := 0
	if len(params.ExclusiveStartKey) > 0 {
		spk, ssk, err := keyParts(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, it := range matches {
			ipk, _ := it["pk"].(*types.AttributeValueMemberS)
			isk, _ := it["sk"].(*types.AttributeValueMemberS)
			if ipk != nil && ipk.Value == spk && ((isk == nil && ssk == "") || (isk != nil && isk.Value == ssk)) {
				start = i + 1
				break
			}
		}
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		reversed := make([]item, len(matches))
		for i, it := range matches {
			reversed[len(matches)-1-i] = it
		}
		matches = reversed
		start = 0
		if len(params.ExclusiveStartKey) > 0 {
			spk, ssk, _ := keyParts(params.ExclusiveStartKey)
			for i, it := range matches {
				ipk, _ := it["pk"].(*types.AttributeValueMemberS)
				isk, _ := it["sk"].(*types.AttributeValueMemberS)
				if ipk != nil && ipk.Value == spk && ((isk == nil && ssk == "") || (isk != nil && isk.Value == ssk)) {
					start = i + 1
					break
				}
			}
		}
	}
	if start > len(matches) {
		start = len(matches)
	}
	page := matches[start:]

	limit := len(page)
	if params.Limit != nil && int(*params.Limit) < limit {
		limit = int(*params.Limit)
	}
	page = page[:limit]

	out := &dynamodb.QueryOutput{
		Count:        int32(len(page)),
		ScannedCount: int32(len(page)),
	}
	for _, it := range page {
		out.Items = append(out.Items, map[string]types.AttributeValue(it))
	}
	if start+limit < len(matches) && len(page) > 0 {
		last := page[len(page)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
	}
	return out, nil
}

func indexAttrs(indexName string) (hashAttr, sortAttr string, err error) {
	switch tablekv.Index(indexName) {
	case tablekv.IndexNone:
		return "pk", "sk", nil
	case tablekv.IndexGSIType:
		return "gsitype", "gsitypesk", nil
	case tablekv.IndexGSI1:
		return "gsi1pk", "pk", nil
	case tablekv.IndexGSI2:
		return "gsi2pk", "pk", nil
	case tablekv.IndexGSI3:
		return "gsi3pk", "gsi3sk", nil
	default:
		return "", "", fmt.Errorf("unknown index %q", indexName)
	}
}

// extractHashValue pulls the hash-key equality value out of a
// KeyConditionExpression built by expression.Builder, whose first (and
// possibly only) AND-clause is always "<hashAttr> = :value".
func extractHashValue(expr, hashAttr string, sub substitutions) (string, error) {
	clauses := splitTopLevelAnd(expr)
	if len(clauses) == 0 {
		return "", fmt.Errorf("empty key condition expression")
	}
	first := clauses[0]
	var idx int
	for i := 0; i < len(first)-2; i++ {
		if first[i] == ' ' && first[i+1] == '=' && first[i+2] == ' ' {
			idx = i
			break
		}
	}
	if idx == 0 {
		return "", fmt.Errorf("malformed key condition expression: %q", expr)
	}
	rhs := first[idx+3:]
	val, ok := sub.resolveValue(rhs)
	if !ok {
		return "", fmt.Errorf("unresolved hash key value in %q", expr)
	}
	return asString(val)
}

func (c *Client) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	for tableName, reqs := range params.RequestItems {
		t, err := c.table(tableName)
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			switch {
			case req.PutRequest != nil:
				pk, sk, err := keyParts(req.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				if err := t.put(pk, sk, item(req.PutRequest.Item)); err != nil {
					return nil, err
				}
			case req.DeleteRequest != nil:
				pk, sk, err := keyParts(req.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				if err := t.delete(pk, sk); err != nil {
					return nil, err
				}
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// TransactWriteItems applies every op against a copy of each affected
// item, validating all conditions before committing any of them, so a
// single failing condition leaves the table untouched (spec.md §4.2.2
// atomic multi-item commit).
func (c *Client) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	type plannedWrite struct {
		table  *Table
		pk, sk string
		delete bool
		item   item
	}
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	var failed bool
	var planned []plannedWrite

	for i, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			t, err := c.table(aws.ToString(ti.Put.TableName))
			if err != nil {
				return nil, err
			}
			pk, sk, err := keyParts(ti.Put.Item)
			if err != nil {
				return nil, err
			}
			existing, _ := t.get(pk, sk)
			sub := buildSub(ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues)
			ok, err := evalCondition(aws.ToString(ti.Put.ConditionExpression), existing, sub)
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			planned = append(planned, plannedWrite{table: t, pk: pk, sk: sk, item: item(ti.Put.Item)})
		case ti.Update != nil:
			t, err := c.table(aws.ToString(ti.Update.TableName))
			if err != nil {
				return nil, err
			}
			pk, sk, err := keyParts(ti.Update.Key)
			if err != nil {
				return nil, err
			}
			existing, _ := t.get(pk, sk)
			sub := buildSub(ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			ok, err := evalCondition(aws.ToString(ti.Update.ConditionExpression), existing, sub)
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			base := existing
			if base == nil {
				base = item{}
				for k, v := range ti.Update.Key {
					base[k] = v
				}
			}
			updated, err := applyUpdate(aws.ToString(ti.Update.UpdateExpression), base, sub)
			if err != nil {
				return nil, err
			}
			planned = append(planned, plannedWrite{table: t, pk: pk, sk: sk, item: updated})
		case ti.Delete != nil:
			t, err := c.table(aws.ToString(ti.Delete.TableName))
			if err != nil {
				return nil, err
			}
			pk, sk, err := keyParts(ti.Delete.Key)
			if err != nil {
				return nil, err
			}
			existing, _ := t.get(pk, sk)
			sub := buildSub(ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues)
			ok, err := evalCondition(aws.ToString(ti.Delete.ConditionExpression), existing, sub)
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			planned = append(planned, plannedWrite{table: t, pk: pk, sk: sk, delete: true})
		case ti.ConditionCheck != nil:
			t, err := c.table(aws.ToString(ti.ConditionCheck.TableName))
			if err != nil {
				return nil, err
			}
			pk, sk, err := keyParts(ti.ConditionCheck.Key)
			if err != nil {
				return nil, err
			}
			existing, _ := t.get(pk, sk)
			sub := buildSub(ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues)
			ok, err := evalCondition(aws.ToString(ti.ConditionCheck.ConditionExpression), existing, sub)
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:           aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range planned {
		if w.delete {
			if err := w.table.delete(w.pk, w.sk); err != nil {
				return nil, err
			}
			continue
		}
		if err := w.table.put(w.pk, w.sk, w.item); err != nil {
			return nil, err
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func conditionalCheckFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

var _ tablekv.TableClient = (*Client)(nil)
