// Package tablekv defines the backend contract the persistence, query and
// transaction-coordinator components depend on (spec.md §6.1): a
// composite-key table with conditional writes, transactional multi-item
// writes, batched deletes and indexed queries. TableClient's method set
// mirrors *dynamodb.Client directly, the same way the donor's
// NodeRepository/DynamoDBUnitOfWork take a concrete *dynamodb.Client — so
// the real client satisfies it with no adapter, and the circuit-breaker
// decorator and the local filesystem backend (internal/tablekv/localtable)
// satisfy it as drop-in alternatives.
package tablekv

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// TableClient is the subset of *dynamodb.Client operations the engine
// needs (spec.md §6.1).
type TableClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ TableClient = (*dynamodb.Client)(nil)

// Index names the engine's four GSIs (spec.md §3.3, §6.1).
type Index string

const (
	IndexNone    Index = ""
	IndexGSIType Index = "gsitype"
	IndexGSI1    Index = "gsi1"
	IndexGSI2    Index = "gsi2"
	IndexGSI3    Index = "gsi3"
)
