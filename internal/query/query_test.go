package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"singletable/internal/blob"
	"singletable/internal/engine"
	"singletable/internal/ids"
	"singletable/internal/objectstore/localobjects"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/tablekv/localtable"
)

// fakeQueryMetrics records observations without requiring a live
// Prometheus registry, keeping this test independent of internal/metrics'
// process-wide collector singleton.
type fakeQueryMetrics struct {
	apiCallObservations []int
	budgetExhausted      int
}

func (f *fakeQueryMetrics) ObserveQueryAPICalls(calls int)  { f.apiCallObservations = append(f.apiCallObservations, calls) }
func (f *fakeQueryMetrics) ObserveQueryBudgetExhausted()    { f.budgetExhausted++ }

func newTestEngine(t *testing.T) (*engine.Engine, *schema.Registry, tablekv.TableClient) {
	t.Helper()
	dir := t.TempDir()
	table := localtable.NewClient(dir)

	objDir := t.TempDir()
	objects, err := localobjects.New(objDir)
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.TypeConfig{
		Name: "Note",
		GSI:  schema.GSIConfig{GSI1: schema.Static("ALL_NOTES")},
	}))

	blobStore := blob.NewStore(objects, registry, blob.CacheConfig{MaxItems: 10, MaxSizeBytes: 1 << 20}, "", zap.NewNop())
	eng := engine.New(table, "test-table", registry, blobStore, zap.NewNop())
	return eng, registry, table
}

func TestRunPaginatesAcrossGSIType(t *testing.T) {
	eng, registry, table := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := eng.CreateNew(ctx, "Note", map[string]any{"title": "note"}, "", "", nil)
		require.NoError(t, err)
	}

	q := New(table, "test-table", registry, zap.NewNop())

	keyCond := expression.Key("gsitype").Equal(expression.Value("Note"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	require.NoError(t, err)

	res, err := q.Run(ctx, Input{
		Index:                     tablekv.IndexGSIType,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  "Note",
		ResultsLimit:              2,
		MaxAPICalls:               10,
		Ascending:                 true,
	})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.NotEmpty(t, res.NextCursor)

	collected, err := q.Collect(ctx, Input{
		Index:                     tablekv.IndexGSIType,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  "Note",
		ResultsLimit:              2,
		MaxAPICalls:               10,
		Ascending:                 true,
	}, 0)
	require.NoError(t, err)
	assert.Len(t, collected, 5)
}

func TestRunObservesBudgetExhaustedWhenAPICallsRunOut(t *testing.T) {
	eng, registry, table := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := eng.CreateNew(ctx, "Note", map[string]any{"title": "note"}, "", "", nil)
		require.NoError(t, err)
	}

	fm := &fakeQueryMetrics{}
	q := New(table, "test-table", registry, zap.NewNop(), WithMetrics(fm))

	keyCond := expression.Key("gsitype").Equal(expression.Value("Note"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	require.NoError(t, err)

	// A client-side filter that rejects everything forces the engine to
	// keep paginating without ever satisfying ResultsLimit, burning the
	// api-call budget.
	res, err := q.Run(ctx, Input{
		Index:                     tablekv.IndexGSIType,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  "Note",
		ClientFilter:              func(rec *schema.Record) bool { return false },
		ResultsLimit:              1,
		MaxAPICalls:               1,
		FilterLimitMultiplier:     1,
		Ascending:                 true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	// S4: budget exhaustion with more data available still yields a
	// usable cursor — the backend's LastEvaluatedKey marks the last
	// evaluated item, so resuming from it skips nothing.
	assert.NotEmpty(t, res.NextCursor)
	assert.Equal(t, 1, fm.budgetExhausted)
	assert.NotEmpty(t, fm.apiCallObservations)
}

// TestCursorReconstructionUnderTrimmingGSI3 covers spec.md §8.2 S7: when
// the engine trims a page down to the caller's limit, the synthesized
// next_cursor must project exactly {pk, sk, gsi3pk, gsi3sk} from the last
// kept record, and a follow-up query using that cursor must resume
// correctly from the next item.
func TestCursorReconstructionUnderTrimmingGSI3(t *testing.T) {
	dir := t.TempDir()
	table := localtable.NewClient(dir)
	objDir := t.TempDir()
	objects, err := localobjects.New(objDir)
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.TypeConfig{
		Name: "Task",
		GSI: schema.GSIConfig{
			GSI3: schema.Pair(func(r *schema.Record) (string, string, bool) {
				seq, _ := r.Fields["seq"].(int64)
				return "ALL_TASKS", fmt.Sprintf("%03d", seq), true
			}),
		},
	}))

	blobStore := blob.NewStore(objects, registry, blob.CacheConfig{MaxItems: 10, MaxSizeBytes: 1 << 20}, "", zap.NewNop())
	eng := engine.New(table, "test-table", registry, blobStore, zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := eng.CreateNew(ctx, "Task", map[string]any{"seq": int64(i)}, "", "", nil)
		require.NoError(t, err)
	}

	q := New(table, "test-table", registry, zap.NewNop())
	keyCond := expression.Key("gsi3pk").Equal(expression.Value("ALL_TASKS"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	require.NoError(t, err)

	res, err := q.Run(ctx, Input{
		Index:                     tablekv.IndexGSI3,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  "Task",
		ResultsLimit:              2,
		MaxAPICalls:               10,
		Ascending:                 true,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.EqualValues(t, 1, res.Records[0].Fields["seq"])
	assert.EqualValues(t, 2, res.Records[1].Fields["seq"])
	require.NotEmpty(t, res.NextCursor)

	lek := ids.DecodeCursor(res.NextCursor, zap.NewNop())
	assert.ElementsMatch(t, []string{"pk", "sk", "gsi3pk", "gsi3sk"}, attrNames(lek))

	res2, err := q.Run(ctx, Input{
		Index:                     tablekv.IndexGSI3,
		KeyConditionExpression:    *expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		TypeName:                  "Task",
		ResultsLimit:              3,
		MaxAPICalls:               10,
		Ascending:                 true,
		PaginationKey:             res.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, res2.Records, 3)
	assert.EqualValues(t, 3, res2.Records[0].Fields["seq"])
	assert.EqualValues(t, 4, res2.Records[1].Fields["seq"])
	assert.EqualValues(t, 5, res2.Records[2].Fields["seq"])
}

func attrNames(m map[string]types.AttributeValue) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
