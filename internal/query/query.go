// Package query implements the paginated query engine (spec.md §4.3):
// cursor-based pagination over any index, recursive under-fill handling
// when a server-side or client-side filter thins a page below the
// caller's limit, API-call budgeting, and per-index cursor synthesis.
// Grounded in the donor's repository List* methods
// (internal/repository/ddb/ddb.go use of *dynamodb.Client.Query plus
// manual ExclusiveStartKey looping), generalized from one fixed entity
// type and index to the schema registry's heterogeneous types and four
// GSIs.
package query

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"singletable/internal/engine"
	"singletable/internal/ids"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/wire"
	apperrors "singletable/pkg/errors"
)

const (
	defaultResultsLimit          = 250
	defaultMaxAPICalls           = 10
	defaultFilterLimitMultiplier = 3
	maxPageSize                  = 1000
)

// ClassFn maps a raw backend item to the type name used to decode it,
// enabling polymorphic results from a shared index (spec.md §4.3.4).
type ClassFn func(item map[string]types.AttributeValue) (typeName string, err error)

// Input is one paginated_query invocation's parameters (spec.md §4.3.1).
type Input struct {
	Index tablekv.Index

	KeyConditionExpression   string
	ExpressionAttributeNames map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue

	// FilterExpression is pushed to the backend; it shares the same
	// ExpressionAttributeNames/Values namespace as the key condition.
	FilterExpression string

	// ClientFilter runs after decoding; items it rejects don't count
	// toward ResultsLimit.
	ClientFilter func(rec *schema.Record) bool

	// TypeName decodes every item as one fixed type. Ignored if ClassFn
	// is set.
	TypeName string
	ClassFn  ClassFn

	ResultsLimit          int
	MaxAPICalls           int
	PaginationKey         string
	Ascending             bool
	FilterLimitMultiplier int
}

// Result is one paginated_query response.
type Result struct {
	Records      []*schema.Record
	NextCursor   string
	APICallsUsed int
}

// MetricsSink receives per-invocation query budget observations.
// Implemented by *metrics.Collector; declared as an interface so this
// package never imports internal/metrics directly.
type MetricsSink interface {
	ObserveQueryAPICalls(calls int)
	ObserveQueryBudgetExhausted()
}

// Engine runs paginated queries against one physical table.
type Engine struct {
	table     tablekv.TableClient
	tableName string
	registry  *schema.Registry
	codec     *wire.Codec
	logger    *zap.Logger
	metrics   MetricsSink
	tracer    trace.Tracer
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMetrics installs a Prometheus-backed query budget observer.
func WithMetrics(m MetricsSink) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer installs an OpenTelemetry tracer around Run (spec.md §5).
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// New constructs a query Engine.
func New(table tablekv.TableClient, tableName string, registry *schema.Registry, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{table: table, tableName: tableName, registry: registry, codec: wire.NewCodec(), logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes in per spec.md §4.3.2, looping until limit is satisfied or
// the API-call budget runs out.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "query.Run")
		defer span.End()
	}

	limit := in.ResultsLimit
	if limit <= 0 {
		limit = defaultResultsLimit
	}
	maxAPICalls := in.MaxAPICalls
	if maxAPICalls <= 0 {
		maxAPICalls = defaultMaxAPICalls
	}
	multiplier := in.FilterLimitMultiplier
	if multiplier <= 0 {
		multiplier = defaultFilterLimitMultiplier
	}
	if multiplier < 1 {
		multiplier = 1
	}

	indexAttrs, err := projectedAttrs(in.Index)
	if err != nil {
		return nil, err
	}

	hasFilter := in.FilterExpression != "" || in.ClientFilter != nil

	cursor := ids.DecodeCursor(in.PaginationKey, e.logger)

	var records []*schema.Record
	var lastKeptItem map[string]types.AttributeValue
	apiCalls := 0
	remaining := limit

	for {
		pageSize := remaining
		if hasFilter {
			pageSize = remaining * multiplier
			if pageSize > maxPageSize {
				pageSize = maxPageSize
			}
		}
		if pageSize <= 0 {
			pageSize = 1
		}

		input := &dynamodb.QueryInput{
			TableName:                 aws.String(e.tableName),
			KeyConditionExpression:    aws.String(in.KeyConditionExpression),
			ExpressionAttributeNames:  in.ExpressionAttributeNames,
			ExpressionAttributeValues: in.ExpressionAttributeValues,
			Limit:                     aws.Int32(int32(pageSize)),
			ScanIndexForward:          aws.Bool(in.Ascending),
			ExclusiveStartKey:         cursor,
		}
		if in.Index != tablekv.IndexNone {
			input.IndexName = aws.String(string(in.Index))
		}
		if in.FilterExpression != "" {
			input.FilterExpression = aws.String(in.FilterExpression)
		}

		out, err := e.table.Query(ctx, input)
		if err != nil {
			return nil, translateQueryError(err)
		}
		apiCalls++

		for _, item := range out.Items {
			typeName, err := e.resolveTypeName(item, in)
			if err != nil {
				return nil, err
			}
			cfg, err := e.registry.Get(typeName)
			if err != nil {
				return nil, err
			}
			// Query results are never blob-hydrated here, so the
			// reconstructed placeholder.Key (unused) doesn't need the
			// blob store's prefix.
			rec, err := engine.DecodeItem(item, cfg, "")
			if err != nil {
				return nil, apperrors.NewInternal("decoding query result item", err)
			}
			fields, err := e.codec.DecodeFields(item, cfg, engine.ControlAttrs(cfg))
			if err != nil {
				return nil, apperrors.NewInternal("decoding query result fields", err)
			}
			rec.Fields = fields
			rec.TypeName = typeName

			if in.ClientFilter != nil && !in.ClientFilter(rec) {
				continue
			}
			records = append(records, rec)
			lastKeptItem = item
			if len(records) >= limit {
				break
			}
		}

		if len(records) >= limit {
			records = records[:limit]
			nextCursor := ""
			if lastKeptItem != nil {
				lek := projectCursor(lastKeptItem, indexAttrs)
				nextCursor, err = ids.EncodeCursor(lek)
				if err != nil {
					return nil, apperrors.NewInternal("encoding pagination cursor", err)
				}
			}
			e.observeAPICalls(apiCalls)
			return &Result{Records: records, NextCursor: nextCursor, APICallsUsed: apiCalls}, nil
		}

		remaining = limit - len(records)

		if len(out.LastEvaluatedKey) == 0 {
			e.observeAPICalls(apiCalls)
			return &Result{Records: records, NextCursor: "", APICallsUsed: apiCalls}, nil
		}
		if apiCalls >= maxAPICalls {
			// Budget exhausted with more data available (spec.md §4.3.2
			// step 6, §8.2 S4): the backend's LastEvaluatedKey marks the
			// last *evaluated* item, not the last *matched* one, so
			// resuming from it on the next call skips nothing — encode
			// it as the next cursor rather than dropping it.
			e.logger.Warn("paginated query stopped: api call budget exhausted with more data available",
				zap.Int("api_calls_used", apiCalls), zap.Int("max_api_calls", maxAPICalls))
			nextCursor, err := ids.EncodeCursor(out.LastEvaluatedKey)
			if err != nil {
				return nil, apperrors.NewInternal("encoding pagination cursor", err)
			}
			e.observeAPICalls(apiCalls)
			if e.metrics != nil {
				e.metrics.ObserveQueryBudgetExhausted()
			}
			return &Result{Records: records, NextCursor: nextCursor, APICallsUsed: apiCalls}, nil
		}
		cursor = out.LastEvaluatedKey
	}
}

func (e *Engine) observeAPICalls(calls int) {
	if e.metrics != nil {
		e.metrics.ObserveQueryAPICalls(calls)
	}
}

func (e *Engine) resolveTypeName(item map[string]types.AttributeValue, in Input) (string, error) {
	if in.ClassFn != nil {
		return in.ClassFn(item)
	}
	if in.TypeName != "" {
		return in.TypeName, nil
	}
	return "", apperrors.NewConfiguration("paginated_query requires either TypeName or ClassFn")
}

// projectedAttrs returns the control-attribute names a cursor for index
// must carry (spec.md §4.3.3).
func projectedAttrs(index tablekv.Index) ([]string, error) {
	switch index {
	case tablekv.IndexNone:
		return []string{ids.AttrPK, ids.AttrSK}, nil
	case tablekv.IndexGSIType:
		return []string{ids.AttrPK, ids.AttrSK, ids.AttrGSIType, ids.AttrGSITypeSK}, nil
	case tablekv.IndexGSI1:
		return []string{ids.AttrPK, ids.AttrSK, ids.AttrGSI1PK}, nil
	case tablekv.IndexGSI2:
		return []string{ids.AttrPK, ids.AttrSK, ids.AttrGSI2PK}, nil
	case tablekv.IndexGSI3:
		return []string{ids.AttrPK, ids.AttrSK, ids.AttrGSI3PK, ids.AttrGSI3SK}, nil
	default:
		return nil, apperrors.NewConfiguration("unrecognized index for cursor synthesis: " + string(index))
	}
}

func projectCursor(item map[string]types.AttributeValue, attrs []string) map[string]types.AttributeValue {
	lek := make(map[string]types.AttributeValue, len(attrs))
	for _, a := range attrs {
		if v, ok := item[a]; ok {
			lek[a] = v
		}
	}
	return lek
}
