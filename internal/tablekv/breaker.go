package tablekv

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker wrapping every TableClient
// RPC, adapted from the donor's internal/middleware.CircuitBreakerConfig
// (there wrapping an http.Handler; here wrapping backend calls directly,
// per SPEC_FULL.md §B).
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig mirrors the donor's DefaultCircuitBreakerConfig.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      3,
	}
}

// breakerClient wraps a TableClient so every RPC trips the same circuit
// breaker, isolating the rest of the engine from a backend in a failure
// loop.
type breakerClient struct {
	inner  TableClient
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// WithCircuitBreaker decorates inner with a gobreaker.CircuitBreaker,
// tripping on the same failure-ratio policy as the donor's HTTP middleware.
func WithCircuitBreaker(inner TableClient, cfg BreakerConfig, logger *zap.Logger) TableClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("table client circuit breaker state change",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})
	return &breakerClient{inner: inner, cb: cb, logger: logger}
}

func run[T any](c *breakerClient, fn func() (T, error)) (T, error) {
	var zero T
	out, err := c.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (c *breakerClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return run(c, func() (*dynamodb.GetItemOutput, error) { return c.inner.GetItem(ctx, params, optFns...) })
}

func (c *breakerClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return run(c, func() (*dynamodb.PutItemOutput, error) { return c.inner.PutItem(ctx, params, optFns...) })
}

func (c *breakerClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return run(c, func() (*dynamodb.UpdateItemOutput, error) { return c.inner.UpdateItem(ctx, params, optFns...) })
}

func (c *breakerClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return run(c, func() (*dynamodb.DeleteItemOutput, error) { return c.inner.DeleteItem(ctx, params, optFns...) })
}

func (c *breakerClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return run(c, func() (*dynamodb.QueryOutput, error) { return c.inner.Query(ctx, params, optFns...) })
}

func (c *breakerClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return run(c, func() (*dynamodb.TransactWriteItemsOutput, error) { return c.inner.TransactWriteItems(ctx, params, optFns...) })
}

func (c *breakerClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return run(c, func() (*dynamodb.BatchWriteItemOutput, error) { return c.inner.BatchWriteItem(ctx, params, optFns...) })
}

var _ TableClient = (*breakerClient)(nil)
