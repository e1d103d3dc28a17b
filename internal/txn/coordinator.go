// Package txn implements the transaction coordinator (spec.md §4.6): a
// caller-opened context that accumulates heterogeneous writes addressed to
// the backend's single transact-write RPC, retries on conflict, and gives
// callers snapshot- or read-committed-flavored intra-transaction reads plus
// visibility into not-yet-committed creates.
//
// Grounded in the donor's DynamoDBUnitOfWork (internal/infrastructure/
// dynamodb), which accumulates repository operations behind a single
// TransactWriteItems call per request; this package generalizes that
// pattern from one fixed entity type to the schema registry's
// heterogeneous record types and adds the read-isolation and retry
// behavior spec.md §4.6 and §5 call for.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"singletable/internal/engine"
	"singletable/internal/ids"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/wire"
	apperrors "singletable/pkg/errors"
)

// maxTransactItems is DynamoDB's hard per-call limit on TransactWriteItems
// (spec.md §4.6 "Up to 100 items per transaction").
const maxTransactItems = 100

// Isolation selects how Coordinator.Get resolves a read against a key this
// transaction has not itself written (spec.md §5 "Intra-transaction reads
// hit a local read cache (snapshot isolation) or refetch (read_committed)").
type Isolation int

const (
	// Snapshot serves repeated reads of the same key from the first value
	// observed in this transaction, ignoring concurrent external writes.
	Snapshot Isolation = iota
	// ReadCommitted refetches from the backend on every Get, so later
	// reads can observe commits made by other callers mid-transaction.
	ReadCommitted
)

// pendingKey identifies one backend item by (pk, sk), the unit Get and the
// write queue both key off.
type pendingKey struct{ pk, sk string }

// MetricsSink receives commit outcome counts. Implemented by
// *metrics.Collector; declared as an interface so this package never
// imports internal/metrics directly.
type MetricsSink interface {
	ObserveTransactionCommit()
	ObserveTransactionRetry()
}

// Coordinator accumulates operations for one transaction. It is not safe
// for concurrent use by multiple goroutines — spec.md models it as a
// caller-opened context, one per logical unit of work.
type Coordinator struct {
	table      tablekv.TableClient
	tableName  string
	registry   *schema.Registry
	codec      *wire.Codec
	logger     *zap.Logger
	metrics    MetricsSink
	tracer     trace.Tracer
	clock      func() time.Time
	isolation  Isolation
	maxRetries int
	autoRetry  bool

	// correlationID identifies this transaction instance across log lines
	// and trace spans, independent of any record id it writes.
	correlationID string

	mu             sync.Mutex
	items          []types.TransactWriteItem
	pendingCreates map[pendingKey]*schema.Record
	readCache      map[pendingKey]*schema.Record
	committed      bool
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithIsolation sets the intra-transaction read isolation level. Default
// is Snapshot.
func WithIsolation(level Isolation) Option { return func(c *Coordinator) { c.isolation = level } }

// WithRetry enables automatic retry of a cancelled commit up to maxRetries
// attempts (spec.md §4.6 "Conflict ... triggers retry up to max_retries if
// auto_retry; otherwise surfaces as a version-conflict error").
func WithRetry(maxRetries int) Option {
	return func(c *Coordinator) { c.autoRetry = true; c.maxRetries = maxRetries }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(c *Coordinator) { c.clock = clock } }

// WithMetrics installs a Prometheus-backed commit/retry counter sink.
func WithMetrics(m MetricsSink) Option { return func(c *Coordinator) { c.metrics = m } }

// WithTracer installs an OpenTelemetry tracer around Commit.
func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

// New opens a transaction coordinator over table/tableName.
func New(table tablekv.TableClient, tableName string, registry *schema.Registry, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		table:          table,
		tableName:      tableName,
		registry:       registry,
		codec:          wire.NewCodec(),
		logger:         logger,
		clock:          time.Now,
		pendingCreates: map[pendingKey]*schema.Record{},
		readCache:      map[pendingKey]*schema.Record{},
		correlationID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CorrelationID identifies this transaction instance across log lines and
// trace spans.
func (c *Coordinator) CorrelationID() string { return c.correlationID }

// Rollback discards every queued operation without issuing any backend
// call (spec.md §4.6 "Exception inside the context = rollback"). Call it
// from a deferred recover or an error path instead of Commit.
func (c *Coordinator) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.pendingCreates = map[pendingKey]*schema.Record{}
	c.readCache = map[pendingKey]*schema.Record{}
}

func (c *Coordinator) enqueue(pk, sk string, item types.TransactWriteItem, observable *schema.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= maxTransactItems {
		return apperrors.NewValidation("transaction exceeds the 100-item backend limit")
	}
	c.items = append(c.items, item)
	key := pendingKey{pk: pk, sk: sk}
	if observable != nil {
		c.pendingCreates[key] = observable
	}
	delete(c.readCache, key)
	return nil
}

// Create queues a record creation (spec.md §3.4 create, restricted to the
// non-versioned shape within a transaction context — versioned two-item
// creates are queued via CreateVersioned). The returned record is
// observable to a later Get within the same transaction before Commit
// (spec.md §4.6 "Intra-transaction create-then-reference").
func (c *Coordinator) Create(typeName string, fields map[string]any, overrideID string) (*schema.Record, error) {
	cfg, err := c.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	if cfg.Versioned {
		return nil, apperrors.NewValidation("use CreateVersioned for versioned type " + typeName)
	}

	now := c.clock().UTC()
	resourceID := overrideID
	if resourceID == "" {
		resourceID = ids.NewID(now)
	}
	rec := &schema.Record{
		TypeName: typeName, ResourceID: resourceID,
		CreatedAt: now, UpdatedAt: now,
		Fields: fields, Blobs: map[string]schema.BlobPlaceholder{}, BlobVersions: map[string]int{},
	}

	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)
	sk := ids.NonVersionedSK(pk)
	item, err := engine.BuildItem(c.codec, cfg, rec, pk, sk)
	if err != nil {
		return nil, err
	}
	cond, err := buildCondition(expression.AttributeNotExists(expression.Name(ids.AttrPK)))
	if err != nil {
		return nil, err
	}
	twi := types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(c.tableName), Item: item,
		ConditionExpression: cond.Condition(), ExpressionAttributeNames: cond.Names(), ExpressionAttributeValues: cond.Values(),
	}}
	if err := c.enqueue(pk, sk, twi, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateVersioned queues the v1+v0 pair for a new versioned record as two
// transaction items, both counted against the 100-item limit.
func (c *Coordinator) CreateVersioned(typeName string, fields map[string]any, overrideID string) (*schema.Record, error) {
	cfg, err := c.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	if !cfg.Versioned {
		return nil, apperrors.NewValidation("use Create for non-versioned type " + typeName)
	}

	now := c.clock().UTC()
	resourceID := overrideID
	if resourceID == "" {
		resourceID = ids.NewID(now)
	}
	rec := &schema.Record{
		TypeName: typeName, ResourceID: resourceID,
		CreatedAt: now, UpdatedAt: now, Version: 1,
		Fields: fields, Blobs: map[string]schema.BlobPlaceholder{}, BlobVersions: map[string]int{},
	}

	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)
	cond, err := buildCondition(expression.AttributeNotExists(expression.Name(ids.AttrPK)))
	if err != nil {
		return nil, err
	}
	v1Item, err := engine.BuildItem(c.codec, cfg, rec, pk, ids.VersionSK(1))
	if err != nil {
		return nil, err
	}
	v0Item, err := engine.BuildItem(c.codec, cfg, rec, pk, ids.V0SortKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.items)+2 > maxTransactItems {
		c.mu.Unlock()
		return nil, apperrors.NewValidation("transaction exceeds the 100-item backend limit")
	}
	c.items = append(c.items,
		types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName), Item: v1Item,
			ConditionExpression: cond.Condition(), ExpressionAttributeNames: cond.Names(), ExpressionAttributeValues: cond.Values(),
		}},
		types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName), Item: v0Item,
			ConditionExpression: cond.Condition(), ExpressionAttributeNames: cond.Names(), ExpressionAttributeValues: cond.Values(),
		}},
	)
	c.pendingCreates[pendingKey{pk: pk, sk: ids.V0SortKey}] = rec
	c.pendingCreates[pendingKey{pk: pk, sk: ids.VersionSK(1)}] = rec
	c.mu.Unlock()
	return rec, nil
}

// Delete queues an unconditional delete of rec's current item.
func (c *Coordinator) Delete(rec *schema.Record) error {
	cfg, err := c.registry.Get(rec.TypeName)
	if err != nil {
		return err
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), rec.ResourceID)
	sk := ids.NonVersionedSK(pk)
	if cfg.Versioned {
		sk = ids.V0SortKey
	}
	twi := types.TransactWriteItem{Delete: &types.Delete{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
			ids.AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
	}}
	return c.enqueue(pk, sk, twi, nil)
}

// Increment queues an ADD update against a numeric field (spec.md §4.6
// "increment" operation).
func (c *Coordinator) Increment(rec *schema.Record, field string, delta float64) error {
	cfg, err := c.registry.Get(rec.TypeName)
	if err != nil {
		return err
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), rec.ResourceID)
	sk := ids.NonVersionedSK(pk)
	if cfg.Versioned {
		sk = ids.V0SortKey
	}
	upd, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name(field), expression.Value(delta))).
		Build()
	if err != nil {
		return apperrors.NewInternal("building increment update", err)
	}
	twi := types.TransactWriteItem{Update: &types.Update{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
			ids.AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:          upd.Update(),
		ExpressionAttributeNames:  upd.Names(),
		ExpressionAttributeValues: upd.Values(),
	}}
	return c.enqueue(pk, sk, twi, nil)
}

// AppendToList queues a `list_append` update, appending values to a
// backend list attribute (spec.md §4.6 "append-to-list").
func (c *Coordinator) AppendToList(rec *schema.Record, field string, values []any) error {
	cfg, err := c.registry.Get(rec.TypeName)
	if err != nil {
		return err
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), rec.ResourceID)
	sk := ids.NonVersionedSK(pk)
	if cfg.Versioned {
		sk = ids.V0SortKey
	}
	encoded := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		av, err := wire.EncodeAny(v)
		if err != nil {
			return apperrors.NewValidation("append_to_list: " + err.Error())
		}
		encoded = append(encoded, av)
	}
	nameExpr := expression.Name(field)
	upd, err := expression.NewBuilder().
		WithUpdate(expression.Set(nameExpr, expression.ListAppend(nameExpr, expression.Value(&types.AttributeValueMemberL{Value: encoded})))).
		Build()
	if err != nil {
		return apperrors.NewInternal("building append-to-list update", err)
	}
	twi := types.TransactWriteItem{Update: &types.Update{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
			ids.AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:          upd.Update(),
		ExpressionAttributeNames:  upd.Names(),
		ExpressionAttributeValues: upd.Values(),
	}}
	return c.enqueue(pk, sk, twi, nil)
}

// Get resolves a read within the transaction: a record this transaction
// has already queued a create for is returned directly from the pending
// map (spec.md §4.6 create-then-reference); otherwise Snapshot isolation
// serves a cached prior read of the same key, while ReadCommitted always
// refetches.
func (c *Coordinator) Get(ctx context.Context, resourceID, typeName string, version int) (*schema.Record, error) {
	cfg, err := c.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	pk := ids.BuildPK(cfg.KeyPrefix(), resourceID)
	sk := ids.NonVersionedSK(pk)
	if cfg.Versioned {
		sk = ids.V0SortKey
		if version > 0 {
			sk = ids.VersionSK(version)
		}
	}
	key := pendingKey{pk: pk, sk: sk}

	c.mu.Lock()
	if rec, ok := c.pendingCreates[key]; ok {
		c.mu.Unlock()
		return rec, nil
	}
	if c.isolation == Snapshot {
		if rec, ok := c.readCache[key]; ok {
			c.mu.Unlock()
			return rec, nil
		}
	}
	c.mu.Unlock()

	out, err := c.table.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			ids.AttrPK: &types.AttributeValueMemberS{Value: pk},
			ids.AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, apperrors.NewInternal("transaction read failed", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	// Transactional reads are never blob-hydrated here, so the
	// reconstructed placeholder.Key (unused) doesn't need the blob
	// store's prefix.
	rec, err := engine.DecodeItem(out.Item, cfg, "")
	if err != nil {
		return nil, apperrors.NewInternal("decoding item", err)
	}
	fields, err := c.codec.DecodeFields(out.Item, cfg, engine.ControlAttrs(cfg))
	if err != nil {
		return nil, apperrors.NewInternal("decoding fields", err)
	}
	rec.Fields = fields
	rec.TypeName = typeName

	c.mu.Lock()
	c.readCache[key] = rec
	c.mu.Unlock()
	return rec, nil
}

// Commit builds the transactional item list from every queued operation
// and issues one TransactWriteItems RPC, retrying on a cancelled
// transaction up to maxRetries times when WithRetry was configured (spec.md
// §4.6, §7 "transaction conflict (auto-retry within budget)").
func (c *Coordinator) Commit(ctx context.Context) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "txn.Commit", trace.WithAttributes(attribute.String("correlation_id", c.correlationID)))
		defer span.End()
	}

	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return apperrors.NewValidation("transaction already committed")
	}
	items := make([]types.TransactWriteItem, len(c.items))
	copy(items, c.items)
	c.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	attempts := 1
	if c.autoRetry {
		attempts = c.maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := c.table.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			c.mu.Lock()
			c.committed = true
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.ObserveTransactionCommit()
			}
			return nil
		}
		lastErr = translateCommitError(err)
		if !apperrors.IsVersionConflict(lastErr) || !c.autoRetry {
			break
		}
		if c.metrics != nil {
			c.metrics.ObserveTransactionRetry()
		}
		if c.logger != nil {
			c.logger.Warn("transaction commit conflict, retrying",
				zap.String("correlation_id", c.correlationID),
				zap.Int("attempt", attempt+1), zap.Int("max_retries", c.maxRetries))
		}
	}
	return lastErr
}

func buildCondition(cond expression.ConditionBuilder) (expression.Expression, error) {
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return expression.Expression{}, apperrors.NewInternal("building transaction condition", err)
	}
	return expr, nil
}
