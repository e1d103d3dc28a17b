// Command server wires the full engine stack against live AWS backends:
// DynamoDB behind an optional circuit breaker, S3-backed blob storage,
// Prometheus metrics, OpenTelemetry tracing, and an optional hot-reloaded
// schema data overlay. It registers a small example type set and exits
// after constructing the stack — this repository ships a library and an
// engine process shape, not a long-lived API surface (see DESIGN.md's
// notes on the dropped HTTP/Lambda transport dependencies).
package main

import (
	"context"
	"flag"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"singletable/internal/audit"
	"singletable/internal/blob"
	"singletable/internal/config"
	"singletable/internal/engine"
	"singletable/internal/logging"
	"singletable/internal/metrics"
	"singletable/internal/objectstore"
	"singletable/internal/query"
	"singletable/internal/schema"
	"singletable/internal/tablekv"
	"singletable/internal/tracing"
	"singletable/internal/txn"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	schemaOverlay := flag.String("schema-overlay", "", "optional YAML file to hot-reload type data config from")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("server: loading config: %v", err)
	}

	logger, err := logging.New(logging.Environment(cfg.Environment), cfg.LogLevel)
	if err != nil {
		log.Fatalf("server: building logger: %v", err)
	}
	defer logger.Sync()

	tp, err := tracing.Init("singletable", cfg.Environment, nil)
	if err != nil {
		logger.Fatal("building tracer provider", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	collector := metrics.NewCollector("singletable")

	registry := buildRegistry()
	if err := audit.RegisterType(registry); err != nil {
		logger.Fatal("registering audit log type", zap.Error(err))
	}
	if *schemaOverlay != "" {
		watcher, err := schema.WatchDataOverlay(registry, *schemaOverlay, logger)
		if err != nil {
			logger.Fatal("starting schema overlay watcher", zap.Error(err))
		}
		defer watcher.Close()
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Table.Region))
	if err != nil {
		logger.Fatal("loading AWS config", zap.Error(err))
	}

	var table tablekv.TableClient = newTableClient(awsCfg, cfg.Table.Endpoint)
	if cfg.CircuitBreaker.Enabled {
		table = tablekv.WithCircuitBreaker(table, tablekv.BreakerConfig{
			Name:             cfg.Table.Name,
			MaxRequests:      3,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			MinRequests:      cfg.CircuitBreaker.MinRequests,
		}, logger)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Blob.Endpoint != "" {
			o.BaseEndpoint = &cfg.Blob.Endpoint
		}
	})
	var objects objectstore.Store = objectstore.NewS3Store(s3Client, cfg.Blob.Bucket, logger)

	blobStore := blob.NewStore(objects, registry, blob.CacheConfig{
		MaxItems:         cfg.Blob.CacheMaxItems,
		MaxSizeBytes:     cfg.Blob.CacheMaxSizeBytes,
		MaxItemSizeBytes: cfg.Blob.CacheMaxItemSizeBytes,
		TTL:              cfg.Blob.CacheTTL,
	}, cfg.Blob.KeyPrefix, logger, blob.WithMetrics(collector))

	// The audit sink is a second engine instance, pointed at the audit
	// table (the same table, aliased, unless audit_config names a
	// distinct one — spec.md §4.5.5), with no auditor of its own: an
	// engine never derives an audit entry for its own AuditLog writes.
	auditTable := table
	if cfg.Audit.SeparateTable() {
		auditTable = tablekv.TableClient(newTableClient(awsCfg, cfg.Audit.Endpoint))
	}
	auditTableName := cfg.Table.Name
	if cfg.Audit.SeparateTable() {
		auditTableName = cfg.Audit.Name
	}
	auditEngine := engine.New(auditTable, auditTableName, registry, blobStore, logger, engine.WithMetrics(collector))
	recorder := audit.NewRecorder(auditEngine, registry, logger)

	eng := engine.New(table, cfg.Table.Name, registry, blobStore, logger,
		engine.WithMetrics(collector),
		engine.WithTracer(tp.Tracer()),
		engine.WithAuditor(recorder),
	)

	q := query.New(table, cfg.Table.Name, registry, logger,
		query.WithMetrics(collector),
		query.WithTracer(tp.Tracer()),
	)

	coord := txn.New(table, cfg.Table.Name, registry, logger,
		txn.WithMetrics(collector),
		txn.WithTracer(tp.Tracer()),
	)

	logger.Info("engine stack constructed",
		zap.String("table", cfg.Table.Name),
		zap.Bool("circuit_breaker", cfg.CircuitBreaker.Enabled),
		zap.Bool("audit_separate_table", cfg.Audit.SeparateTable()),
		zap.String("correlation_id", coord.CorrelationID()),
	)

	_ = eng
	_ = q
}

func newTableClient(awsCfg aws.Config, endpointOverride string) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpointOverride != "" {
			o.BaseEndpoint = &endpointOverride
		}
	})
}

// buildRegistry registers the example type set this process runs
// against. A real deployment swaps this for its own domain types; the
// shape here exercises versioning, compression, a static GSI1 key, a blob
// field and auditing, but not TTL, max_versions, GSI2/GSI3, set or float
// fields.
func buildRegistry() *schema.Registry {
	registry := schema.NewRegistry()
	must(registry.Register(&schema.TypeConfig{
		Name:      "Document",
		Versioned: true,
		Compress:  true,
		GSI:       schema.GSIConfig{GSI1: schema.Static("ALL_DOCUMENTS")},
		BlobFields: map[string]schema.BlobFieldSpec{
			"body": {},
		},
		Audit: schema.AuditSpec{Enabled: true, TrackFieldChanges: true},
	}))
	must(registry.Register(&schema.TypeConfig{
		Name: "Counter",
		GSI:  schema.GSIConfig{GSI1: schema.Static("ALL_COUNTERS")},
	}))
	return registry
}

func must(err error) {
	if err != nil {
		log.Fatalf("server: %v", err)
	}
}
