// Package metrics exposes the engine's Prometheus metrics (ambient stack,
// SPEC_FULL.md §B): MemoryStats-mirroring counters for C5 and blob-cache
// hit/miss/eviction gauges for C3, grounded in the donor's
// internal/infrastructure/observability/metrics.go Collector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds every Prometheus metric the engine emits. Metrics are
// created against a private registry and not auto-registered, the same
// singleton-avoidance pattern the donor uses to keep repeated test setup
// from panicking on duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	// Persistence engine (C5) counters, one per mutation kind: create,
	// update, delete and max_versions trim.
	RecordsCreated *prometheus.CounterVec
	RecordsUpdated *prometheus.CounterVec
	RecordsDeleted *prometheus.CounterVec
	VersionsTrimmed *prometheus.CounterVec

	// Query engine (C6) counters/histograms.
	QueryAPICallsUsed prometheus.Histogram
	QueryBudgetExhausted prometheus.Counter

	// Blob cache (C3) gauges, mirroring blob.Info's cumulative
	// Hits/Misses/Evictions snapshot (Gauge, not Counter — the cache
	// already tracks the running total; ObserveCacheInfo just republishes
	// its current snapshot rather than adding a delta each call).
	CacheHits      prometheus.Gauge
	CacheMisses    prometheus.Gauge
	CacheEvictions prometheus.Gauge
	CacheSizeBytes prometheus.Gauge
	CacheItems     prometheus.Gauge

	// Transaction coordinator (C8) counters.
	TransactionCommits prometheus.Counter
	TransactionRetries prometheus.Counter
}

// NewCollector returns the process-wide Collector, creating it under
// namespace on the first call and returning that same instance on every
// later call whatever namespace is passed, so repeated construction (as
// happens across table-per-test setups) never double-registers a metric.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		RecordsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_created_total", Help: "Total records created, by type.",
		}, []string{"type"}),
		RecordsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_updated_total", Help: "Total records updated, by type.",
		}, []string{"type"}),
		RecordsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_deleted_total", Help: "Total records deleted, by type.",
		}, []string{"type"}),
		VersionsTrimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "versions_trimmed_total", Help: "Total historical versions deleted by max_versions enforcement, by type.",
		}, []string{"type"}),
		QueryAPICallsUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_api_calls_used", Help: "Backend API calls consumed per paginated_query invocation.",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		}),
		QueryBudgetExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_budget_exhausted_total", Help: "Paginated queries that hit max_api_calls before satisfying results_limit.",
		}),
		CacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blob_cache_hits_total", Help: "Cumulative blob cache hits.",
		}),
		CacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blob_cache_misses_total", Help: "Cumulative blob cache misses.",
		}),
		CacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blob_cache_evictions_total", Help: "Cumulative blob cache entries evicted by recency to stay within the cache's size and item limits.",
		}),
		CacheSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blob_cache_size_bytes", Help: "Current blob cache size in bytes.",
		}),
		CacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blob_cache_items", Help: "Current blob cache item count.",
		}),
		TransactionCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transaction_commits_total", Help: "Transaction coordinator commits that succeeded.",
		}),
		TransactionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transaction_retries_total", Help: "Transaction coordinator commit attempts retried after a conflict.",
		}),
	}

	registry.MustRegister(
		c.RecordsCreated, c.RecordsUpdated, c.RecordsDeleted, c.VersionsTrimmed,
		c.QueryAPICallsUsed, c.QueryBudgetExhausted,
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheSizeBytes, c.CacheItems,
		c.TransactionCommits, c.TransactionRetries,
	)

	globalCollector = c
	return c
}

// Registry returns the private Prometheus registry backing c, for mounting
// under an HTTP /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveCreate, ObserveUpdate, ObserveDelete and ObserveVersionsTrimmed
// satisfy internal/engine.MetricsSink, letting the persistence engine (C5)
// report per-type mutation counts without importing this package's
// concrete type.

func (c *Collector) ObserveCreate(typeName string) { c.RecordsCreated.WithLabelValues(typeName).Inc() }
func (c *Collector) ObserveUpdate(typeName string)  { c.RecordsUpdated.WithLabelValues(typeName).Inc() }
func (c *Collector) ObserveDelete(typeName string)  { c.RecordsDeleted.WithLabelValues(typeName).Inc() }
func (c *Collector) ObserveVersionsTrimmed(typeName string, count int) {
	c.VersionsTrimmed.WithLabelValues(typeName).Add(float64(count))
}

// ObserveQueryAPICalls and ObserveQueryBudgetExhausted satisfy
// internal/query.MetricsSink.
func (c *Collector) ObserveQueryAPICalls(calls int) { c.QueryAPICallsUsed.Observe(float64(calls)) }
func (c *Collector) ObserveQueryBudgetExhausted()   { c.QueryBudgetExhausted.Inc() }

// ObserveTransactionCommit and ObserveTransactionRetry satisfy
// internal/txn.MetricsSink.
func (c *Collector) ObserveTransactionCommit() { c.TransactionCommits.Inc() }
func (c *Collector) ObserveTransactionRetry()  { c.TransactionRetries.Inc() }

// ObserveCacheInfo copies a blob.Info-shaped snapshot onto the cache
// gauges; it takes plain values rather than importing internal/blob so
// this package stays a leaf dependency.
func (c *Collector) ObserveCacheInfo(hits, misses, evictions int64, sizeBytes int64, items int) {
	c.CacheHits.Set(float64(hits))
	c.CacheMisses.Set(float64(misses))
	c.CacheEvictions.Set(float64(evictions))
	c.CacheSizeBytes.Set(float64(sizeBytes))
	c.CacheItems.Set(float64(items))
}
