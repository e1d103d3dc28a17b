package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCreateIncrementsLabeledCounter(t *testing.T) {
	c := NewCollector("singletable_test")

	c.ObserveCreate("Widget")
	c.ObserveCreate("Widget")
	c.ObserveCreate("Gadget")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.RecordsCreated.WithLabelValues("Widget")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.RecordsCreated.WithLabelValues("Gadget")))
}

func TestObserveCacheInfoSetsGaugesToSnapshotValues(t *testing.T) {
	c := NewCollector("singletable_test")

	c.ObserveCacheInfo(10, 3, 1, 2048, 5)

	assert.Equal(t, float64(10), testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.CacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.CacheEvictions))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.CacheSizeBytes))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.CacheItems))

	// A second, smaller snapshot must overwrite rather than accumulate —
	// these are gauges republishing a cumulative total the cache already
	// tracks, not counters.
	c.ObserveCacheInfo(11, 3, 1, 1024, 4)
	assert.Equal(t, float64(11), testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.CacheSizeBytes))
}

func TestNewCollectorReturnsSameInstanceAcrossCalls(t *testing.T) {
	a := NewCollector("singletable_test")
	b := NewCollector("some_other_namespace")
	assert.Same(t, a, b)
}
