package vecfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports operation metrics to Prometheus.
type PrometheusCollector struct {
	ops          *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	rebuilt      *prometheus.CounterVec
	softFailures prometheus.Counter
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers it on reg.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if namespace == "" {
		namespace = "vecfs"
	}
	p := &PrometheusCollector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of operations processed",
		}, []string{"op", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		rebuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuild_vectors_total",
			Help:      "Vectors handled by index rebuilds",
		}, []string{"result"}),
		softFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_failures_total",
			Help:      "Vectors stored but not indexed",
		}),
	}
	for _, c := range []prometheus.Collector{p.ops, p.durations, p.rebuilt, p.softFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusCollector) record(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.ops.WithLabelValues(op, result).Inc()
	p.durations.WithLabelValues(op).Observe(d.Seconds())
}

// RecordInsert implements MetricsCollector.
func (p *PrometheusCollector) RecordInsert(d time.Duration, err error) { p.record("insert", d, err) }

// RecordSearch implements MetricsCollector.
func (p *PrometheusCollector) RecordSearch(_ int, d time.Duration, err error) {
	p.record("search", d, err)
}

// RecordRemove implements MetricsCollector.
func (p *PrometheusCollector) RecordRemove(d time.Duration, err error) { p.record("remove", d, err) }

// RecordRebuild implements MetricsCollector.
func (p *PrometheusCollector) RecordRebuild(indexed, failed int, d time.Duration) {
	p.rebuilt.WithLabelValues("indexed").Add(float64(indexed))
	p.rebuilt.WithLabelValues("failed").Add(float64(failed))
	p.durations.WithLabelValues("rebuild").Observe(d.Seconds())
}

// RecordSoftFailure implements MetricsCollector.
func (p *PrometheusCollector) RecordSoftFailure() { p.softFailures.Inc() }

// RegisterStatsGauges exports the Stats of db as gauges evaluated at scrape
// time.
func RegisterStatsGauges(reg prometheus.Registerer, namespace string, db *DB) error {
	if namespace == "" {
		namespace = "vecfs"
	}
	labels := prometheus.Labels{"volume": db.VolumeID()}
	gauges := []struct {
		name, help string
		fn         func(Stats) float64
	}{
		{"index_nodes", "Vectors in the HNSW index", func(s Stats) float64 { return float64(s.NodeCount) }},
		{"stored_vectors", "Vectors in storage", func(s Stats) float64 { return float64(s.StoredCount) }},
		{"unindexed_vectors", "Vectors stored but not indexed", func(s Stats) float64 { return float64(s.UnindexedCount) }},
		{"cache_hit_rate", "Vector cache hit rate", func(s Stats) float64 { return s.CacheHitRate }},
		{"cache_bytes", "Bytes held by the vector cache", func(s Stats) float64 { return float64(s.CacheBytes) }},
		{"memory_pool_bytes", "Bytes held by pooled search states", func(s Stats) float64 { return float64(s.MemoryPoolUsage) }},
		{"stack_usage_bytes", "Peak declared stack usage", func(s Stats) float64 { return float64(s.StackUsageEstimate) }},
	}
	for _, g := range gauges {
		fn := g.fn
		gf := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        g.name,
			Help:        g.help,
			ConstLabels: labels,
		}, func() float64 { return fn(db.Stats()) })
		if err := reg.Register(gf); err != nil {
			return err
		}
	}
	return nil
}
