package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters to Prometheus.
type Metrics struct {
	IngestedTotal  *prometheus.CounterVec
	IngestErrors   prometheus.Counter
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	CacheEvictions prometheus.CounterFunc
	Subscriptions  prometheus.GaugeFunc
	MemoryUsedMB   prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, e *Engine) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		IngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loupe",
			Name:      "ingested_logs_total",
			Help:      "Log entries accepted, by storage tier.",
		}, []string{"tier"}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loupe",
			Name:      "ingest_errors_total",
			Help:      "Ingestion requests rejected or failed.",
		}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loupe",
			Name:      "queries_total",
			Help:      "Queries executed, by cache outcome.",
		}, []string{"cache"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loupe",
			Name:      "query_duration_seconds",
			Help:      "Wall-clock query latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		CacheEvictions: factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "loupe",
			Name:      "cache_evictions_total",
			Help:      "Query-cache entries evicted under size pressure.",
		}, func() float64 {
			return float64(e.cache.Stats().Evictions)
		}),
		Subscriptions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loupe",
			Name:      "stream_subscriptions",
			Help:      "Live streaming subscriptions.",
		}, func() float64 {
			return float64(e.streams.Count())
		}),
		MemoryUsedMB: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loupe",
			Name:      "memory_used_mb",
			Help:      "Heap in use as seen by the resource manager.",
		}, func() float64 {
			return e.manager.Usage().MemoryMB
		}),
	}
}
