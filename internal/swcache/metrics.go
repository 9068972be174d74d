package swcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	resolves     *prometheus.CounterVec
	respBytes    prometheus.Histogram
	precache     *prometheus.CounterVec
	deletedGens  prometheus.Counter
	activeInfo   *prometheus.GaugeVec
	storeErrors  prometheus.Counter
	sizeObserved *statsCollector
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		resolves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swcache_resolve_total",
			Help: "Resolved requests by source",
		}, []string{"source"}),
		respBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swcache_response_size_bytes",
			Help:    "Size of bodies served from cache or network",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		}),
		precache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swcache_precache_total",
			Help: "Precache attempts by result",
		}, []string{"result"}),
		deletedGens: f.NewCounter(prometheus.CounterOpts{
			Name: "swcache_generations_deleted_total",
			Help: "Stale cache generations deleted",
		}),
		activeInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swcache_active_generation",
			Help: "1 for the generation currently serving requests",
		}, []string{"version"}),
		storeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "swcache_store_errors_total",
			Help: "Cache store operations that failed",
		}),
		sizeObserved: newStatsCollector(),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeResolve(src Source, bodyLen int) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(src.String()).Inc()
	switch src {
	case SourceCache, SourceNetwork, SourceOffline:
		m.respBytes.Observe(float64(bodyLen))
		m.sizeObserved.Observe(bodyLen)
	}
}

func (m *Metrics) observePrecache(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.precache.WithLabelValues("stored").Inc()
		return
	}
	m.precache.WithLabelValues("failed").Inc()
}

func (m *Metrics) observeDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deletedGens.Add(float64(n))
}

func (m *Metrics) observeStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) setActive(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" && prev != next {
		m.activeInfo.DeleteLabelValues(prev)
	}
	m.activeInfo.WithLabelValues(next).Set(1)
}

func (m *Metrics) sizes() statsSnapshot {
	if m == nil {
		return statsSnapshot{}
	}
	return m.sizeObserved.Snapshot()
}
