package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes cache collectors. A nil *Metrics records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	bypass        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	degraded      *prometheus.CounterVec
	staleRejected prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the cache metrics against registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_cache_hits_total",
		Help: "Cache hits partitioned by tier and kind.",
	}, []string{"tier", "kind"})
	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_cache_miss_total",
		Help: "Reads that went to the loader, by kind.",
	}, []string{"kind"})
	bypass := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_cache_bypass_total",
		Help: "Reads of live kinds served straight from the loader.",
	}, []string{"kind"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_cache_invalidations_total",
		Help: "Invalidations by kind, including tenant flushes.",
	}, []string{"kind"})
	degraded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_cache_degraded_total",
		Help: "Shared tier operations absorbed while Redis was unavailable.",
	}, []string{"op"})
	stale := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillpoint_cache_stale_writes_rejected_total",
		Help: "Loaded values not stored because their generation moved on.",
	})
	registerer.MustRegister(hits, misses, bypass, invalidations, degraded, stale)
	return &Metrics{hits: hits, misses: misses, bypass: bypass, invalidations: invalidations, degraded: degraded, staleRejected: stale}
}

func (m *Metrics) hit(tier, kind string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(tier, kind).Inc()
}

func (m *Metrics) miss(kind string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(kind).Inc()
}

func (m *Metrics) bypassed(kind string) {
	if m == nil {
		return
	}
	m.bypass.WithLabelValues(kind).Inc()
}

func (m *Metrics) invalidated(kind string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
}

func (m *Metrics) degradedOp(op string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(op).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.staleRejected.Inc()
}
