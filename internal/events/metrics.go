package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts notifier activity. A nil *Metrics records nothing.
type Metrics struct {
	publishedTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers notifier collectors. A nil registerer uses the default one.
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
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_events_published_total",
		Help: "Events accepted by the notifier, by type.",
	}, []string{"type"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_events_dropped_total",
		Help: "Best-effort deliveries dropped because the dispatcher queue was full.",
	}, []string{"type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillpoint_events_delivery_failures_total",
		Help: "Failed best-effort deliveries by type and target.",
	}, []string{"type", "target"})
	registerer.MustRegister(published, dropped, failed)
	return &Metrics{publishedTotal: published, droppedTotal: dropped, failedTotal: failed}
}

func (m *Metrics) published(t Type) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) dropped(t Type) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) failed(t Type, target string) {
	if m == nil {
		return
	}
	m.failedTotal.WithLabelValues(string(t), target).Inc()
}
