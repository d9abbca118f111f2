package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for event resolution. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	MutationsTotal     *prometheus.CounterVec
	RefsTotal          *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	SinkErrorsTotal    prometheus.Counter
	ResolveErrorsTotal prometheus.Counter
	RegisteredTargets  prometheus.Gauge
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "events_total",
			Help:      "Events received by the resolver, by kind",
		}, []string{"kind"}),
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "mutations_total",
			Help:      "Row mutations matched to at least one target, by table",
		}, []string{"table"}),
		RefsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "entity_refs_total",
			Help:      "Entity references emitted to the sink, by entity type",
		}, []string{"entity_type"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent resolving an event and applying the sink",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SinkErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "sink_errors_total",
			Help:      "Sink calls that returned an error",
		}),
		ResolveErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cachesync",
			Subsystem: "resolver",
			Name:      "resolve_errors_total",
			Help:      "Events whose identifiers could not be resolved",
		}),
		RegisteredTargets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachesync",
			Subsystem: "registry",
			Name:      "targets",
			Help:      "Eviction targets registered at startup",
		}),
	}
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveMutation(table string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) ObserveRef(entityType string) {
	if m == nil {
		return
	}
	m.RefsTotal.WithLabelValues(entityType).Inc()
}

func (m *Metrics) ObserveDispatch(start time.Time) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.Inc()
}

func (m *Metrics) ResolveError() {
	if m == nil {
		return
	}
	m.ResolveErrorsTotal.Inc()
}

func (m *Metrics) SetTargets(n int) {
	if m == nil {
		return
	}
	m.RegisteredTargets.Set(float64(n))
}
