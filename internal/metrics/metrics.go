// Package metrics exposes Prometheus collectors for the position core:
//
//	lotguard_exits_total{reason}             exits accepted by the order router
//	lotguard_exit_failures_total{reason}     exit submissions that failed or timed out
//	lotguard_duplicate_events_total{kind}    replayed fill/cancel events ignored
//	lotguard_subscribe_failures_total        live feed subscribe/unsubscribe failures
//	lotguard_persist_failures_total{op}      store writes that failed
//	lotguard_permission_total{permission}    entry permission outcomes
//	lotguard_dropped_total{queue}            ticks/exit requests dropped by backpressure
//	lotguard_active_trackers                 trackers currently carrying exposure
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	exits           *prometheus.CounterVec
	exitFailures    *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	subscribeErrors prometheus.Counter
	persistErrors   *prometheus.CounterVec
	permissions     *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	active          prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_exits_total",
			Help: "Exit orders accepted by the router",
		}, []string{"reason"}),
		exitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_exit_failures_total",
			Help: "Exit submissions that failed or timed out",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_duplicate_events_total",
			Help: "Replayed order events ignored",
		}, []string{"kind"}),
		subscribeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lotguard_subscribe_failures_total",
			Help: "Live feed subscription failures",
		}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_persist_failures_total",
			Help: "Position store writes that failed",
		}, []string{"op"}),
		permissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_permission_total",
			Help: "Entry permission outcomes",
		}, []string{"permission"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lotguard_dropped_total",
			Help: "Items dropped by bounded queues",
		}, []string{"queue"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lotguard_active_trackers",
			Help: "Trackers currently carrying exposure",
		}),
	}
	m.reg.MustRegister(
		m.exits, m.exitFailures, m.duplicates, m.subscribeErrors,
		m.persistErrors, m.permissions, m.dropped, m.active,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ExitSubmitted(reason string) {
	if m != nil {
		m.exits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ExitFailed(reason string) {
	if m != nil {
		m.exitFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DuplicateEvent(kind string) {
	if m != nil {
		m.duplicates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SubscribeFailed() {
	if m != nil {
		m.subscribeErrors.Inc()
	}
}

func (m *Metrics) PersistFailed(op string) {
	if m != nil {
		m.persistErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PermissionResolved(permission string) {
	if m != nil {
		m.permissions.WithLabelValues(permission).Inc()
	}
}

func (m *Metrics) Dropped(queue string) {
	if m != nil {
		m.dropped.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) SetActiveTrackers(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}
