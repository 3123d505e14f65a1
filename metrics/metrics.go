// Package metrics holds the Prometheus collectors for approvals, dispatches
// and bridge trackers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the signet collectors.
type Metrics struct {
	ApprovalsTotal    *prometheus.CounterVec
	ApprovalsPending  prometheus.Gauge
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	TrackersActive    prometheus.Gauge
	TrackersCompleted *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ApprovalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_approvals_total",
			Help: "Approvals that reached a terminal state, by state.",
		}, []string{"state"}),
		ApprovalsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "signet_approvals_pending",
			Help: "Approvals waiting for a user decision.",
		}),
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_dispatch_total",
			Help: "Signing dispatches, by method and result code.",
		}, []string{"method", "code"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_dispatch_duration_seconds",
			Help:    "Time spent signing and broadcasting, queue wait included.",
			Buckets: []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.0, 5.0, 15.0},
		}, []string{"vm"}),
		TrackersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "signet_bridge_trackers_active",
			Help: "Bridge transactions currently being tracked.",
		}),
		TrackersCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_bridge_trackers_completed_total",
			Help: "Bridge transactions that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		gatherer: reg,
	}
}

// ApprovalOpened counts a new pending approval.
func (m *Metrics) ApprovalOpened() {
	if m == nil {
		return
	}
	m.ApprovalsPending.Inc()
}

// ApprovalClosed records a terminal approval state.
func (m *Metrics) ApprovalClosed(state string) {
	if m == nil {
		return
	}
	m.ApprovalsPending.Dec()
	m.ApprovalsTotal.WithLabelValues(state).Inc()
}

// Dispatched records one dispatch. code is empty on success.
func (m *Metrics) Dispatched(method, vm, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.DispatchTotal.WithLabelValues(method, code).Inc()
	m.DispatchDuration.WithLabelValues(vm).Observe(elapsed.Seconds())
}

// TrackerStarted counts a new tracked bridge transaction.
func (m *Metrics) TrackerStarted() {
	if m == nil {
		return
	}
	m.TrackersActive.Inc()
}

// TrackerStopped records a tracker leaving the active set. outcome is empty
// when the tracker was stopped before reaching a terminal state.
func (m *Metrics) TrackerStopped(outcome string) {
	if m == nil {
		return
	}
	m.TrackersActive.Dec()
	if outcome != "" {
		m.TrackersCompleted.WithLabelValues(outcome).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
