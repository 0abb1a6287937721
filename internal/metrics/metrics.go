// Package metrics exposes Prometheus collectors for the session core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcomes.
const (
	OutcomeSuccess             = "success"
	OutcomeFailure             = "failure"
	OutcomeNoRefreshCredential = "no_refresh_credential"
	OutcomeSessionLost         = "session_lost"
)

// Pipeline retry results.
const (
	RetryRecovered = "recovered"
	RetryFailed    = "failed"
)

// Watcher triggers.
const (
	TriggerProactive = "proactive"
	TriggerTamper    = "tamper"
	TriggerExternal  = "external"
)

// Metrics bundles every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	refreshTotal    *prometheus.CounterVec
	endpointCalls   prometheus.Counter
	refreshJoined   prometheus.Counter
	refreshDuration prometheus.Histogram
	logoutTotal     *prometheus.CounterVec
	pipelineRetries *prometheus.CounterVec
	authenticated   prometheus.Gauge
	watcherTriggers *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nestfind_refresh_total",
			Help: "Settled refresh tickets by outcome.",
		}, []string{"outcome"}),
		endpointCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nestfind_refresh_endpoint_calls_total",
			Help: "Calls made to the refresh endpoint, including retries.",
		}),
		refreshJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nestfind_refresh_joined_total",
			Help: "Refresh requests that joined an in-flight ticket.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nestfind_refresh_duration_seconds",
			Help:    "Time from ticket creation to settlement.",
			Buckets: prometheus.DefBuckets,
		}),
		logoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nestfind_logout_total",
			Help: "Logouts by mode.",
		}, []string{"mode"}),
		pipelineRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nestfind_pipeline_retries_total",
			Help: "Unauthorized responses handled by the request pipeline, by result.",
		}, []string{"result"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nestfind_session_authenticated",
			Help: "1 while the session projection is authenticated.",
		}),
		watcherTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nestfind_watcher_triggers_total",
			Help: "Refreshes or reconciliations started by the session watcher.",
		}, []string{"trigger"}),
	}

	reg.MustRegister(
		m.refreshTotal,
		m.endpointCalls,
		m.refreshJoined,
		m.refreshDuration,
		m.logoutTotal,
		m.pipelineRetries,
		m.authenticated,
		m.watcherTriggers,
	)

	return m
}

// RefreshSettled records a settled ticket.
func (m *Metrics) RefreshSettled(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// EndpointCalled records one refresh endpoint call.
func (m *Metrics) EndpointCalled() {
	if m == nil {
		return
	}
	m.endpointCalls.Inc()
}

// RefreshJoined records a caller joining an in-flight ticket.
func (m *Metrics) RefreshJoined() {
	if m == nil {
		return
	}
	m.refreshJoined.Inc()
}

// Logout records a completed logout.
func (m *Metrics) Logout(mode string) {
	if m == nil {
		return
	}
	m.logoutTotal.WithLabelValues(mode).Inc()
}

// PipelineRetry records how an unauthorized response was handled.
func (m *Metrics) PipelineRetry(result string) {
	if m == nil {
		return
	}
	m.pipelineRetries.WithLabelValues(result).Inc()
}

// SetAuthenticated mirrors the projection.
func (m *Metrics) SetAuthenticated(v bool) {
	if m == nil {
		return
	}
	if v {
		m.authenticated.Set(1)
		return
	}
	m.authenticated.Set(0)
}

// WatcherTriggered records a watcher-initiated action.
func (m *Metrics) WatcherTriggered(trigger string) {
	if m == nil {
		return
	}
	m.watcherTriggers.WithLabelValues(trigger).Inc()
}
