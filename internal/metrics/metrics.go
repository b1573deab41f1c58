// Package metrics holds the Prometheus instruments of the relay.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Counters
	tasksCreated     *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	finalizations    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	lockDegraded     *prometheus.CounterVec
	credentialErrors *prometheus.CounterVec
	credentialPicks  *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	polls            *prometheus.CounterVec
	archives         *prometheus.CounterVec
	proxyRequests    *prometheus.CounterVec
	jobFailures      *prometheus.CounterVec

	// Gauges
	schedulerDue prometheus.Gauge

	// Histograms
	upstreamDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tasks_created_total",
				Help: "Total number of tasks created",
			},
			[]string{"type", "source"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatches_total",
				Help: "Total number of upstream dispatch attempts",
			},
			[]string{"outcome"},
		),
		finalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_finalizations_total",
				Help: "Total number of finalization attempts by result",
			},
			[]string{"status", "source", "result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_total",
				Help: "Total number of caller notifications",
			},
			[]string{"outcome"},
		),
		lockDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_lock_degraded_total",
				Help: "Lock acquisitions that proceeded without the lock backend",
			},
			[]string{"scope"},
		),
		credentialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_credential_usage_errors_total",
				Help: "Failed best-effort credential usage writes",
			},
			[]string{"op"},
		),
		credentialPicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_credential_selections_total",
				Help: "Credential selections by quota state",
			},
			[]string{"fallback"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhooks_total",
				Help: "Inbound provider webhooks by outcome",
			},
			[]string{"outcome"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_polls_total",
				Help: "Poll decisions by kind",
			},
			[]string{"mode", "decision"},
		),
		archives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_archive_objects_total",
				Help: "Result objects archived by outcome",
			},
			[]string{"outcome"},
		),
		proxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_proxy_requests_total",
				Help: "Proxied provider requests by method and status class",
			},
			[]string{"method", "code"},
		),
		jobFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_scheduler_job_failures_total",
				Help: "Failed scheduler jobs by what happened to them",
			},
			[]string{"kind", "outcome"},
		),
		schedulerDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_scheduler_due_jobs",
				Help: "Jobs popped by the last scheduler tick",
			},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_request_duration_seconds",
				Help:    "Provider request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		m.tasksCreated,
		m.dispatches,
		m.finalizations,
		m.notifications,
		m.lockDegraded,
		m.credentialErrors,
		m.credentialPicks,
		m.webhooks,
		m.polls,
		m.archives,
		m.proxyRequests,
		m.jobFailures,
		m.schedulerDue,
		m.upstreamDuration,
	)

	return m
}

// TaskCreated counts a new task.
func (m *Metrics) TaskCreated(typ, source string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(typ, source).Inc()
}

// Dispatch counts a dispatch attempt; outcome is "ok" or "error".
func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// Finalization counts a finalizer run. result is "finalized" or a skip reason.
func (m *Metrics) Finalization(status, source, result string) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(status, source, result).Inc()
}

// Notification counts a caller notification; outcome is "sent", "failed" or "skipped".
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// LockDegraded counts a lock acquisition that fell through on a backend error.
func (m *Metrics) LockDegraded(scope string) {
	if m == nil {
		return
	}
	m.lockDegraded.WithLabelValues(scope).Inc()
}

// CredentialUsageError counts a failed usage write.
func (m *Metrics) CredentialUsageError(op string) {
	if m == nil {
		return
	}
	m.credentialErrors.WithLabelValues(op).Inc()
}

// CredentialSelected counts a selection.
func (m *Metrics) CredentialSelected(fallback bool) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.credentialPicks.WithLabelValues(label).Inc()
}

// Webhook counts an inbound webhook.
func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

// Poll counts a poll decision. mode is "task" or "sweep".
func (m *Metrics) Poll(mode, decision string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(mode, decision).Inc()
}

// Archive counts an archived object; outcome is "stored" or "failed".
func (m *Metrics) Archive(outcome string) {
	if m == nil {
		return
	}
	m.archives.WithLabelValues(outcome).Inc()
}

// ProxyRequest counts a relayed request by status class, e.g. "2xx".
func (m *Metrics) ProxyRequest(method string, code int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, statusClass(code)).Inc()
}

// SchedulerDue records how many jobs the last scheduler tick popped.
func (m *Metrics) SchedulerDue(n int) {
	if m == nil {
		return
	}
	m.schedulerDue.Set(float64(n))
}

// JobFailed counts a failed scheduler job; outcome is "retried" or "dropped".
func (m *Metrics) JobFailed(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobFailures.WithLabelValues(kind, outcome).Inc()
}

// ObserveUpstream records the duration of a provider call started at start.
func (m *Metrics) ObserveUpstream(op string, start time.Time) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
