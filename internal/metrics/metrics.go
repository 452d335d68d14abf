// Package metrics holds the gateway's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	reg *prometheus.Registry

	sessions      *prometheus.GaugeVec
	sessionEvents *prometheus.CounterVec
	lockAcquire   *prometheus.CounterVec
	credWrites    *prometheus.CounterVec
	credCached    prometheus.Gauge
	deliveries    *prometheus.CounterVec
	sendLatency   prometheus.Histogram
	queueJobs     *prometheus.GaugeVec
	reaperRuns    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagate_sessions",
			Help: "Live sessions on this instance by status.",
		}, []string{"status"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_session_events_total",
			Help: "Session lifecycle transitions by event.",
		}, []string{"event"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_lock_acquire_total",
			Help: "Lease acquisition attempts by result (won, lost, error).",
		}, []string{"result"}),
		credWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_credential_writes_total",
			Help: "Credential writes by result (ok, purged, dropped).",
		}, []string{"result"}),
		credCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wagate_credential_cached_accounts",
			Help: "Accounts with credentials held in memory.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_deliveries_total",
			Help: "Delivery attempts by result (sent, failed, dead, paused).",
		}, []string{"result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wagate_send_duration_seconds",
			Help:    "Protocol send latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagate_queue_jobs",
			Help: "Delivery queue jobs by state.",
		}, []string{"state"}),
		reaperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_reaper_evictions_total",
			Help: "Reaper evictions by kind (cache, session).",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.sessionEvents, m.lockAcquire,
		m.credWrites, m.credCached,
		m.deliveries, m.sendLatency, m.queueJobs, m.reaperRuns,
	)
	return m
}

// Registry is what the ops server exposes on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// SetSessions replaces the per-status session gauge.
func (m *Metrics) SetSessions(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for st, n := range byStatus {
		m.sessions.WithLabelValues(st).Set(float64(n))
	}
}

func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(result).Inc()
}

func (m *Metrics) CredentialWrite(result string) {
	if m == nil {
		return
	}
	m.credWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCachedAccounts(n int) {
	if m == nil {
		return
	}
	m.credCached.Set(float64(n))
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSend(d time.Duration) {
	if m == nil {
		return
	}
	m.sendLatency.Observe(d.Seconds())
}

func (m *Metrics) SetQueueJobs(state string, n int) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) Evicted(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaperRuns.WithLabelValues(kind).Add(float64(n))
}
