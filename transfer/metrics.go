package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transfer outcomes. A nil *Metrics records nothing.
type Metrics struct {
	started        *prometheus.CounterVec
	completed      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	chunksSent     *prometheus.CounterVec
	chunksReceived *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	retriesServed  prometheus.Counter
	duration       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "transfers_started_total",
			Help:      "Transfers started, by role.",
		}, []string{"role"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "transfers_completed_total",
			Help:      "Transfers completed, by role and path.",
		}, []string{"role", "path"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "transfers_failed_total",
			Help:      "Transfers that ended in error or were cancelled, by role and kind.",
		}, []string{"role", "kind"}),
		chunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "chunks_sent_total",
			Help:      "Encrypted chunks sent, by path.",
		}, []string{"path"}),
		chunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "chunks_received_total",
			Help:      "Encrypted chunks received and decrypted, by path.",
		}, []string{"path"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "fallbacks_total",
			Help:      "Peer channel failures that switched to a fallback path.",
		}, []string{"path"}),
		retriesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secretdrop",
			Name:      "retry_requests_served_total",
			Help:      "Chunks re-published in answer to a retry request.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secretdrop",
			Name:      "transfer_duration_seconds",
			Help:      "Wall time of finished transfers.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.completed, m.failed, m.chunksSent,
			m.chunksReceived, m.fallbacks, m.retriesServed, m.duration)
	}
	return m
}

func (m *Metrics) transferStarted(role Role) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) transferFinished(role Role, path Path, kind string, seconds float64) {
	if m == nil {
		return
	}
	if kind == "" {
		m.completed.WithLabelValues(string(role), string(path)).Inc()
	} else {
		m.failed.WithLabelValues(string(role), kind).Inc()
	}
	m.duration.WithLabelValues(string(role)).Observe(seconds)
}

func (m *Metrics) chunkSent(path Path) {
	if m == nil {
		return
	}
	m.chunksSent.WithLabelValues(string(path)).Inc()
}

func (m *Metrics) chunkReceived(path Path) {
	if m == nil {
		return
	}
	m.chunksReceived.WithLabelValues(string(path)).Inc()
}

func (m *Metrics) fallbackTaken(path Path) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(path)).Inc()
}

func (m *Metrics) retryServed() {
	if m == nil {
		return
	}
	m.retriesServed.Inc()
}
