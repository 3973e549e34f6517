// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	// Store metrics
	OpsApplied   *prometheus.CounterVec
	OpsDropped   *prometheus.CounterVec
	PendingOps   prometheus.Gauge
	LogLength    prometheus.Gauge
	Entities     prometheus.Gauge
	ApplyLatency prometheus.Histogram

	// Session metrics
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	OpsSent         prometheus.Counter
	OpsReceived     prometheus.Counter
	ActiveSessions  prometheus.Gauge

	// GC metrics
	TombstonesCollected prometheus.Counter
	TombstonesBlocked   *prometheus.CounterVec
	SweepDuration       prometheus.Histogram

	// Peer metrics
	PeersKnown prometheus.Gauge
}

// New creates metrics registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_ops_applied_total",
				Help: "Operations integrated into the store",
			},
			[]string{"origin", "outcome"},
		),
		OpsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_ops_dropped_total",
				Help: "Operations dropped because they could not be integrated",
			},
			[]string{"reason"},
		),
		PendingOps: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_pending_ops",
				Help: "Operations held back waiting for their dependencies",
			},
		),
		LogLength: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_log_length",
				Help: "Operations in the local log",
			},
		),
		Entities: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_entities",
				Help: "Entities in the store, tombstoned included",
			},
		),
		ApplyLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driftsync_apply_duration_seconds",
				Help:    "Time to integrate one operation including persistence",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_sessions_total",
				Help: "Sync sessions by final state",
			},
			[]string{"state"},
		),
		SessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftsync_session_duration_seconds",
				Help:    "Duration of sync sessions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		OpsSent: f.NewCounter(
			prometheus.CounterOpts{
				Name: "driftsync_ops_sent_total",
				Help: "Operations streamed to peers",
			},
		),
		OpsReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "driftsync_ops_received_total",
				Help: "Operations received from peers",
			},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_active_sessions",
				Help: "Sync sessions currently running",
			},
		),
		TombstonesCollected: f.NewCounter(
			prometheus.CounterOpts{
				Name: "driftsync_tombstones_collected_total",
				Help: "Tombstones physically removed by the collector",
			},
		),
		TombstonesBlocked: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_tombstones_blocked_total",
				Help: "Tombstones kept by a sweep, by reason",
			},
			[]string{"reason"},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driftsync_gc_sweep_duration_seconds",
				Help:    "Duration of garbage collection sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),
		PeersKnown: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_peers_known",
				Help: "Paired replicas",
			},
		),
	}
}

// RecordApply records an integrated operation.
func (m *Metrics) RecordApply(origin, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.OpsApplied.WithLabelValues(origin, outcome).Inc()
	m.ApplyLatency.Observe(seconds)
}

// RecordDrop records an operation that was dropped.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.OpsDropped.WithLabelValues(reason).Inc()
}

// UpdateStoreSize updates store gauges.
func (m *Metrics) UpdateStoreSize(logLen, entities, pending int) {
	if m == nil {
		return
	}
	m.LogLength.Set(float64(logLen))
	m.Entities.Set(float64(entities))
	m.PendingOps.Set(float64(pending))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded records a finished session.
func (m *Metrics) SessionEnded(state string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(state).Inc()
	m.SessionDuration.WithLabelValues(state).Observe(seconds)
}

// RecordSent counts an operation streamed to a peer.
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}
	m.OpsSent.Inc()
}

// RecordReceived counts an operation received from a peer.
func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.OpsReceived.Inc()
}

// RecordSweep records a finished GC sweep.
func (m *Metrics) RecordSweep(collected int, seconds float64) {
	if m == nil {
		return
	}
	m.TombstonesCollected.Add(float64(collected))
	m.SweepDuration.Observe(seconds)
}

// RecordBlocked records a tombstone a sweep had to keep.
func (m *Metrics) RecordBlocked(reason string) {
	if m == nil {
		return
	}
	m.TombstonesBlocked.WithLabelValues(reason).Inc()
}

// UpdatePeers sets the paired replica count.
func (m *Metrics) UpdatePeers(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}
