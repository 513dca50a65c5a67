package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the reconciliation counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SnapshotMerges    prometheus.Counter
	LiveEvents        *prometheus.CounterVec
	SendFailures      prometheus.Counter
	RemoteConflicts   *prometheus.CounterVec
	PollErrors        prometheus.Counter
	RealtimeConnected prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SnapshotMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_snapshot_merges_total",
			Help: "Snapshot merges that changed a timeline.",
		}),
		LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_live_events_total",
			Help: "Live message events by reconciliation outcome.",
		}, []string{"outcome"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "User sends that ended in the failed state.",
		}),
		RemoteConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_remote_conflicts_total",
			Help: "Optimistic edits or deletes rejected by the server.",
		}, []string{"op"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_poll_errors_total",
			Help: "Background snapshot or list polls that failed.",
		}),
		RealtimeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_realtime_connected",
			Help: "1 while the realtime channel is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SnapshotMerges, m.LiveEvents, m.SendFailures,
			m.RemoteConflicts, m.PollErrors, m.RealtimeConnected)
	}
	return m
}

func (m *Metrics) snapshotMerged() {
	if m != nil {
		m.SnapshotMerges.Inc()
	}
}

func (m *Metrics) liveEvent(outcome LiveOutcome) {
	if m != nil {
		m.LiveEvents.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) conflict(op string) {
	if m != nil {
		m.RemoteConflicts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) pollFailed() {
	if m != nil {
		m.PollErrors.Inc()
	}
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.RealtimeConnected.Set(1)
	} else {
		m.RealtimeConnected.Set(0)
	}
}
