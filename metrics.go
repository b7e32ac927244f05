package groundedsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine activity. All fields are safe for concurrent
// use; a nil *Metrics disables collection.
type Metrics struct {
	UpdatesIn       prometheus.Counter
	UpdatesOut      prometheus.Counter
	UpdatesDeferred prometheus.Counter
	Reconnects      prometheus.Counter
	MalformedIn     prometheus.Counter
	SavesTotal      prometheus.Counter
	SaveFailures    prometheus.Counter
	StaleSaves      prometheus.Counter
	SnapshotBytes   prometheus.Gauge
}

// NewMetrics registers engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UpdatesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_updates_in_total",
			Help: "CRDT updates applied from peers.",
		}),
		UpdatesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_updates_out_total",
			Help: "CRDT updates emitted to peers.",
		}),
		UpdatesDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_updates_deferred_total",
			Help: "Remote updates queued behind a live edit session.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_transport_reconnects_total",
			Help: "Websocket reconnect attempts.",
		}),
		MalformedIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_malformed_messages_total",
			Help: "Inbound messages dropped as malformed.",
		}),
		SavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_saves_total",
			Help: "Snapshot save attempts.",
		}),
		SaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_save_failures_total",
			Help: "Snapshot saves that exhausted retries.",
		}),
		StaleSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundedsync_stale_saves_total",
			Help: "Save responses discarded because a newer save was issued.",
		}),
		SnapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundedsync_snapshot_bytes",
			Help: "Size of the last serialized snapshot.",
		}),
	}
}

func (m *Metrics) incUpdatesIn() {
	if m != nil {
		m.UpdatesIn.Inc()
	}
}

func (m *Metrics) incUpdatesOut() {
	if m != nil {
		m.UpdatesOut.Inc()
	}
}

func (m *Metrics) incUpdatesDeferred() {
	if m != nil {
		m.UpdatesDeferred.Inc()
	}
}

func (m *Metrics) incReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) incMalformed() {
	if m != nil {
		m.MalformedIn.Inc()
	}
}

func (m *Metrics) incSaves() {
	if m != nil {
		m.SavesTotal.Inc()
	}
}

func (m *Metrics) incSaveFailures() {
	if m != nil {
		m.SaveFailures.Inc()
	}
}

func (m *Metrics) incStaleSaves() {
	if m != nil {
		m.StaleSaves.Inc()
	}
}

func (m *Metrics) setSnapshotBytes(n int) {
	if m != nil {
		m.SnapshotBytes.Set(float64(n))
	}
}
