package graph

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	puts          prometheus.Counter
	mergesApplied prometheus.Counter
	mergesStale   prometheus.Counter
	callbacks     prometheus.Counter
	subscriptions prometheus.Gauge
	framesIn      prometheus.Counter
	framesOut     prometheus.Counter
	relayPeers    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_graph_puts_total",
			Help: "Local writes accepted by the graph store.",
		}),
		mergesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_graph_merges_applied_total",
			Help: "Remote frames that changed resolved state.",
		}),
		mergesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_graph_merges_stale_total",
			Help: "Remote frames dropped by the last-writer-wins rule.",
		}),
		callbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_graph_callbacks_total",
			Help: "Subscription callbacks delivered.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atacord_graph_subscriptions",
			Help: "Subscriptions opened minus closed.",
		}),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_relay_frames_in_total",
			Help: "Replication frames received from peers.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atacord_relay_frames_out_total",
			Help: "Replication frames sent to peers.",
		}),
		relayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atacord_relay_peers",
			Help: "Currently connected replication peers.",
		}),
	}

	reg.MustRegister(
		m.puts,
		m.mergesApplied,
		m.mergesStale,
		m.callbacks,
		m.subscriptions,
		m.framesIn,
		m.framesOut,
		m.relayPeers,
	)
	return m
}

func (m *Metrics) RecordPut() {
	if m == nil {
		return
	}
	m.puts.Inc()
}

func (m *Metrics) RecordMergeApplied() {
	if m == nil {
		return
	}
	m.mergesApplied.Inc()
}

func (m *Metrics) RecordMergeStale() {
	if m == nil {
		return
	}
	m.mergesStale.Inc()
}

func (m *Metrics) RecordCallback() {
	if m == nil {
		return
	}
	m.callbacks.Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) RecordFrameIn() {
	if m == nil {
		return
	}
	m.framesIn.Inc()
}

func (m *Metrics) RecordFrameOut() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

func (m *Metrics) SetRelayPeers(n int) {
	if m == nil {
		return
	}
	m.relayPeers.Set(float64(n))
}
