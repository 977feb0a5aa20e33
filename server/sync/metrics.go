package sync

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Sessions is the number of peer sessions labelled by state.
	Sessions *prometheus.GaugeVec

	// EntriesInbound is the total number of entries received from peers.
	EntriesInbound prometheus.Counter

	// EntriesOutbound is the total number of entries sent to peers.
	EntriesOutbound prometheus.Counter

	// FullSyncsTotal is the total number of full syncs initiated.
	FullSyncsTotal prometheus.Counter

	// FullSyncsServed is the total number of full sync requests served.
	FullSyncsServed prometheus.Counter

	// DesyncsTotal is the total number of digest mismatches.
	DesyncsTotal prometheus.Counter

	// MalformedTotal is the total number of malformed entries dropped.
	MalformedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "sessions",
				Help:      "Number of peer sessions",
			},
			[]string{"state"},
		),
		EntriesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "entries_inbound_total",
				Help:      "Total number of entries received from peers",
			},
		),
		EntriesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "entries_outbound_total",
				Help:      "Total number of entries sent to peers",
			},
		),
		FullSyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "full_syncs_total",
				Help:      "Total number of full syncs initiated",
			},
		),
		FullSyncsServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "full_syncs_served_total",
				Help:      "Total number of full sync requests served",
			},
		),
		DesyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "desyncs_total",
				Help:      "Total number of digest mismatches",
			},
		),
		MalformedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "sync",
				Name:      "malformed_entries_total",
				Help:      "Total number of malformed entries dropped",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Sessions,
		m.EntriesInbound,
		m.EntriesOutbound,
		m.FullSyncsTotal,
		m.FullSyncsServed,
		m.DesyncsTotal,
		m.MalformedTotal,
	)
}
