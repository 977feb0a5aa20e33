package kvstore

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Entries is the number of entries in the replica, labelled by area.
	Entries *prometheus.GaugeVec

	// MergesTotal is the total number of merge operations, labelled by area
	// and outcome.
	MergesTotal *prometheus.CounterVec

	// RefreshesTotal is the total number of TTL refreshes of locally
	// originated entries.
	RefreshesTotal prometheus.Counter

	// ExpiredTotal is the total number of entries whose TTL reached zero.
	ExpiredTotal prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "meridian",
				Subsystem: "kvstore",
				Name:      "entries",
				Help:      "Number of entries in the replica",
			},
			[]string{"area"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "kvstore",
				Name:      "merges_total",
				Help:      "Total number of merge operations",
			},
			[]string{"area", "outcome"},
		),
		RefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "kvstore",
				Name:      "refreshes_total",
				Help:      "Total number of TTL refreshes of local entries",
			},
		),
		ExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "kvstore",
				Name:      "expired_total",
				Help:      "Total number of expired entries",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Entries,
		m.MergesTotal,
		m.RefreshesTotal,
		m.ExpiredTotal,
	)
}
