package flood

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// SentTotal is the number of updates flooded to peers.
	SentTotal prometheus.Counter

	// CoalescedTotal is the number of queued updates replaced by a newer
	// update to the same key.
	CoalescedTotal prometheus.Counter

	// OverflowTotal is the number of pending updates dropped because the
	// queue was full.
	OverflowTotal prometheus.Counter

	// QueueSize is the number of pending coalesced updates.
	QueueSize prometheus.Gauge

	// Senders is the number of registered peer sessions.
	Senders prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		SentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "flood",
				Name:      "sent_total",
				Help:      "Number of updates flooded to peers.",
			},
		),
		CoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "flood",
				Name:      "coalesced_total",
				Help:      "Number of queued updates replaced by a newer update to the same key.",
			},
		),
		OverflowTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meridian",
				Subsystem: "flood",
				Name:      "overflow_total",
				Help:      "Number of pending updates dropped due to a full queue.",
			},
		),
		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meridian",
				Subsystem: "flood",
				Name:      "queue_size",
				Help:      "Number of pending coalesced updates.",
			},
		),
		Senders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meridian",
				Subsystem: "flood",
				Name:      "senders",
				Help:      "Number of registered peer sessions.",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.SentTotal,
		m.CoalescedTotal,
		m.OverflowTotal,
		m.QueueSize,
		m.Senders,
	)
}
