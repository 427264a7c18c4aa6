package sync

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments transfer activity. Register the collectors on any
// registry, or pass nil to keep them unregistered (tests, embedding).
type Metrics struct {
	BytesTotal prometheus.Counter
	Transfers  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btrsync",
			Name:      "transferred_bytes_total",
			Help:      "Total bytes pumped through send streams.",
		}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrsync",
			Name:      "transfers_total",
			Help:      "Subvolume transfers by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesTotal, m.Transfers)
	}
	return m
}
