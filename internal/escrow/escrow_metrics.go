package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow state machine transitions.",
		},
		[]string{"type", "from", "to"},
	)

	releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "escrow",
			Name:      "releases_total",
			Help:      "Escrow releases, split by manual and auto.",
		},
		[]string{"type", "auto"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, releasesTotal)
}

func recordTransition(t Type, from, to Status) {
	transitionsTotal.WithLabelValues(string(t), string(from), string(to)).Inc()
}

func recordRelease(t Type, auto bool) {
	label := "false"
	if auto {
		label = "true"
	}
	releasesTotal.WithLabelValues(string(t), label).Inc()
}
