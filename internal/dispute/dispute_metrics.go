package dispute

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	openedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "disputes",
			Name:      "opened_total",
			Help:      "Disputes opened, by reason.",
		},
		[]string{"reason"},
	)

	closedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "disputes",
			Name:      "closed_total",
			Help:      "Disputes closed, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(openedTotal, closedTotal)
}

func recordOpened(reason Reason) {
	openedTotal.WithLabelValues(string(reason)).Inc()
}

func recordResolved(outcome Status) {
	closedTotal.WithLabelValues(string(outcome)).Inc()
}
