package webhookqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "webhooks",
			Name:      "enqueued_total",
			Help:      "Webhook events accepted into the queue.",
		},
		[]string{"provider"},
	)

	settledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "webhooks",
			Name:      "settled_total",
			Help:      "Drain outcomes per webhook item attempt.",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(enqueuedTotal, settledTotal)
}

func recordEnqueued(provider string) {
	enqueuedTotal.WithLabelValues(provider).Inc()
}

func recordSettled(provider, status string) {
	settledTotal.WithLabelValues(provider, status).Inc()
}
