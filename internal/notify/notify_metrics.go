package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by sink and outcome.",
		},
		[]string{"sink", "status"},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trustpay",
			Subsystem: "notify",
			Name:      "ws_clients",
			Help:      "Currently connected WebSocket notification clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, connectedClients)
}
