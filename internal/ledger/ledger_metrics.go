package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	movementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "ledger",
			Name:      "movements_total",
			Help:      "Applied wallet movements by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	replaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "ledger",
			Name:      "idempotent_replays_total",
			Help:      "Movements short-circuited by an already-used idempotency key.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(movementsTotal, replaysTotal)
}

func recordMovement(dir Direction, kind Kind, applied bool) {
	if applied {
		movementsTotal.WithLabelValues(string(dir), string(kind)).Inc()
		return
	}
	replaysTotal.WithLabelValues(string(dir)).Inc()
}
