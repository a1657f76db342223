package trust

import "github.com/prometheus/client_golang/prometheus"

var recomputesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustpay",
		Subsystem: "trust",
		Name:      "recomputes_total",
		Help:      "Trust snapshot recomputations by resulting band.",
	},
	[]string{"band"},
)

func init() {
	prometheus.MustRegister(recomputesTotal)
}
