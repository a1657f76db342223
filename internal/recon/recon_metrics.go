package recon

import "github.com/prometheus/client_golang/prometheus"

var sweepActions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustpay",
		Subsystem: "recon",
		Name:      "sweep_actions_total",
		Help:      "Reconciliation sweep outcomes by sweep and action.",
	},
	[]string{"sweep", "action"},
)

func init() {
	prometheus.MustRegister(sweepActions)
}
