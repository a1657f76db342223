package sched

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "sched",
			Name:      "task_runs_total",
			Help:      "Guarded task runs by result.",
		},
		[]string{"task", "result"},
	)

	skipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpay",
			Subsystem: "sched",
			Name:      "task_skips_total",
			Help:      "Runs skipped because the task was backing off or cooling down.",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, skipsTotal)
}

func recordRun(task, result string) {
	runsTotal.WithLabelValues(task, result).Inc()
}

func recordSkip(task string) {
	skipsTotal.WithLabelValues(task).Inc()
}
