package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// pmrl_decisions_total{decision}
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pmrl",
			Name:      "decisions_total",
			Help:      "Terminal gateway decisions by outcome (allowed, queued, blocked, antibot).",
		},
		[]string{"decision"},
	)

	// pmrl_store_errors_total{op}
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pmrl",
			Name:      "store_errors_total",
			Help:      "Shared-state operations that failed and were recovered locally.",
		},
		[]string{"op"},
	)

	// pmrl_fail_open_total
	FailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pmrl",
			Name:      "fail_open_total",
			Help:      "Requests allowed because the counter store could not be read.",
		},
	)

	QueueGauges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pmrl",
			Name:      "queue_gauges",
			Help:      "Number of live (rule, identifier) queue depth gauges.",
		},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pmrl",
			Name:      "ws_clients",
			Help:      "Connected analytics WebSocket subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(Decisions, StoreErrors, FailOpen, QueueGauges, WSClients)
}
