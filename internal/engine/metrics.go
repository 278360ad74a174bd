package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_dispatches_total",
			Help: "Total number of chat turns by intent and dispatch outcome.",
		},
		[]string{"intent", "outcome"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_pending_resolutions_total",
			Help: "Total number of pending requests by intent and terminal state.",
		},
		[]string{"intent", "state"},
	)

	resolveLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_agent_result_latency_seconds",
			Help:    "Time from dispatch to agent result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"intent"},
	)

	results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_results_discarded_total",
			Help: "Total number of agent results that resolved nothing, by reason.",
		},
		[]string{"reason"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_pending_requests",
			Help: "Number of dispatched requests awaiting a result.",
		},
	)

	emergencies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_emergencies_total",
			Help: "Total number of messages escalated as medical emergencies.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatches)
	prometheus.MustRegister(resolutions)
	prometheus.MustRegister(resolveLatency)
	prometheus.MustRegister(results)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(emergencies)
}
