package llm

import "github.com/prometheus/client_golang/prometheus"

var (
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_llm_requests_total",
			Help: "LLM generation requests by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_llm_request_duration_seconds",
			Help:    "LLM generation latency by provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(llmRequestsTotal, llmRequestDuration)
}
