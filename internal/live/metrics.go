package live

import "github.com/prometheus/client_golang/prometheus"

var (
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_live_connections",
			Help: "Number of open live delivery connections.",
		},
	)

	livePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_live_pushes_total",
			Help: "Total number of live pushes by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(liveConnections)
	prometheus.MustRegister(livePushes)
}
