package intent

import "github.com/prometheus/client_golang/prometheus"

var intentClassifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "concierge_intent_classifications_total",
		Help: "Classified messages by intent and classification source.",
	},
	[]string{"intent", "source"},
)

func init() {
	prometheus.MustRegister(intentClassifications)
}
