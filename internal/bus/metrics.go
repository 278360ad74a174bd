package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	busMessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_bus_messages_consumed_total",
			Help: "Messages delivered to consumers by topic.",
		},
		[]string{"topic"},
	)

	busHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_bus_handler_errors_total",
			Help: "Messages left uncommitted because the handler failed.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(busMessagesConsumed, busHandlerErrors)
}
