package store

import "github.com/prometheus/client_golang/prometheus"

// fallbackOps counts operations served by the fallback backend because the
// primary could not serve them.
var fallbackOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reminder_store_fallback_total",
		Help: "Durable store operations served by the fallback backend.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(fallbackOps)
}
