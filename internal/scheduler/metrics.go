package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	scheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_scheduled_total",
			Help: "Schedule calls by outcome.",
		},
		[]string{"outcome"},
	)
	delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_delivered_total",
		Help: "Reminders shown and removed from the store.",
	})
	renderFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_render_failures_total",
		Help: "Due reminders that could not be shown and were kept.",
	})
	armedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reminders_armed",
		Help: "In-process timers currently armed.",
	})
)

func init() {
	prometheus.MustRegister(scheduled, delivered, renderFailures, armedGauge)
}
