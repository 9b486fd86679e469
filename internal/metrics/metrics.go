package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courtside",
		Subsystem: "reminder",
		Name:      "reminders_sent_total",
		Help:      "Lessons marked reminder-sent.",
	})
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "courtside",
		Subsystem: "reminder",
		Name:      "tick_duration_seconds",
		Help:      "Duration of reminder scheduler ticks.",
	})
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courtside",
		Subsystem: "notify",
		Name:      "push_deliveries_total",
		Help:      "Per-subscription push delivery outcomes.",
	}, []string{"outcome"}) // delivered | transient | pruned
	EmailDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courtside",
		Subsystem: "notify",
		Name:      "email_deliveries_total",
		Help:      "Email delivery outcomes.",
	}, []string{"outcome"}) // sent | failed
)
