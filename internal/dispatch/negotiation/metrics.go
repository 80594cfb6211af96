package negotiation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_negotiation_sessions_opened_total",
		Help: "Total number of negotiation sessions opened.",
	})

	negotiationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_negotiation_outcomes_total",
		Help: "Resolved negotiation sessions grouped by outcome.",
	}, []string{"outcome"})

	negotiationRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_negotiation_rounds",
		Help:    "Rounds used by a session before it resolved.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
)
