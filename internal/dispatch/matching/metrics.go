package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_match_duration_seconds",
		Help:    "Time spent building a ranked candidate list.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	matchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_match_candidates",
		Help:    "Number of candidates returned per match after truncation.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
)
