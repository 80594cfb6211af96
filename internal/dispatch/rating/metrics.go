package rating

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ratingsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_ratings_recorded_total",
	Help: "Ratings recorded grouped by direction and star value.",
}, []string{"direction", "stars"})
