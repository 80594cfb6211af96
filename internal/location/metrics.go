package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var locationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_location_updates_total",
	Help: "Driver position reports by result (upserted, removed, rejected, evicted).",
}, []string{"result"})
