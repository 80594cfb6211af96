package live

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_live_subscribers",
		Help: "Open live session feeds.",
	})
	liveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_live_dropped_total",
		Help: "Events not delivered to a live feed because its buffer was full.",
	})
)
