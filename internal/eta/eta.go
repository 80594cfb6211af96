package eta

import (
	"math"
	"time"
)

const defaultSpeedKMH = 30.0

// Estimator turns a straight-line pickup distance into an arrival estimate
// using an average urban speed.
type Estimator struct {
	speedKMH float64
}

// New creates an estimator; a non-positive speed falls back to 30 km/h.
func New(speedKMH float64) *Estimator {
	if speedKMH <= 0 || math.IsNaN(speedKMH) {
		speedKMH = defaultSpeedKMH
	}
	return &Estimator{speedKMH: speedKMH}
}

// Pickup returns the time a driver needs to cover distanceKM, rounded to the second.
func (e *Estimator) Pickup(distanceKM float64) time.Duration {
	if distanceKM <= 0 {
		return 0
	}
	meterPerSecond := e.speedKMH * 1000.0 / 3600.0
	sec := distanceKM * 1000.0 / meterPerSecond
	return time.Duration(math.Round(sec)) * time.Second
}
