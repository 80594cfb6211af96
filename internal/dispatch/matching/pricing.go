package matching

import (
	"math"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Pricing quotes a fare for a cab at a given pickup distance. Implementations
// must be deterministic.
type Pricing interface {
	Quote(cab domain.Cab, distanceKM float64) float64
}

// PricingFunc adapts a plain function to Pricing.
type PricingFunc func(cab domain.Cab, distanceKM float64) float64

func (f PricingFunc) Quote(cab domain.Cab, distanceKM float64) float64 { return f(cab, distanceKM) }

// DistanceTariff charges the cab's base price plus PerKM for every kilometre
// of pickup distance. The quote never decreases as distance grows.
type DistanceTariff struct {
	PerKM float64
}

func (t DistanceTariff) Quote(cab domain.Cab, distanceKM float64) float64 {
	perKM := t.PerKM
	if perKM < 0 {
		perKM = 0
	}
	return roundCents(cab.BasePrice + perKM*math.Max(distanceKM, 0))
}

// FlatPricing quotes the base price regardless of distance.
var FlatPricing = PricingFunc(func(cab domain.Cab, _ float64) float64 { return cab.BasePrice })

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
