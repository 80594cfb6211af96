package negotiation

import (
	"math"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Policy decides how the driver side answers a pending offer. Implementations
// must be deterministic for a given snapshot.
type Policy interface {
	Decide(session domain.SessionSnapshot) (domain.Decision, float64)
}

// ThresholdPolicy compares the pending offer against the quoted fare of the
// session's cab: offers at or above AcceptRatio of the quote are accepted,
// offers below FloorRatio are rejected, anything in between is countered at
// AcceptRatio of the quote.
type ThresholdPolicy struct {
	AcceptRatio float64
	FloorRatio  float64
}

// DefaultPolicy accepts at 80% of the quote and rejects below 50%.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{AcceptRatio: 0.8, FloorRatio: 0.5}
}

func (p ThresholdPolicy) Decide(session domain.SessionSnapshot) (domain.Decision, float64) {
	offer, ok := session.LastOffer()
	if !ok {
		return domain.DecisionReject, 0
	}
	acceptRatio, floorRatio := p.AcceptRatio, p.FloorRatio
	if acceptRatio <= 0 {
		acceptRatio = DefaultPolicy().AcceptRatio
	}
	if floorRatio < 0 || floorRatio > acceptRatio {
		floorRatio = acceptRatio
	}

	asking := askingPrice(session.Cab)
	minimum := roundCents(asking * acceptRatio)
	switch {
	case offer.Amount >= minimum:
		return domain.DecisionAccept, 0
	case offer.Amount < asking*floorRatio:
		return domain.DecisionReject, 0
	default:
		return domain.DecisionCounter, minimum
	}
}

func askingPrice(c domain.Candidate) float64 {
	if c.Price > 0 {
		return c.Price
	}
	return c.Cab.BasePrice
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
