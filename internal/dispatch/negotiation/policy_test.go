package negotiation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

func withOffer(amount float64) domain.SessionSnapshot {
	return domain.SessionSnapshot{
		Cab:    domain.Candidate{Cab: domain.Cab{ID: "1", BasePrice: 20}, Price: 20},
		Offers: []domain.Offer{{Amount: amount, Proposer: domain.PartyRider}},
	}
}

func TestThresholdPolicy(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name     string
		offer    float64
		decision domain.Decision
		counter  float64
	}{
		{name: "at asking price", offer: 20, decision: domain.DecisionAccept},
		{name: "exactly at threshold", offer: 16, decision: domain.DecisionAccept},
		{name: "between floor and threshold", offer: 12, decision: domain.DecisionCounter, counter: 16},
		{name: "exactly at floor", offer: 10, decision: domain.DecisionCounter, counter: 16},
		{name: "below floor", offer: 9.99, decision: domain.DecisionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, counter := p.Decide(withOffer(tt.offer))
			require.Equal(t, tt.decision, decision)
			require.Equal(t, tt.counter, counter)
		})
	}
}

func TestThresholdPolicyIsDeterministic(t *testing.T) {
	p := DefaultPolicy()
	snap := withOffer(13)
	d1, c1 := p.Decide(snap)
	for i := 0; i < 50; i++ {
		d, c := p.Decide(snap)
		require.Equal(t, d1, d)
		require.Equal(t, c1, c)
	}
}

func TestThresholdPolicyFallsBackToBasePrice(t *testing.T) {
	snap := withOffer(8)
	snap.Cab.Price = 0
	snap.Cab.Cab.BasePrice = 10
	decision, _ := ThresholdPolicy{AcceptRatio: 0.8}.Decide(snap)
	require.Equal(t, domain.DecisionAccept, decision)
}

func TestThresholdPolicyWithoutOfferRejects(t *testing.T) {
	decision, _ := DefaultPolicy().Decide(domain.SessionSnapshot{})
	require.Equal(t, domain.DecisionReject, decision)
}
