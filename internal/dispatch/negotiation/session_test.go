package negotiation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testCab() domain.Candidate {
	return domain.Candidate{Cab: domain.Cab{ID: "1", Name: "Cab 1", BasePrice: 20}, Price: 20, DistanceKM: 0.5}
}

func newTestSession(t *testing.T, maxRounds int) *Session {
	t.Helper()
	s, err := NewSession(uuid.New(), "rider-1", testCab(), maxRounds, t0)
	require.NoError(t, err)
	require.Equal(t, domain.StateOpen, s.State())
	return s
}

func TestSubmitThenAcceptResolvesAtOfferedPrice(t *testing.T) {
	for _, amount := range []float64{0.01, 12.5, 20, 999} {
		s := newTestSession(t, 3)
		require.NoError(t, s.SubmitOffer(amount, t0))
		require.Equal(t, domain.StateOfferPending, s.State())
		require.NoError(t, s.Respond(domain.DecisionAccept, 0, t0))

		snap := s.Snapshot()
		require.Equal(t, domain.StateAccepted, snap.State)
		require.NotNil(t, snap.Resolution)
		require.Equal(t, domain.OutcomeAccepted, snap.Resolution.Outcome)
		require.Equal(t, amount, snap.Resolution.Price)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	s := newTestSession(t, 3)
	require.NoError(t, s.SubmitOffer(5, t0))
	require.NoError(t, s.Respond(domain.DecisionReject, 0, t0))
	require.Equal(t, domain.StateRejected, s.State())

	require.ErrorIs(t, s.SubmitOffer(10, t0), domain.ErrInvalidState)
	require.ErrorIs(t, s.Respond(domain.DecisionAccept, 0, t0), domain.ErrInvalidState)
	require.ErrorIs(t, s.CompleteTrip(t0), domain.ErrInvalidState)
	require.Equal(t, domain.OutcomeRejected, s.Snapshot().Resolution.Outcome)
}

func TestCounterHandsTurnBackToRider(t *testing.T) {
	s := newTestSession(t, 3)
	require.NoError(t, s.SubmitOffer(10, t0))
	require.NoError(t, s.Respond(domain.DecisionCounter, 16, t0.Add(time.Second)))
	require.Equal(t, domain.StateCountered, s.State())

	require.NoError(t, s.SubmitOffer(16, t0.Add(2*time.Second)))
	require.NoError(t, s.Respond(domain.DecisionAccept, 0, t0.Add(3*time.Second)))

	snap := s.Snapshot()
	require.Equal(t, 16.0, snap.Resolution.Price)
	require.Equal(t, 2, snap.Rounds)
	require.Equal(t, []domain.Offer{
		{Amount: 10, Proposer: domain.PartyRider, At: t0},
		{Amount: 16, Proposer: domain.PartyDriver, At: t0.Add(time.Second)},
		{Amount: 16, Proposer: domain.PartyRider, At: t0.Add(2 * time.Second)},
	}, snap.Offers)
	require.Equal(t, t0.Add(3*time.Second), snap.UpdatedAt)
}

func TestRoundLimitExpiresSession(t *testing.T) {
	s := newTestSession(t, 3)
	for round := 1; round <= 3; round++ {
		require.NoError(t, s.SubmitOffer(float64(round), t0))
		require.NoError(t, s.Respond(domain.DecisionCounter, 15, t0))
	}
	require.Equal(t, domain.StateExpired, s.State())
	require.Equal(t, domain.OutcomeExpired, s.Snapshot().Resolution.Outcome)

	// the fourth cycle is refused
	require.ErrorIs(t, s.SubmitOffer(4, t0), domain.ErrInvalidState)
	require.ErrorIs(t, s.Respond(domain.DecisionAccept, 0, t0), domain.ErrInvalidState)
}

func TestSubmitOfferValidation(t *testing.T) {
	s := newTestSession(t, 3)
	for _, bad := range []float64{0, -1} {
		require.ErrorIs(t, s.SubmitOffer(bad, t0), domain.ErrInvalidArgument)
	}
	snap := s.Snapshot()
	require.Equal(t, domain.StateOpen, snap.State)
	require.Empty(t, snap.Offers)
	require.Zero(t, snap.Rounds)
}

func TestRespondValidation(t *testing.T) {
	s := newTestSession(t, 3)
	require.ErrorIs(t, s.Respond(domain.DecisionAccept, 0, t0), domain.ErrInvalidState)

	require.NoError(t, s.SubmitOffer(10, t0))
	require.ErrorIs(t, s.SubmitOffer(11, t0), domain.ErrInvalidState)
	require.ErrorIs(t, s.Respond(domain.DecisionCounter, 0, t0), domain.ErrInvalidArgument)
	require.ErrorIs(t, s.Respond(domain.Decision("maybe"), 0, t0), domain.ErrInvalidArgument)

	snap := s.Snapshot()
	require.Equal(t, domain.StateOfferPending, snap.State)
	require.Len(t, snap.Offers, 1)
}

func TestCompleteTrip(t *testing.T) {
	s := newTestSession(t, 3)
	require.ErrorIs(t, s.CompleteTrip(t0), domain.ErrInvalidState)
	require.NoError(t, s.SubmitOffer(18, t0))
	require.NoError(t, s.Respond(domain.DecisionAccept, 0, t0))
	require.NoError(t, s.CompleteTrip(t0))
	require.True(t, s.Snapshot().RatingEligible())
	require.ErrorIs(t, s.CompleteTrip(t0), domain.ErrInvalidState)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newTestSession(t, 3)
	require.NoError(t, s.SubmitOffer(10, t0))
	snap := s.Snapshot()
	snap.Offers[0].Amount = 1000
	require.Equal(t, 10.0, s.Snapshot().Offers[0].Amount)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(uuid.New(), "", testCab(), 3, t0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = NewSession(uuid.New(), "rider", domain.Candidate{}, 3, t0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	s, err := NewSession(uuid.New(), "rider", testCab(), 0, t0)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRounds, s.Snapshot().MaxRounds)
}
