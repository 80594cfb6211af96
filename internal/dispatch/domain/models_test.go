package domain

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionStateTransitions(t *testing.T) {
	require.True(t, StateOpen.CanTransitionTo(StateOfferPending))
	require.True(t, StateOfferPending.CanTransitionTo(StateCountered))
	require.True(t, StateOfferPending.CanTransitionTo(StateExpired))
	require.True(t, StateCountered.CanTransitionTo(StateOfferPending))
	require.False(t, StateOpen.CanTransitionTo(StateAccepted))
	require.False(t, StateCountered.CanTransitionTo(StateAccepted))

	for _, terminal := range []SessionState{StateAccepted, StateRejected, StateExpired} {
		require.True(t, terminal.Terminal())
		for _, next := range []SessionState{StateOpen, StateOfferPending, StateCountered, StateAccepted} {
			require.False(t, terminal.CanTransitionTo(next))
		}
	}
}

func TestGeoPointValidate(t *testing.T) {
	require.NoError(t, GeoPoint{Lat: 90, Lng: -180}.Validate())
	require.ErrorIs(t, GeoPoint{Lat: 90.1}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, GeoPoint{Lng: 181}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, GeoPoint{Lat: math.NaN()}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, GeoPoint{Lng: math.NaN()}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, GeoPoint{Lng: math.Inf(1)}.Validate(), ErrInvalidArgument)
}

func TestDirectionSubject(t *testing.T) {
	snap := SessionSnapshot{RiderID: "rider-1", Cab: Candidate{Cab: Cab{ID: "cab-1"}}}
	require.Equal(t, SubjectRef{Party: PartyDriver, ID: "cab-1"}, RiderRatesDriver.Subject(snap))
	require.Equal(t, SubjectRef{Party: PartyRider, ID: "rider-1"}, DriverRatesRider.Subject(snap))
	require.Equal(t, "rider:rider-1", DriverRatesRider.Subject(snap).String())
	require.False(t, Direction("both").Valid())
}

func TestRatingEligible(t *testing.T) {
	snap := SessionSnapshot{State: StateAccepted}
	require.False(t, snap.RatingEligible())
	snap.TripCompleted = true
	require.True(t, snap.RatingEligible())
	snap.State = StateExpired
	require.False(t, snap.RatingEligible())
}

func TestNewAggregate(t *testing.T) {
	empty := NewAggregate(SubjectRef{Party: PartyDriver, ID: "x"}, 0, 0)
	require.Nil(t, empty.Mean)

	agg := NewAggregate(SubjectRef{Party: PartyDriver, ID: "x"}, 3, 10)
	require.Equal(t, 3, agg.Count)
	require.InDelta(t, 3.333, *agg.Mean, 0.001)
}

func TestEventForState(t *testing.T) {
	require.Equal(t, EventOfferSubmitted, EventForState(StateOfferPending))
	require.Equal(t, EventOfferCountered, EventForState(StateCountered))
	require.Equal(t, EventOfferAccepted, EventForState(StateAccepted))
	require.Equal(t, EventOfferRejected, EventForState(StateRejected))
	require.Equal(t, EventSessionExpired, EventForState(StateExpired))
}

type recordingPublisher struct {
	got []DispatchEventType
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, e DispatchEvent) error {
	r.got = append(r.got, e.Type)
	return r.err
}

func TestPublishersFanOutAndJoinErrors(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("broker down")}
	pubs := Publishers{failing, ok}

	err := pubs.Publish(context.Background(), DispatchEvent{Type: EventTripCompleted})
	require.ErrorContains(t, err, "broker down")
	require.Equal(t, []DispatchEventType{EventTripCompleted}, ok.got)
	require.Equal(t, []DispatchEventType{EventTripCompleted}, failing.got)

	require.NoError(t, Publishers{ok}.Publish(context.Background(), DispatchEvent{}))
}
