package domain

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects non-finite coordinates and those outside the valid
// latitude/longitude ranges.
func (p GeoPoint) Validate() error {
	if !finite(p.Lat) || !finite(p.Lng) {
		return fmt.Errorf("%w: coordinate (%f, %f) is not finite", ErrInvalidArgument, p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: coordinate (%f, %f) out of range", ErrInvalidArgument, p.Lat, p.Lng)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Cab is the fleet profile of a driver's vehicle.
type Cab struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BasePrice float64 `json:"base_price"`
}

// Proximity is a single radius query hit.
type Proximity struct {
	CabID      string
	DistanceKM float64
}

// Candidate is a cab returned by matching, carrying a price quote and distance.
type Candidate struct {
	Cab          Cab     `json:"cab"`
	Price        float64 `json:"price"`
	DistanceKM   float64 `json:"distance_km"`
	PickupETASec float64 `json:"pickup_eta_sec"`
}

// SessionState is the negotiation state machine position.
type SessionState string

const (
	StateOpen         SessionState = "OPEN"
	StateOfferPending SessionState = "OFFER_PENDING"
	StateCountered    SessionState = "COUNTERED"
	StateAccepted     SessionState = "ACCEPTED"
	StateRejected     SessionState = "REJECTED"
	StateExpired      SessionState = "EXPIRED"
)

var allowedTransitions = map[SessionState][]SessionState{
	StateOpen:         {StateOfferPending},
	StateOfferPending: {StateAccepted, StateCountered, StateRejected, StateExpired},
	StateCountered:    {StateOfferPending},
}

// CanTransitionTo reports whether next is reachable from s in a single step.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

// Party identifies a side of the negotiation.
type Party string

const (
	PartyRider  Party = "rider"
	PartyDriver Party = "driver"
)

// Offer is a fare proposal in a session's history.
type Offer struct {
	Amount   float64   `json:"amount"`
	Proposer Party     `json:"proposer"`
	At       time.Time `json:"at"`
}

// Decision is the responder's answer to a pending offer.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
	DecisionCounter Decision = "counter"
)

// Outcome is how a session was resolved.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
)

// Resolution is set once a session reaches a terminal state. Price is only
// meaningful for accepted sessions.
type Resolution struct {
	Outcome Outcome `json:"outcome"`
	Price   float64 `json:"price,omitempty"`
}

// SessionSnapshot is a detached copy of a negotiation session.
type SessionSnapshot struct {
	ID            uuid.UUID    `json:"id"`
	RiderID       string       `json:"rider_id"`
	Cab           Candidate    `json:"cab"`
	Offers        []Offer      `json:"offers"`
	State         SessionState `json:"state"`
	Resolution    *Resolution  `json:"resolution,omitempty"`
	Rounds        int          `json:"rounds"`
	MaxRounds     int          `json:"max_rounds"`
	TripCompleted bool         `json:"trip_completed"`
	Rated         []Direction  `json:"rated,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// LastOffer returns the most recent offer, if any.
func (s SessionSnapshot) LastOffer() (Offer, bool) {
	if len(s.Offers) == 0 {
		return Offer{}, false
	}
	return s.Offers[len(s.Offers)-1], true
}

// RatingEligible reports whether the trip behind the session may be rated.
func (s SessionSnapshot) RatingEligible() bool {
	return s.State == StateAccepted && s.TripCompleted
}

// Direction says who rates whom.
type Direction string

const (
	RiderRatesDriver Direction = "rider_rates_driver"
	DriverRatesRider Direction = "driver_rates_rider"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == RiderRatesDriver || d == DriverRatesRider
}

// Subject resolves the rated party of a session for this direction.
func (d Direction) Subject(s SessionSnapshot) SubjectRef {
	if d == DriverRatesRider {
		return SubjectRef{Party: PartyRider, ID: s.RiderID}
	}
	return SubjectRef{Party: PartyDriver, ID: s.Cab.Cab.ID}
}

// SubjectRef names a rated party. Rider and cab ids live in separate namespaces.
type SubjectRef struct {
	Party Party  `json:"party"`
	ID    string `json:"id"`
}

func (s SubjectRef) String() string { return string(s.Party) + ":" + s.ID }

// Rating is an immutable star rating for one direction of a session.
type Rating struct {
	SessionID uuid.UUID  `json:"session_id"`
	Direction Direction  `json:"direction"`
	Subject   SubjectRef `json:"subject"`
	Stars     int        `json:"stars"`
	At        time.Time  `json:"at"`
}

// Aggregate summarises all ratings of a subject. A nil Mean means no ratings yet.
type Aggregate struct {
	Subject SubjectRef `json:"subject"`
	Count   int        `json:"count"`
	Mean    *float64   `json:"mean"`
}

// NewAggregate derives the mean from a count and star sum.
func NewAggregate(subject SubjectRef, count int, sum int64) Aggregate {
	agg := Aggregate{Subject: subject, Count: count}
	if count > 0 {
		mean := float64(sum) / float64(count)
		agg.Mean = &mean
	}
	return agg
}

// LocationIndex holds current driver positions and answers radius queries.
// Results of QueryNearby are unordered.
type LocationIndex interface {
	UpsertDriver(ctx context.Context, cabID string, position GeoPoint) error
	RemoveDriver(ctx context.Context, cabID string) error
	QueryNearby(ctx context.Context, position GeoPoint, radiusKM float64) ([]Proximity, error)
}

// EventPublisher ships dispatch events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
