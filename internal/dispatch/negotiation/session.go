package negotiation

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// DefaultMaxRounds bounds the number of submit/respond cycles of a session.
const DefaultMaxRounds = 3

// Session mediates one fare negotiation between a rider and a cab. It is not
// safe for concurrent use; the Registry serializes access per session. Every
// method validates before mutating, so a failed call leaves the session as it was.
type Session struct {
	id            uuid.UUID
	riderID       string
	cab           domain.Candidate
	offers        []domain.Offer
	state         domain.SessionState
	resolution    *domain.Resolution
	rounds        int
	maxRounds     int
	tripCompleted bool
	rated         []domain.Direction
	createdAt     time.Time
	updatedAt     time.Time
}

// NewSession opens a session in the OPEN state.
func NewSession(id uuid.UUID, riderID string, cab domain.Candidate, maxRounds int, now time.Time) (*Session, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: empty rider id", domain.ErrInvalidArgument)
	}
	if cab.Cab.ID == "" {
		return nil, fmt.Errorf("%w: empty cab id", domain.ErrInvalidArgument)
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Session{
		id:        id,
		riderID:   riderID,
		cab:       cab,
		state:     domain.StateOpen,
		maxRounds: maxRounds,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// State returns the current state.
func (s *Session) State() domain.SessionState { return s.state }

// SubmitOffer records a rider offer and starts a new round.
func (s *Session) SubmitOffer(amount float64, now time.Time) error {
	if err := s.expect(domain.StateOpen, domain.StateCountered); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	s.rounds++
	s.offers = append(s.offers, domain.Offer{Amount: amount, Proposer: domain.PartyRider, At: now})
	s.transition(domain.StateOfferPending, now)
	return nil
}

// Respond answers the pending offer. A counter that closes the last allowed
// round expires the session instead of handing the turn back to the rider.
func (s *Session) Respond(decision domain.Decision, counterAmount float64, now time.Time) error {
	if err := s.expect(domain.StateOfferPending); err != nil {
		return err
	}
	switch decision {
	case domain.DecisionAccept:
		last := s.offers[len(s.offers)-1]
		s.resolution = &domain.Resolution{Outcome: domain.OutcomeAccepted, Price: last.Amount}
		s.transition(domain.StateAccepted, now)
	case domain.DecisionReject:
		s.resolution = &domain.Resolution{Outcome: domain.OutcomeRejected}
		s.transition(domain.StateRejected, now)
	case domain.DecisionCounter:
		if err := validateAmount(counterAmount); err != nil {
			return err
		}
		s.offers = append(s.offers, domain.Offer{Amount: counterAmount, Proposer: domain.PartyDriver, At: now})
		if s.rounds >= s.maxRounds {
			s.resolution = &domain.Resolution{Outcome: domain.OutcomeExpired}
			s.transition(domain.StateExpired, now)
			return nil
		}
		s.transition(domain.StateCountered, now)
	default:
		return fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidArgument, decision)
	}
	return nil
}

// CompleteTrip marks the trip of an accepted session as finished.
func (s *Session) CompleteTrip(now time.Time) error {
	if s.state != domain.StateAccepted {
		return fmt.Errorf("%w: session %s is %s, trip requires ACCEPTED", domain.ErrInvalidState, s.id, s.state)
	}
	if s.tripCompleted {
		return fmt.Errorf("%w: trip of session %s already completed", domain.ErrInvalidState, s.id)
	}
	s.tripCompleted = true
	s.updatedAt = now
	return nil
}

// MarkRated notes that direction has been rated. Only trips eligible for
// rating can be marked; marking twice is a no-op.
func (s *Session) MarkRated(direction domain.Direction) error {
	if !direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidArgument, direction)
	}
	if s.state != domain.StateAccepted || !s.tripCompleted {
		return fmt.Errorf("%w: session %s has no completed trip", domain.ErrInvalidState, s.id)
	}
	if !s.ratedBy(direction) {
		s.rated = append(s.rated, direction)
	}
	return nil
}

func (s *Session) ratedBy(direction domain.Direction) bool {
	for _, d := range s.rated {
		if d == direction {
			return true
		}
	}
	return false
}

func (s *Session) prunable(cutoff, ratingCutoff time.Time) bool {
	switch {
	case !s.state.Terminal():
		return false
	case s.state != domain.StateAccepted:
		return s.updatedAt.Before(cutoff)
	case !s.tripCompleted:
		return false
	case s.ratedBy(domain.RiderRatesDriver) && s.ratedBy(domain.DriverRatesRider):
		return s.updatedAt.Before(cutoff)
	default:
		return s.updatedAt.Before(ratingCutoff)
	}
}

// Snapshot returns a detached copy.
func (s *Session) Snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:            s.id,
		RiderID:       s.riderID,
		Cab:           s.cab,
		Offers:        append([]domain.Offer(nil), s.offers...),
		State:         s.state,
		Rounds:        s.rounds,
		MaxRounds:     s.maxRounds,
		TripCompleted: s.tripCompleted,
		Rated:         append([]domain.Direction(nil), s.rated...),
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
	if s.resolution != nil {
		res := *s.resolution
		snap.Resolution = &res
	}
	return snap
}

func (s *Session) clone() *Session {
	c := *s
	c.offers = append([]domain.Offer(nil), s.offers...)
	c.rated = append([]domain.Direction(nil), s.rated...)
	if s.resolution != nil {
		res := *s.resolution
		c.resolution = &res
	}
	return &c
}

func (s *Session) expect(allowed ...domain.SessionState) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, s.id, s.state)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, s.id, s.state)
}

func (s *Session) transition(next domain.SessionState, now time.Time) {
	if !s.state.CanTransitionTo(next) {
		panic(fmt.Sprintf("negotiation: illegal transition %s -> %s", s.state, next))
	}
	s.state = next
	s.updatedAt = now
}

func validateAmount(amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: amount must be a positive number", domain.ErrInvalidArgument)
	}
	return nil
}
