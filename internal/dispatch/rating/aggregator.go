package rating

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const (
	MinStars = 1
	MaxStars = 5
)

// SessionReader resolves the negotiation session a rating refers to.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.SessionSnapshot, error)
}

// Aggregator records mutual post-trip ratings and answers per-subject aggregates.
type Aggregator struct {
	sessions SessionReader
	store    Store
	clock    domain.Clock
	logger   *zap.Logger
}

// NewAggregator wires the aggregator.
func NewAggregator(sessions SessionReader, store Store, clock domain.Clock, logger *zap.Logger) (*Aggregator, error) {
	if sessions == nil {
		return nil, errors.New("session reader is required")
	}
	if store == nil {
		return nil, errors.New("rating store is required")
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{sessions: sessions, store: store, clock: clock, logger: logger}, nil
}

// Record stores a rating for a completed, accepted session.
func (a *Aggregator) Record(ctx context.Context, sessionID uuid.UUID, direction domain.Direction, stars int) (domain.Rating, error) {
	if stars < MinStars || stars > MaxStars {
		return domain.Rating{}, fmt.Errorf("%w: stars must be within [%d,%d], got %d", domain.ErrInvalidArgument, MinStars, MaxStars, stars)
	}
	if !direction.Valid() {
		return domain.Rating{}, fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidArgument, direction)
	}
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Rating{}, err
	}
	if !session.RatingEligible() {
		return domain.Rating{}, fmt.Errorf("%w: session %s is %s (trip completed: %t)", domain.ErrInvalidState, sessionID, session.State, session.TripCompleted)
	}

	r := domain.Rating{
		SessionID: sessionID,
		Direction: direction,
		Subject:   direction.Subject(session),
		Stars:     stars,
		At:        a.clock.Now(),
	}
	if err := a.store.Append(ctx, r); err != nil {
		return domain.Rating{}, err
	}
	ratingsRecorded.WithLabelValues(string(direction), strconv.Itoa(stars)).Inc()
	a.logger.Debug("rating recorded",
		zap.String("session_id", sessionID.String()),
		zap.String("direction", string(direction)),
		zap.Stringer("subject", r.Subject),
		zap.Int("stars", stars))
	return r, nil
}

// Aggregate returns the count and mean of the subject's ratings. A subject
// without ratings yields Count 0 and a nil Mean.
func (a *Aggregator) Aggregate(ctx context.Context, subject domain.SubjectRef) (domain.Aggregate, error) {
	if subject.ID == "" || (subject.Party != domain.PartyRider && subject.Party != domain.PartyDriver) {
		return domain.Aggregate{}, fmt.Errorf("%w: invalid subject %q", domain.ErrInvalidArgument, subject.String())
	}
	return a.store.Aggregate(ctx, subject)
}
