package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/dispatch/negotiation"
)

// DefaultMaxResults caps candidate lists when no limit is configured.
const DefaultMaxResults = 10

// CabMatcher ranks nearby cabs for a rider position.
type CabMatcher interface {
	Match(ctx context.Context, rider *domain.GeoPoint, maxResults int) ([]domain.Candidate, error)
}

// Ratings records and summarises post-trip ratings.
type Ratings interface {
	Record(ctx context.Context, sessionID uuid.UUID, direction domain.Direction, stars int) (domain.Rating, error)
	Aggregate(ctx context.Context, subject domain.SubjectRef) (domain.Aggregate, error)
}

// Config holds coordinator tunables.
type Config struct {
	MaxResults int
	// Responder answers rider offers on behalf of the driver. Nil leaves
	// responses to explicit respond actions.
	Responder negotiation.Policy
}

// Service coordinates matching, negotiation and rating for riders and drivers.
type Service struct {
	matcher  CabMatcher
	sessions *negotiation.Registry
	ratings  Ratings
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config

	mu     sync.Mutex
	latest map[string]candidateList
}

type candidateList struct {
	candidates []domain.Candidate
	matchedAt  time.Time
}

// New constructs a Service with the required collaborators.
func New(matcher CabMatcher, sessions *negotiation.Registry, ratings Ratings, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) (*Service, error) {
	if matcher == nil || sessions == nil || ratings == nil {
		return nil, errors.New("matcher, session registry and ratings are required")
	}
	if events == nil {
		events = nopPublisher{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	return &Service{
		matcher:  matcher,
		sessions: sessions,
		ratings:  ratings,
		events:   events,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("dispatch.service"),
		cfg:      cfg,
		latest:   make(map[string]candidateList),
	}, nil
}

// RequestCabs matches cabs around the rider and remembers the list as the one
// SelectCab validates against. A failed request keeps the previous list.
func (s *Service) RequestCabs(ctx context.Context, riderID string, location *domain.GeoPoint) ([]domain.Candidate, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.request_cabs", trace.WithAttributes(attribute.String("rider_id", riderID)))
	defer span.End()

	if riderID == "" {
		return nil, endSpan(span, fmt.Errorf("%w: empty rider id", domain.ErrInvalidArgument))
	}
	candidates, err := s.matcher.Match(ctx, location, s.cfg.MaxResults)
	if err != nil {
		return nil, endSpan(span, err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	s.mu.Lock()
	s.latest[riderID] = candidateList{
		candidates: append([]domain.Candidate(nil), candidates...),
		matchedAt:  s.clock.Now(),
	}
	s.mu.Unlock()
	return candidates, nil
}

// PruneCandidateLists forgets candidate lists matched before cutoff. A rider
// whose list was pruned must request cabs again before selecting one.
func (s *Service) PruneCandidateLists(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for rider, list := range s.latest {
		if list.matchedAt.Before(cutoff) {
			delete(s.latest, rider)
			removed++
		}
	}
	return removed
}

// SelectCab opens a negotiation with a cab from the rider's latest list.
func (s *Service) SelectCab(ctx context.Context, riderID, cabID string) (domain.SessionSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.select_cab", trace.WithAttributes(
		attribute.String("rider_id", riderID),
		attribute.String("cab_id", cabID),
	))
	defer span.End()

	candidate, ok := s.candidate(riderID, cabID)
	if !ok {
		return domain.SessionSnapshot{}, endSpan(span, fmt.Errorf("%w: cab %q is not in the latest list of rider %q", domain.ErrNotFound, cabID, riderID))
	}
	snap, err := s.sessions.Open(ctx, riderID, candidate)
	if err != nil {
		return domain.SessionSnapshot{}, endSpan(span, err)
	}
	span.SetAttributes(attribute.String("session_id", snap.ID.String()))
	s.publish(ctx, snap.ID, domain.EventSessionOpened, map[string]any{
		"rider_id": riderID,
		"cab_id":   cabID,
		"price":    candidate.Price,
	})
	return snap, nil
}

// ActionType selects which side of the negotiation acts.
type ActionType string

const (
	ActionOffer   ActionType = "offer"
	ActionRespond ActionType = "respond"
)

// Action is one negotiation step. Offers carry Amount; responses carry
// Decision and, for counters, CounterAmount.
type Action struct {
	Type          ActionType      `json:"type"`
	Amount        float64         `json:"amount,omitempty"`
	Decision      domain.Decision `json:"decision,omitempty"`
	CounterAmount float64         `json:"counter_amount,omitempty"`
}

// AdvanceNegotiation applies action to the session. With a responder
// configured, an offer and its automated answer form a single transition.
func (s *Service) AdvanceNegotiation(ctx context.Context, sessionID uuid.UUID, action Action) (domain.SessionSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.advance_negotiation", trace.WithAttributes(
		attribute.String("session_id", sessionID.String()),
		attribute.String("action", string(action.Type)),
	))
	defer span.End()

	var steps []domain.DispatchEventType
	snap, err := s.sessions.TransitionThen(ctx, sessionID, func(sess *negotiation.Session, now time.Time) error {
		steps = steps[:0]
		switch action.Type {
		case ActionOffer:
			if err := sess.SubmitOffer(action.Amount, now); err != nil {
				return err
			}
			steps = append(steps, domain.EventOfferSubmitted)
			if s.cfg.Responder == nil {
				return nil
			}
			decision, counter := s.cfg.Responder.Decide(sess.Snapshot())
			if err := sess.Respond(decision, counter, now); err != nil {
				return fmt.Errorf("automated response: %w", err)
			}
		case ActionRespond:
			if err := sess.Respond(action.Decision, action.CounterAmount, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action.Type)
		}
		steps = append(steps, domain.EventForState(sess.State()))
		return nil
	}, func(snap domain.SessionSnapshot) {
		for _, step := range steps {
			s.publish(ctx, snap.ID, step, negotiationPayload(snap))
		}
	})
	if err != nil {
		return domain.SessionSnapshot{}, endSpan(span, err)
	}
	span.SetAttributes(attribute.String("state", string(snap.State)))
	return snap, nil
}

// CompleteTrip marks the accepted session's trip as finished, unlocking ratings.
func (s *Service) CompleteTrip(ctx context.Context, sessionID uuid.UUID) (domain.SessionSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.complete_trip", trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer span.End()

	snap, err := s.sessions.TransitionThen(ctx, sessionID, func(sess *negotiation.Session, now time.Time) error {
		return sess.CompleteTrip(now)
	}, func(snap domain.SessionSnapshot) {
		payload := map[string]any{"rider_id": snap.RiderID, "cab_id": snap.Cab.Cab.ID}
		if snap.Resolution != nil {
			payload["price"] = snap.Resolution.Price
		}
		s.publish(ctx, snap.ID, domain.EventTripCompleted, payload)
	})
	if err != nil {
		return domain.SessionSnapshot{}, endSpan(span, err)
	}
	return snap, nil
}

// Rate records a rating for one direction of a completed trip.
func (s *Service) Rate(ctx context.Context, sessionID uuid.UUID, direction domain.Direction, stars int) (domain.Rating, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.rate", trace.WithAttributes(
		attribute.String("session_id", sessionID.String()),
		attribute.String("direction", string(direction)),
	))
	defer span.End()

	r, err := s.ratings.Record(ctx, sessionID, direction, stars)
	if err != nil {
		return domain.Rating{}, endSpan(span, err)
	}
	payload := map[string]any{
		"direction": string(r.Direction),
		"subject":   r.Subject.String(),
		"stars":     r.Stars,
	}
	// the rating is stored; marking the session only extends its retention
	_, err = s.sessions.TransitionThen(ctx, sessionID, func(sess *negotiation.Session, _ time.Time) error {
		return sess.MarkRated(r.Direction)
	}, func(domain.SessionSnapshot) {
		s.publish(ctx, sessionID, domain.EventRatingRecorded, payload)
	})
	if err != nil {
		s.logger.Warn("mark session rated failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		s.publish(ctx, sessionID, domain.EventRatingRecorded, payload)
	}
	return r, nil
}

// Session returns a snapshot of a negotiation session.
func (s *Service) Session(ctx context.Context, id uuid.UUID) (domain.SessionSnapshot, error) {
	return s.sessions.Get(ctx, id)
}

// Aggregate returns the rating summary of a rider or driver.
func (s *Service) Aggregate(ctx context.Context, subject domain.SubjectRef) (domain.Aggregate, error) {
	return s.ratings.Aggregate(ctx, subject)
}

func (s *Service) candidate(riderID, cabID string) (domain.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.latest[riderID].candidates {
		if c.Cab.ID == cabID {
			return c, true
		}
	}
	return domain.Candidate{}, false
}

func (s *Service) publish(ctx context.Context, sessionID uuid.UUID, typ domain.DispatchEventType, payload map[string]any) {
	event := domain.DispatchEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish dispatch event failed",
			zap.Error(err),
			zap.String("type", string(typ)),
			zap.String("session_id", sessionID.String()),
		)
	}
}

func negotiationPayload(snap domain.SessionSnapshot) map[string]any {
	payload := map[string]any{
		"state":  string(snap.State),
		"rounds": snap.Rounds,
	}
	if last, ok := snap.LastOffer(); ok {
		payload["amount"] = last.Amount
		payload["proposer"] = string(last.Proposer)
	}
	if snap.Resolution != nil {
		payload["outcome"] = string(snap.Resolution.Outcome)
	}
	return payload
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.DispatchEvent) error { return nil }
