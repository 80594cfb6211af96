package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Registry owns every live session. Transitions on the same session are
// serialized by a per-session mutex; distinct sessions never contend.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*entry
	clock     domain.Clock
	maxRounds int
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock domain.Clock, maxRounds int) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Registry{sessions: make(map[uuid.UUID]*entry), clock: clock, maxRounds: maxRounds}
}

// Open creates a session for rider and cab.
func (r *Registry) Open(_ context.Context, riderID string, cab domain.Candidate) (domain.SessionSnapshot, error) {
	s, err := NewSession(uuid.New(), riderID, cab, r.maxRounds, r.clock.Now())
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	r.mu.Lock()
	r.sessions[s.id] = &entry{session: s}
	r.mu.Unlock()
	sessionsOpened.Inc()
	return s.Snapshot(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(_ context.Context, id uuid.UUID) (domain.SessionSnapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Snapshot(), nil
}

// Transition runs fn against a working copy of the session while holding its
// lock. The copy replaces the session only if fn succeeds, so a multi-step fn
// is applied all-or-nothing.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, fn func(s *Session, now time.Time) error) (domain.SessionSnapshot, error) {
	return r.TransitionThen(ctx, id, fn, nil)
}

// TransitionThen is Transition followed by committed, which runs with the
// committed snapshot before the session lock is released. Side effects issued
// from committed are therefore ordered like the transitions themselves.
func (r *Registry) TransitionThen(ctx context.Context, id uuid.UUID, fn func(s *Session, now time.Time) error, committed func(snap domain.SessionSnapshot)) (domain.SessionSnapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.SessionSnapshot{}, err
	}

	working := e.session.clone()
	before := working.state
	if err := fn(working, r.clock.Now()); err != nil {
		return domain.SessionSnapshot{}, err
	}
	e.session = working
	if !before.Terminal() && working.state.Terminal() {
		negotiationOutcomes.WithLabelValues(string(working.resolution.Outcome)).Inc()
		negotiationRounds.Observe(float64(working.rounds))
	}
	snap := working.Snapshot()
	if committed != nil {
		committed(snap)
	}
	return snap, nil
}

// PruneResolved drops terminal sessions last updated before cutoff. Accepted
// sessions stay while their trip is open. Once the trip is completed they stay
// until both directions are rated, or at most until ratingCutoff.
func (r *Registry) PruneResolved(cutoff, ratingCutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.sessions {
		e.mu.Lock()
		stale := e.session.prunable(cutoff, ratingCutoff)
		e.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return e, nil
}
