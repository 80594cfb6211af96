package rating

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Store persists ratings. Append must check for an existing rating of the same
// (session, direction) and write the new one as a single atomic step.
type Store interface {
	Append(ctx context.Context, r domain.Rating) error
	Aggregate(ctx context.Context, subject domain.SubjectRef) (domain.Aggregate, error)
}

type ratingKey struct {
	session   uuid.UUID
	direction domain.Direction
}

type tally struct {
	count int
	sum   int64
}

// MemoryStore keeps ratings in an append-only slice guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	seen    map[ratingKey]struct{}
	ratings []domain.Rating
	tallies map[domain.SubjectRef]tally
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:    make(map[ratingKey]struct{}),
		tallies: make(map[domain.SubjectRef]tally),
	}
}

// Append records r unless the same direction already rated the session.
func (m *MemoryStore) Append(_ context.Context, r domain.Rating) error {
	key := ratingKey{session: r.SessionID, direction: r.Direction}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[key]; dup {
		return fmt.Errorf("%w: %s already recorded for session %s", domain.ErrDuplicateRating, r.Direction, r.SessionID)
	}
	m.seen[key] = struct{}{}
	m.ratings = append(m.ratings, r)
	t := m.tallies[r.Subject]
	t.count++
	t.sum += int64(r.Stars)
	m.tallies[r.Subject] = t
	return nil
}

// Aggregate returns count and mean for subject.
func (m *MemoryStore) Aggregate(_ context.Context, subject domain.SubjectRef) (domain.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tallies[subject]
	return domain.NewAggregate(subject, t.count, t.sum), nil
}

// Ratings returns the recorded ratings (for tests and exports).
func (m *MemoryStore) Ratings() []domain.Rating {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Rating(nil), m.ratings...)
}
