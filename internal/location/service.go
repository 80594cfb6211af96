package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Ingestor applies driver reports to the location index and remembers when
// each cab last reported, so silent cabs can be evicted.
type Ingestor struct {
	index  domain.LocationIndex
	clock  domain.Clock
	logger *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	cabLocks sync.Map // cab id -> *sync.Mutex
}

// NewIngestor constructs an ingestor over index.
func NewIngestor(index domain.LocationIndex, clock domain.Clock, logger *zap.Logger) *Ingestor {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{index: index, clock: clock, logger: logger, lastSeen: make(map[string]time.Time)}
}

// Apply upserts an online cab or removes an offline one. Removing a cab that
// is not indexed is not an error.
func (i *Ingestor) Apply(ctx context.Context, msg *DriverLocation) error {
	if msg.CabId == "" {
		locationUpdates.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: empty cab id", domain.ErrInvalidArgument)
	}
	unlock := i.lockCab(msg.CabId)
	defer unlock()

	if !msg.Online {
		if err := i.index.RemoveDriver(ctx, msg.CabId); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		i.mu.Lock()
		delete(i.lastSeen, msg.CabId)
		i.mu.Unlock()
		locationUpdates.WithLabelValues("removed").Inc()
		return nil
	}
	if err := i.index.UpsertDriver(ctx, msg.CabId, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}); err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			locationUpdates.WithLabelValues("rejected").Inc()
		}
		return err
	}
	i.mu.Lock()
	i.lastSeen[msg.CabId] = i.clock.Now()
	i.mu.Unlock()
	locationUpdates.WithLabelValues("upserted").Inc()
	return nil
}

// LastSeen returns when cabID last reported as online.
func (i *Ingestor) LastSeen(cabID string) (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.lastSeen[cabID]
	return t, ok
}

// EvictStale removes cabs whose last report is older than cutoff. A cab that
// reports again while the sweep runs keeps its fresh position.
func (i *Ingestor) EvictStale(ctx context.Context, cutoff time.Time) int {
	i.mu.Lock()
	var stale []string
	for id, seen := range i.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	i.mu.Unlock()

	evicted := 0
	for _, id := range stale {
		if i.evict(ctx, id, cutoff) {
			evicted++
		}
	}
	if evicted > 0 {
		locationUpdates.WithLabelValues("evicted").Add(float64(evicted))
	}
	return evicted
}

func (i *Ingestor) evict(ctx context.Context, cabID string, cutoff time.Time) bool {
	unlock := i.lockCab(cabID)
	defer unlock()

	i.mu.Lock()
	seen, ok := i.lastSeen[cabID]
	i.mu.Unlock()
	if !ok || !seen.Before(cutoff) {
		return false
	}
	if err := i.index.RemoveDriver(ctx, cabID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		i.logger.Warn("evict stale driver failed", zap.String("cab_id", cabID), zap.Error(err))
		return false
	}
	i.mu.Lock()
	delete(i.lastSeen, cabID)
	i.mu.Unlock()
	return true
}

// lockCab serializes index writes of one cab between Apply and evict.
func (i *Ingestor) lockCab(cabID string) func() {
	m, _ := i.cabLocks.LoadOrStore(cabID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
