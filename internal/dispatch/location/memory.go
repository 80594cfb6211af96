package location

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

var errEmptyCabID = fmt.Errorf("%w: empty cab id", domain.ErrInvalidArgument)

// MemoryIndex is an in-process LocationIndex. A query holds the read lock for
// its whole scan, so it never sees a partially applied upsert.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]domain.GeoPoint
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]domain.GeoPoint)}
}

// UpsertDriver stores or replaces the driver position.
func (m *MemoryIndex) UpsertDriver(_ context.Context, cabID string, position domain.GeoPoint) error {
	if cabID == "" {
		return errEmptyCabID
	}
	if err := position.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[cabID] = position
	return nil
}

// RemoveDriver deletes the driver, failing with domain.ErrNotFound when absent.
func (m *MemoryIndex) RemoveDriver(_ context.Context, cabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[cabID]; !ok {
		return fmt.Errorf("%w: driver %q", domain.ErrNotFound, cabID)
	}
	delete(m.positions, cabID)
	return nil
}

// QueryNearby scans all drivers and returns those within radiusKM.
func (m *MemoryIndex) QueryNearby(_ context.Context, position domain.GeoPoint, radiusKM float64) ([]domain.Proximity, error) {
	if err := validateQuery(position, radiusKM); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]domain.Proximity, 0)
	for cabID, point := range m.positions {
		dist := DistanceKM(position, point)
		if dist <= radiusKM {
			hits = append(hits, domain.Proximity{CabID: cabID, DistanceKM: dist})
		}
	}
	return hits, nil
}

// Position returns the stored position of a driver.
func (m *MemoryIndex) Position(cabID string) (domain.GeoPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[cabID]
	return p, ok
}

// Len returns the number of indexed drivers.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}
