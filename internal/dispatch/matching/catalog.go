package matching

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Catalog resolves fleet profiles for cab ids returned by the location index.
type Catalog interface {
	Lookup(ctx context.Context, ids []string) (map[string]domain.Cab, error)
}

// MemoryCatalog is an in-memory fleet registry.
type MemoryCatalog struct {
	mu   sync.RWMutex
	cabs map[string]domain.Cab
}

// NewMemoryCatalog constructs an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{cabs: make(map[string]domain.Cab)}
}

// Put registers or replaces a cab profile.
func (c *MemoryCatalog) Put(_ context.Context, cab domain.Cab) error {
	if cab.ID == "" {
		return fmt.Errorf("%w: empty cab id", domain.ErrInvalidArgument)
	}
	if cab.BasePrice <= 0 || math.IsNaN(cab.BasePrice) || math.IsInf(cab.BasePrice, 0) {
		return fmt.Errorf("%w: base price must be positive", domain.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cabs[cab.ID] = cab
	return nil
}

// Get returns a single profile.
func (c *MemoryCatalog) Get(_ context.Context, id string) (domain.Cab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cab, ok := c.cabs[id]
	if !ok {
		return domain.Cab{}, fmt.Errorf("%w: cab %q", domain.ErrNotFound, id)
	}
	return cab, nil
}

// Lookup returns the known profiles among ids; unknown ids are omitted.
func (c *MemoryCatalog) Lookup(_ context.Context, ids []string) (map[string]domain.Cab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Cab, len(ids))
	for _, id := range ids {
		if cab, ok := c.cabs[id]; ok {
			out[id] = cab
		}
	}
	return out, nil
}
