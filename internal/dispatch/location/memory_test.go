package location

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// northOf returns a point distanceKM due north of the origin.
func northOf(distanceKM float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: distanceKM / (earthRadiusKM * math.Pi / 180), Lng: 0}
}

func TestDistanceKM(t *testing.T) {
	require.InDelta(t, 0.0, DistanceKM(domain.GeoPoint{}, domain.GeoPoint{}), 1e-9)
	require.InDelta(t, 1.0, DistanceKM(domain.GeoPoint{}, northOf(1.0)), 1e-6)
	// Tehran -> Karaj, roughly 34km
	require.InDelta(t, 34, DistanceKM(domain.GeoPoint{Lat: 35.6892, Lng: 51.3890}, domain.GeoPoint{Lat: 35.8400, Lng: 50.9391}), 2)
}

func TestMemoryIndexQueryNearbyRespectsRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.UpsertDriver(ctx, "near", northOf(0.5)))
	require.NoError(t, idx.UpsertDriver(ctx, "edge", northOf(0.99)))
	require.NoError(t, idx.UpsertDriver(ctx, "far", northOf(3)))

	hits, err := idx.QueryNearby(ctx, domain.GeoPoint{}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		require.LessOrEqual(t, h.DistanceKM, 1.0)
		require.NotEqual(t, "far", h.CabID)
	}
}

func TestMemoryIndexUpsertReplacesPosition(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.UpsertDriver(ctx, "cab-1", northOf(5)))
	require.NoError(t, idx.UpsertDriver(ctx, "cab-1", northOf(0.2)))
	require.Equal(t, 1, idx.Len())

	hits, err := idx.QueryNearby(ctx, domain.GeoPoint{}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.InDelta(t, 0.2, hits[0].DistanceKM, 1e-6)
}

func TestMemoryIndexRemoveDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.UpsertDriver(ctx, "cab-1", northOf(0.1)))
	require.NoError(t, idx.RemoveDriver(ctx, "cab-1"))

	err := idx.RemoveDriver(ctx, "cab-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, ok := idx.Position("cab-1")
	require.False(t, ok)
}

func TestMemoryIndexRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.ErrorIs(t, idx.UpsertDriver(ctx, "", domain.GeoPoint{}), domain.ErrInvalidArgument)
	require.ErrorIs(t, idx.UpsertDriver(ctx, "cab-1", domain.GeoPoint{Lat: 91}), domain.ErrInvalidArgument)
	_, err := idx.QueryNearby(ctx, domain.GeoPoint{}, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Equal(t, 0, idx.Len())
}

func TestMemoryIndexConcurrentUpdatesAndQueries(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("cab-%d", w)
				_ = idx.UpsertDriver(ctx, id, northOf(float64(i%10)/10))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				hits, err := idx.QueryNearby(ctx, domain.GeoPoint{}, 0.5)
				if err != nil {
					t.Error(err)
					return
				}
				for _, h := range hits {
					if h.DistanceKM > 0.5 {
						t.Errorf("hit %s outside radius: %f", h.CabID, h.DistanceKM)
					}
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 8, idx.Len())
}
