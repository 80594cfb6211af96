package matching_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/dispatch/location"
	"github.com/example/cabhaggle/internal/dispatch/matching"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestRedisCatalogPutGetLookup(t *testing.T) {
	ctx := context.Background()
	catalog := matching.NewRedisCatalog(newRedisClient(t), "")

	require.NoError(t, catalog.Put(ctx, domain.Cab{ID: "1", Name: "Cab 1", BasePrice: 20}))
	require.NoError(t, catalog.Put(ctx, domain.Cab{ID: "2", Name: "Cab 2", BasePrice: 25}))
	require.ErrorIs(t, catalog.Put(ctx, domain.Cab{ID: "3"}), domain.ErrInvalidArgument)

	cab, err := catalog.Get(ctx, "2")
	require.NoError(t, err)
	require.Equal(t, 25.0, cab.BasePrice)
	_, err = catalog.Get(ctx, "9")
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := catalog.Lookup(ctx, []string{"1", "9", "2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Cab 1", got["1"].Name)
}

func TestMatcherOverRedisBackends(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	idx := location.NewRedisIndex(client, "")
	catalog := matching.NewRedisCatalog(client, "")
	for _, c := range []fleetCab{
		{domain.Cab{ID: "1", BasePrice: 20}, 0.5},
		{domain.Cab{ID: "2", BasePrice: 25}, 0.7},
		{domain.Cab{ID: "3", BasePrice: 18}, 1.0},
	} {
		require.NoError(t, catalog.Put(ctx, c.cab))
		require.NoError(t, idx.UpsertDriver(ctx, c.cab.ID, northOf(c.km)))
	}
	m, err := matching.NewMatcher(idx, catalog, matching.FlatPricing, nil, zap.NewNop(), matching.Config{RadiusKM: 5})
	require.NoError(t, err)

	got, err := m.Match(ctx, &domain.GeoPoint{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "3", got[0].Cab.ID)
	require.Equal(t, "1", got[1].Cab.ID)
}
