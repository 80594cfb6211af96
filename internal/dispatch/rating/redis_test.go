package rating_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/dispatch/rating"
)

func newRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestRedisStoreAppendAndAggregate(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	ctx := context.Background()
	store := rating.NewRedisStore(client, "")
	subject := domain.SubjectRef{Party: domain.PartyDriver, ID: "cab-9"}

	empty, err := store.Aggregate(ctx, subject)
	require.NoError(t, err)
	require.Zero(t, empty.Count)
	require.Nil(t, empty.Mean)

	for _, stars := range []int{5, 3} {
		require.NoError(t, store.Append(ctx, domain.Rating{
			SessionID: uuid.New(),
			Direction: domain.RiderRatesDriver,
			Subject:   subject,
			Stars:     stars,
		}))
	}
	got, err := store.Aggregate(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, 2, got.Count)
	require.Equal(t, 4.0, *got.Mean)
}

func TestRedisStoreRejectsDuplicate(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	ctx := context.Background()
	store := rating.NewRedisStore(client, "t:")
	r := domain.Rating{
		SessionID: uuid.New(),
		Direction: domain.DriverRatesRider,
		Subject:   domain.SubjectRef{Party: domain.PartyRider, ID: "rider-1"},
		Stars:     4,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Append(ctx, r)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrDuplicateRating)
	}
	require.Equal(t, 1, ok)

	got, err := store.Aggregate(ctx, r.Subject)
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)
}

func TestAggregatorOverRedisStore(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	ctx := context.Background()
	s := completedSession("rider-1", "cab-1")
	agg := newAggregator(t, rating.NewRedisStore(client, ""), s)
	_, err := agg.Record(ctx, s.ID, domain.RiderRatesDriver, 5)
	require.NoError(t, err)
	_, err = agg.Record(ctx, s.ID, domain.RiderRatesDriver, 5)
	require.ErrorIs(t, err, domain.ErrDuplicateRating)
}
