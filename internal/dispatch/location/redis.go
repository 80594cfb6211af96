package location

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const defaultGeoKey = "dispatch:driver:locs"

// maxGeoLatitude is the latitude limit of the Web Mercator cells Redis GEO
// hashes into; GEOADD and GEORADIUS refuse anything beyond it.
const maxGeoLatitude = 85.05112878

func validateGeoLatitude(position domain.GeoPoint) error {
	if math.Abs(position.Lat) > maxGeoLatitude {
		return fmt.Errorf("%w: latitude %f is outside the indexable range of +/-%.8f",
			domain.ErrInvalidArgument, position.Lat, maxGeoLatitude)
	}
	return nil
}

// RedisIndex implements domain.LocationIndex with Redis GEO commands. Every
// command is atomic on the server, so a radius query reads one consistent
// version of each member.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed index stored under key.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = defaultGeoKey
	}
	return &RedisIndex{client: client, key: key}
}

// UpsertDriver writes the position with GEOADD.
func (r *RedisIndex) UpsertDriver(ctx context.Context, cabID string, position domain.GeoPoint) error {
	if cabID == "" {
		return errEmptyCabID
	}
	if err := position.Validate(); err != nil {
		return err
	}
	if err := validateGeoLatitude(position); err != nil {
		return err
	}
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      cabID,
		Longitude: position.Lng,
		Latitude:  position.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// RemoveDriver drops the member; a zero removal count means it was absent.
func (r *RedisIndex) RemoveDriver(ctx context.Context, cabID string) error {
	removed, err := r.client.ZRem(ctx, r.key, cabID).Result()
	if err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: driver %q", domain.ErrNotFound, cabID)
	}
	return nil
}

// QueryNearby runs GEORADIUS_RO with distances in kilometres.
func (r *RedisIndex) QueryNearby(ctx context.Context, position domain.GeoPoint, radiusKM float64) ([]domain.Proximity, error) {
	if err := validateQuery(position, radiusKM); err != nil {
		return nil, err
	}
	if err := validateGeoLatitude(position); err != nil {
		return nil, err
	}
	results, err := r.client.GeoRadius(ctx, r.key, position.Lng, position.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKM,
		Unit:     "km",
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	hits := make([]domain.Proximity, 0, len(results))
	for _, res := range results {
		hits = append(hits, domain.Proximity{CabID: res.Name, DistanceKM: res.Dist})
	}
	return hits, nil
}
