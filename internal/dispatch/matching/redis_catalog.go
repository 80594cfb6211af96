package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// RedisCatalog keeps cab profiles in a Redis hash keyed by cab id, so every
// replica quotes from the same fleet.
type RedisCatalog struct {
	client redis.Cmdable
	key    string
}

// NewRedisCatalog constructs a catalog stored under key.
func NewRedisCatalog(client redis.Cmdable, key string) *RedisCatalog {
	if key == "" {
		key = "dispatch:fleet"
	}
	return &RedisCatalog{client: client, key: key}
}

func (c *RedisCatalog) Put(ctx context.Context, cab domain.Cab) error {
	if cab.ID == "" {
		return fmt.Errorf("%w: empty cab id", domain.ErrInvalidArgument)
	}
	if cab.BasePrice <= 0 || math.IsNaN(cab.BasePrice) || math.IsInf(cab.BasePrice, 0) {
		return fmt.Errorf("%w: base price must be positive", domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(cab)
	if err != nil {
		return fmt.Errorf("marshal cab: %w", err)
	}
	return c.client.HSet(ctx, c.key, cab.ID, raw).Err()
}

func (c *RedisCatalog) Get(ctx context.Context, id string) (domain.Cab, error) {
	raw, err := c.client.HGet(ctx, c.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Cab{}, fmt.Errorf("%w: cab %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Cab{}, err
	}
	var cab domain.Cab
	if err := json.Unmarshal(raw, &cab); err != nil {
		return domain.Cab{}, fmt.Errorf("decode cab %q: %w", id, err)
	}
	return cab, nil
}

func (c *RedisCatalog) Lookup(ctx context.Context, ids []string) (map[string]domain.Cab, error) {
	out := make(map[string]domain.Cab, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, err := c.client.HMGet(ctx, c.key, ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var cab domain.Cab
		if err := json.Unmarshal([]byte(s), &cab); err != nil {
			return nil, fmt.Errorf("decode cab %q: %w", ids[i], err)
		}
		out[ids[i]] = cab
	}
	return out, nil
}
