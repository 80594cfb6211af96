package rating

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const defaultRatingPrefix = "dispatch:rating:"

// RedisStore shares ratings across dispatch instances. The duplicate check
// relies on SETNX of a per-(session, direction) marker; tallies are kept in a
// hash per subject.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore constructs a store whose keys start with prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRatingPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) markerKey(r domain.Rating) string {
	return s.prefix + "marker:" + r.SessionID.String() + ":" + string(r.Direction)
}

func (s *RedisStore) tallyKey(subject domain.SubjectRef) string {
	return s.prefix + "subject:" + subject.String()
}

// Append claims the marker and then bumps the subject tally.
func (s *RedisStore) Append(ctx context.Context, r domain.Rating) error {
	marker := s.markerKey(r)
	claimed, err := s.client.SetNX(ctx, marker, strconv.Itoa(r.Stars), 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s already recorded for session %s", domain.ErrDuplicateRating, r.Direction, r.SessionID)
	}
	key := s.tallyKey(r.Subject)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "count", 1)
		pipe.HIncrBy(ctx, key, "sum", int64(r.Stars))
		return nil
	})
	if err != nil {
		// release the marker so the caller can retry
		_ = s.client.Del(ctx, marker).Err()
		return fmt.Errorf("redis tally: %w", err)
	}
	return nil
}

// Aggregate reads the subject tally.
func (s *RedisStore) Aggregate(ctx context.Context, subject domain.SubjectRef) (domain.Aggregate, error) {
	values, err := s.client.HGetAll(ctx, s.tallyKey(subject)).Result()
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(values) == 0 {
		return domain.NewAggregate(subject, 0, 0), nil
	}
	count, err := strconv.Atoi(values["count"])
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("parse count: %w", err)
	}
	sum, err := strconv.ParseInt(values["sum"], 10, 64)
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("parse sum: %w", err)
	}
	return domain.NewAggregate(subject, count, sum), nil
}
