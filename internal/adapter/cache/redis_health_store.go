package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/railzway-integrations/internal/failover"
)

const (
	healthPrefix = "integrations:health:"
	healthTTL    = time.Hour
)

// RedisHealthStore externalizes failover health state so multiple service
// instances share one view of error counts and breaker trips. Callers are
// unaffected: it sits behind the same HealthStore interface as the in-memory
// tracker.
type RedisHealthStore struct {
	client redis.UniversalClient
}

var _ failover.HealthStore = (*RedisHealthStore)(nil)

// NewRedisHealthStore constructs a Redis-backed health tracker.
func NewRedisHealthStore(client redis.UniversalClient) *RedisHealthStore {
	return &RedisHealthStore{client: client}
}

func healthKey(integrationID int64) string {
	return healthPrefix + strconv.FormatInt(integrationID, 10)
}

func (s *RedisHealthStore) RecordError(ctx context.Context, integrationID int64) (int, error) {
	key := healthKey(integrationID)
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "errors", 1)
	pipe.Expire(ctx, key, healthTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record error: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisHealthStore) RecordSuccess(ctx context.Context, integrationID int64) error {
	if err := s.client.Del(ctx, healthKey(integrationID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func (s *RedisHealthStore) Status(ctx context.Context, integrationID int64) (failover.Health, error) {
	fields, err := s.client.HGetAll(ctx, healthKey(integrationID)).Result()
	if err != nil {
		return failover.Health{}, fmt.Errorf("health status: %w", err)
	}
	var health failover.Health
	if raw, ok := fields["errors"]; ok {
		health.Errors, _ = strconv.Atoi(raw)
	}
	if raw, ok := fields["failed_since"]; ok && raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			health.FailedSince = &at
		}
	}
	return health, nil
}

func (s *RedisHealthStore) Trip(ctx context.Context, integrationID int64, at time.Time) error {
	key := healthKey(integrationID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "failed_since", at.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, healthTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trip breaker: %w", err)
	}
	return nil
}

func (s *RedisHealthStore) Clear(ctx context.Context, integrationID int64) error {
	if err := s.client.Del(ctx, healthKey(integrationID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("clear health: %w", err)
	}
	return nil
}
