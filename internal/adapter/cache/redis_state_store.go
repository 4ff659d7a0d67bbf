package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/repository"
)

const statePrefix = "integrations:oauth:state:"

// RedisStateStore implements StateRepository backed by Redis. Expiry rides on
// the key TTL; single-use consumption rides on GETDEL being atomic, so two
// concurrent callbacks on the same state can never both succeed.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateRepository = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Create stores the encoded state payload with its expiry window as TTL.
func (s *RedisStateStore) Create(ctx context.Context, state integration.OAuthState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}
	if err := s.client.Set(ctx, statePrefix+state.State, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume atomically fetches and removes the state. A missing key means the
// token was never issued, already consumed, or lapsed; Redis cannot tell a
// replay from expiry once the TTL fired, so both collapse to not-found and
// the distinct ErrStateUsed surfaces only while the used tombstone lives.
func (s *RedisStateStore) Consume(ctx context.Context, state string, now time.Time) (*integration.OAuthState, error) {
	key := statePrefix + state
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		tombstone, terr := s.client.Exists(ctx, key+":used").Result()
		if terr == nil && tombstone > 0 {
			return nil, integration.ErrStateUsed
		}
		return nil, integration.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}

	var out integration.OAuthState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if out.Expired(now) {
		return nil, integration.ErrStateExpired
	}

	// Tombstone so a replay inside the original window reports "used"
	// instead of "not found".
	used := now.UTC()
	out.UsedAt = &used
	if ttl := time.Until(out.ExpiresAt); ttl > 0 {
		_ = s.client.Set(ctx, key+":used", used.Format(time.RFC3339), ttl).Err()
	}
	return &out, nil
}

// DeleteExpired is a no-op under Redis; key TTLs already evict expired states.
func (s *RedisStateStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
