package coord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	heartbeatKeyPrefix = "hb:"
	heartbeatIndexKey  = "hb:index"
)

// HeartbeatRegistry tracks liveness of pools and workers. Each member
// holds a TTL key plus an index entry scored by its expiry deadline, so
// enumeration of live members is O(live) and dead members age out of the
// index lazily.
type HeartbeatRegistry struct {
	client *redis.Client

	// now is the deadline clock. Index scores are wall-clock deadlines,
	// not key TTLs, so tests substitute it to age entries out.
	now func() time.Time
}

// NewHeartbeatRegistry creates a registry on an existing Redis client.
func NewHeartbeatRegistry(client *redis.Client) *HeartbeatRegistry {
	return &HeartbeatRegistry{client: client, now: time.Now}
}

// Register announces id as live for ttl. Registering an existing id
// renews it.
func (h *HeartbeatRegistry) Register(ctx context.Context, id string, ttl time.Duration) error {
	return h.Renew(ctx, id, ttl)
}

// Renew extends the liveness of id by ttl from now.
func (h *HeartbeatRegistry) Renew(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("renew heartbeat %s: ttl must be positive", id)
	}
	deadline := h.now().Add(ttl).UnixMilli()
	pipe := h.client.Pipeline()
	pipe.Set(ctx, heartbeatKeyPrefix+id, deadline, ttl)
	pipe.ZAdd(ctx, heartbeatIndexKey, redis.Z{Score: float64(deadline), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renew heartbeat %s: %w", id, err)
	}
	return nil
}

// Deregister removes id from the registry immediately.
func (h *HeartbeatRegistry) Deregister(ctx context.Context, id string) error {
	pipe := h.client.Pipeline()
	pipe.Del(ctx, heartbeatKeyPrefix+id)
	pipe.ZRem(ctx, heartbeatIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister heartbeat %s: %w", id, err)
	}
	return nil
}

// Alive reports whether id has an unexpired heartbeat.
func (h *HeartbeatRegistry) Alive(ctx context.Context, id string) (bool, error) {
	n, err := h.client.Exists(ctx, heartbeatKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check heartbeat %s: %w", id, err)
	}
	return n > 0, nil
}

// Enumerate returns the ids of all members with unexpired heartbeats,
// pruning aged-out index entries as a side effect.
func (h *HeartbeatRegistry) Enumerate(ctx context.Context) ([]string, error) {
	now := h.now().UnixMilli()

	// Drop members whose deadline already passed.
	if err := h.client.ZRemRangeByScore(ctx, heartbeatIndexKey, "-inf", strconv.FormatInt(now, 10)).Err(); err != nil {
		return nil, fmt.Errorf("prune heartbeat index: %w", err)
	}

	ids, err := h.client.ZRangeByScore(ctx, heartbeatIndexKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("enumerate heartbeats: %w", err)
	}
	return ids, nil
}
