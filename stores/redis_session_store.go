package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps session verification times in Redis
// (key: ztsess:{sessionID}) so continuous verification works across
// instances. Entries expire on their own after the TTL.
type RedisSessionStore struct {
	client *redis.Client
	keyFmt string
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSessionStore{client: client, keyFmt: "ztsess:%s", ttl: ttl}
}

func (r *RedisSessionStore) key(sessionID string) string {
	return fmt.Sprintf(r.keyFmt, sessionID)
}

func (r *RedisSessionStore) LastVerified(ctx context.Context, sessionID string) (time.Time, bool, error) {
	res, err := r.client.Get(ctx, r.key(sessionID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseFlexibleTime(res)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *RedisSessionStore) MarkVerified(ctx context.Context, sessionID string, at time.Time) error {
	return r.client.Set(ctx, r.key(sessionID), at.UTC().Format(time.RFC3339Nano), r.ttl).Err()
}
