package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores idempotency keys in Redis so all instances agree on
// which upload a retried request belongs to.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Claim binds the key to fileID when unseen and reports true. When the key
// is already bound it returns the file recorded by the first request.
func (r *RedisDeduper) Claim(ctx context.Context, userID, key, fileID string) (string, bool, error) {
	name := r.key(userID, key)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := r.client.SetNX(ctx, name, fileID, r.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return fileID, true, nil
		}
		existing, err := r.client.Get(ctx, name).Result()
		if errors.Is(err, redis.Nil) {
			// key expired between SetNX and Get
			continue
		}
		if err != nil {
			return "", false, err
		}
		return existing, false, nil
	}
	return "", false, errors.New("idempotency key contention")
}

// Release unbinds a key after the upload it guarded failed so the client may
// retry with the same key.
func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
