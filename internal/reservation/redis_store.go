package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares reservations between API instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Reserve(ctx context.Context, surveyor, minute, holder string) (bool, error) {
	k := key(surveyor, minute)
	ok, err := s.client.SetNX(ctx, k, holder, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve minute: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.client.SetNX(ctx, k, holder, s.ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("read minute reservation: %w", err)
	}
	if current != holder {
		return false, nil
	}
	if err := s.client.Expire(ctx, k, s.ttl).Err(); err != nil {
		return false, fmt.Errorf("extend minute reservation: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, surveyor, minute, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key(surveyor, minute)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release minute: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
