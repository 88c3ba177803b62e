package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient creates a Redis client from the given URL and verifies
// connectivity. Adapted from the control plane's original Redis bootstrap:
// one dial, one ping, fail fast on misconfiguration.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

// NewRedisStore wraps an existing Redis client as a Store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return s.rdb.HSet(ctx, key, values...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.RPush(ctx, key, args...).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.rdb.LRem(ctx, key, count, value).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// LMPop pops from the first non-empty key in keys, in order, using Redis 7's
// LMPOP so the "try high, then normal, then low" selection is a
// single atomic round-trip rather than a racy sequence of LPOPs.
func (s *RedisStore) LMPop(ctx context.Context, keys []string, count int64) (string, []string, error) {
	key, values, err := s.rdb.LMPop(ctx, "left", count, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrNotFound
	}
	return key, values, err
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	ps := s.rdb.Subscribe(ctx, channels...)
	out := make(chan Message)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{ps: ps, ch: out}
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (r *redisSubscription) Channel() <-chan Message { return r.ch }
func (r *redisSubscription) Close() error            { return r.ps.Close() }

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
