// Package store defines the State Store contract the control plane runs on:
// keyed strings with TTL, hashes, sets, sorted sets, lists, and pub/sub.
// Every component that needs shared state goes through a Store rather than
// holding its own mutex-guarded maps, so that the only place concurrency
// needs to be reasoned about is the store implementation itself.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and HGetAll when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must call Close when
// done; Channel delivers messages until the context is cancelled or Close is
// called, at which point its channel is closed.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the State Store contract. Implementations must
// serialize all operations on a given key (per-key linearizability); no
// cross-key transactions are required or assumed by callers.
type Store interface {
	// Strings with TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments a counter key (creating it at 0 first) and
	// returns the new value. Backs the queue's stats:* counters.
	Incr(ctx context.Context, key string) (int64, error)

	// Hashes.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	// Lists.
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// LMPop atomically pops up to count values from the head of the first of
	// keys that is non-empty. Returns the source key name and the popped
	// values. Returns ErrNotFound if every key is empty. This backs the job
	// queue's "atomic lpop across multiple keys" requirement.
	LMPop(ctx context.Context, keys []string, count int64) (sourceKey string, values []string, err error)

	// Pub/sub.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription

	// Key enumeration.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection/handle.
	Close() error
}
