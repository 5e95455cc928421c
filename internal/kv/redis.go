package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds the optimistic WATCH/MULTI loop in Update.
const maxTxRetries = 16

// Redis is the clustered Store. Every hub node sees the same keys, so
// offline queues written on one node drain on another.
type Redis struct {
	rdb       *redis.Client
	keyPrefix string // namespace, e.g. "rf:kv:"
}

// NewRedis wraps an existing client. keyPrefix namespaces all keys and is
// stripped from List results.
func NewRedis(rdb *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "rf:kv:"
	}
	return &Redis{rdb: rdb, keyPrefix: keyPrefix}
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.keyPrefix+key, value, 0).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.keyPrefix+key).Err()
}

// List scans with MATCH prefix* rather than loading the keyspace; results
// are fetched in batches and sorted client-side.
func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	full := r.keyPrefix + prefix
	var keys []string
	iter := r.rdb.Scan(ctx, 0, full+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]Entry, 0, len(keys))
	for i, key := range keys {
		s, ok := values[i].(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		out = append(out, Entry{Key: key[len(r.keyPrefix):], Value: []byte(s)})
	}
	return out, nil
}

// Update runs an optimistic WATCH/MULTI transaction, retrying on write
// conflicts. This is the per-key serialization required for shared counters
// and index lists.
func (r *Redis) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	full := r.keyPrefix + key

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txn, full)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("kv: update contention on %q", key)
}
