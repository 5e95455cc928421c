// Package kv provides the prefix-scannable key → document store backing
// queues, threads, escalations, notifications, business rules, and the
// file-sync surface. Keys are flat strings with ':'-joined segments; List
// returns entries in lexical key order, which the callers rely on for
// chronological-ish iteration.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("kv: key not found")

// Entry is one key/value pair from a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the storage abstraction. The memory backend serves tests and
// single-node deployments; the Redis backend is shared across hub nodes.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Update applies a serialized read-modify-write on one key. fn receives
	// nil when the key is absent; returning nil deletes the key. Writes to
	// shared keys (thread counters, escalation indexes, notification lists)
	// must go through Update.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}
