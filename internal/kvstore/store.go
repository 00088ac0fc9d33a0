// Package kvstore persists small user preferences (the roster text, the
// oracle toggle, the oracle model) behind a minimal key-value interface.
//
// Four backends are provided: [MemStore] for tests and ephemeral use,
// [FileStore] for a single YAML file on disk, [RedisStore] and
// [PostgresStore] for shared deployments. All implementations are safe for
// concurrent use.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key-value store.
type Store interface {
	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
