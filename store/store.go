// Package store defines the persistence capability the session manager
// writes through to, with in-memory, file-backed, and Redis-backed
// implementations.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for a key that has no value.
var ErrNotFound = errors.New("key not found")

// Store is a string key-value capability, the shape of a browser's
// localStorage. Implementations must make Set durable before returning:
// the manager persists session state write-through, with no buffering.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
