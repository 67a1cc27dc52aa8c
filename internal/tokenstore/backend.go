package tokenstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("tokenstore: not found")

// Backend is the key/value surface the Store persists through.
//
// Implementations:
//   - MemoryBackend: process-local map, lost on restart
//   - BoltBackend:   single bbolt file, survives restarts
//   - RedisBackend:  shared across agent instances
//
// All methods must be safe for concurrent use.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetAll reads keys in one consistent step. Missing keys are absent
	// from the result, never an error.
	GetAll(ctx context.Context, keys ...string) (map[string]string, error)

	// SetAll writes every pair in kv in one atomic step. Either all keys are
	// updated or none are.
	SetAll(ctx context.Context, kv map[string]string) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases the backend's resources.
	Close() error
}
