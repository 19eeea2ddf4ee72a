package kvstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for common error conditions
var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers must not treat this as "key absent" - a transient outage must
	// never be collapsed into a failed authentication.
	ErrUnavailable = errors.New("key-value store unavailable")
)

// Store defines the key-value contract consumed by the session and token
// layers. Every key carries its own TTL; expired keys behave as absent.
//
// Implementations must guarantee that a single Delete call is atomic per key,
// since rotation correctness relies on at-most-one caller observing a
// successful delete of a given key.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL writes key=value, overwriting any existing entry, and arms
	// the expiry. A non-positive TTL is rejected.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeysByPrefix returns all live keys starting with prefix.
	// Implementations must bound the work to the matching keyspace
	// (SCAN with a pattern, indexed LIKE) rather than a full keyspace walk.
	ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
