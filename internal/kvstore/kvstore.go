package kvstore

import "context"

// Store is a flat key-value region shared by every placement.  Two
// instances exist at runtime: a durable region that survives restarts and
// a session-scoped region whose entries expire with the visitor session.
// Concurrent writers race last-write-wins; callers treat the data as
// advisory.
type Store interface {
	// Get returns the value for key.  The second return is false when the
	// key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key.  Implementations may attach their own expiry.
	Set(ctx context.Context, key, value string) error

	Delete(ctx context.Context, key string) error

	// Clear removes every key.  Used by editorial tooling to reset caps.
	Clear(ctx context.Context) error
}
