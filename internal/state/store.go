// internal/state/store.go
package state

import (
	"context"
	"errors"

	"github.com/FairForge/poolwatch/internal/pool"
)

// ErrStaleGeneration is returned by Swap when the caller's expected generation
// no longer matches the stored one, meaning another switch committed first.
var ErrStaleGeneration = errors.New("state: stale generation")

// Store persists the active-pool record. Implementations must make Swap an
// atomic compare-and-set on the generation so concurrent switch attempts
// serialize into exactly one winner.
type Store interface {
	// Load returns the current record. A fresh store seeds and returns the
	// default record (blue active, generation 0) instead of failing.
	Load(ctx context.Context) (pool.ActiveConfig, error)

	// Swap replaces the record with next if and only if the stored generation
	// equals expected. On a generation mismatch it returns ErrStaleGeneration
	// and leaves the record untouched.
	Swap(ctx context.Context, expected uint64, next pool.ActiveConfig) error

	Close() error
}

// DefaultConfig is the record seeded into an empty store.
func DefaultConfig() pool.ActiveConfig {
	return pool.ActiveConfig{
		ActivePool: pool.Blue,
		Generation: 0,
	}
}
