// Package lock provides the distributed lock used to guarantee at-most-one
// active saga execution per resource set. Acquisition is owner-tagged and
// release is owner-verified: a caller can never delete a lock it does not
// hold, even if it names the right key.
package lock

import (
	"context"
	"time"
)

// Manager acquires and releases named resource locks with TTL.
//
// Acquire takes the full set of keys a saga needs in one call. Per spec,
// acquisition across the set is not atomic: the implementation acquires
// keys in order and rolls back everything it obtained if any key is
// already held, or if an error occurs partway through.
type Manager interface {
	// Acquire attempts to obtain every key in keys for owner, each with the
	// given ttl. On success every key is held and true is returned. On
	// failure (any key already held, or an error), every key acquired
	// during this call is released (owner-verified) before returning.
	Acquire(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error)

	// Release deletes every key in keys currently owned by owner. Keys not
	// owned by owner are left untouched (mismatches are not errors). It
	// returns the number of keys actually deleted. Calling Release when no
	// keys are held is safe and returns 0.
	Release(ctx context.Context, keys []string, owner string) (int, error)
}
