package gateway

import (
	"context"
	"time"
)

// ClaimStore persists claims. Every method is atomic per key.
type ClaimStore interface {
	// Claim inserts an unresolved claim for key owned by owner unless one exists.
	// It returns the claim now stored under key and whether this call created it.
	Claim(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (Claim, bool, error)

	// Takeover replaces an abandoned claim still owned by prevOwner with a fresh one owned by owner.
	// When the claim changed in the meantime it returns the current claim and false.
	// ErrClaimNotFound means the claim is gone.
	Takeover(ctx context.Context, key, prevOwner, owner string, now time.Time, ttl time.Duration) (Claim, bool, error)

	// Get loads the claim for key (ErrClaimNotFound).
	Get(ctx context.Context, key string) (Claim, error)

	// Publish resolves an unresolved claim owned by owner (ErrClaimNotFound, ErrNotOwner).
	Publish(ctx context.Context, key, owner string, res Result) error

	// Release deletes the claim. A non-empty owner only deletes an unresolved claim it owns;
	// an empty owner deletes unconditionally (operator release).
	Release(ctx context.Context, key, owner string) error

	// Purge deletes claims whose expiry is before the cutoff and reports how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}
