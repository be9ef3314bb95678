package gateway

import "time"

// Result is the published outcome of a work function. Waiters receive it verbatim.
type Result struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Claim is the per-key record that marks a request as in flight or resolved.
type Claim struct {
	Key       string
	Owner     string
	Result    *Result
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Resolved reports whether the owner has published a result.
func (c Claim) Resolved() bool { return c.Result != nil }

// Abandoned reports whether the claim is still unresolved at or after its expiry.
func (c Claim) Abandoned(now time.Time) bool {
	return !c.Resolved() && !now.Before(c.ExpiresAt)
}

// Role tells a caller how its Execute result was obtained.
type Role string

const (
	// RoleOwner ran the work itself.
	RoleOwner Role = "owner"
	// RoleWaiter polled until another owner published.
	RoleWaiter Role = "waiter"
	// RoleReplay found a result that was already published.
	RoleReplay Role = "replay"
	// RoleShared joined an in-process flight started by another caller.
	RoleShared Role = "shared"
)
