package token

import "time"

// InitialState is the state string every token starts with.
const InitialState = "init"

// Status is the lifecycle state of a token at a given instant.
type Status string

const (
	// StatusActive tokens may be consumed or exhausted.
	StatusActive Status = "active"
	// StatusExpired tokens are past expires_at. Derived, never stored.
	StatusExpired Status = "expired"
	// StatusExhausted tokens have no uses left or were closed explicitly.
	StatusExhausted Status = "exhausted"
)

// Token mirrors a row of the tokens table.
type Token struct {
	ID            string
	RegisteredAt  time.Time
	ExpiresAt     time.Time
	RemainingUses int
	Exhausted     bool
	State         string
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Status reports the lifecycle state at now. Exhaustion takes precedence over expiry.
func (t Token) Status(now time.Time) Status {
	switch {
	case t.Exhausted:
		return StatusExhausted
	case t.Expired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Inspection is the read-only view returned by Engine.Inspect.
type Inspection struct {
	Exists        bool
	Status        Status
	Expired       bool
	Exhausted     bool
	State         string
	RemainingUses int
	ExpiresAt     time.Time
}

// checkTransition enforces the invariants every Store must keep across an update.
func checkTransition(before, after Token) error {
	switch {
	case after.ID != before.ID:
		return ErrInvalidInput
	case after.RemainingUses < 0:
		return ErrInvalidInput
	case before.Exhausted && !after.Exhausted:
		return ErrInvalidInput
	case !after.ExpiresAt.Equal(before.ExpiresAt), !after.RegisteredAt.Equal(before.RegisteredAt):
		return ErrInvalidInput
	}
	return nil
}
