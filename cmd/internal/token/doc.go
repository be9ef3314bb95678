// Package token implements the token lifecycle engine.
//
// A token is a capability grant with an absolute expiry and a bounded number of uses.
// The Engine enforces the state machine
//
//	ACTIVE --consume (uses reach 0)--> EXHAUSTED
//	ACTIVE --exhaust------------------> EXHAUSTED
//	ACTIVE --time passes expires_at---> EXPIRED (derived at read time, never stored)
//
// on top of a Store that provides an atomic per-token read-modify-write.
// EXPIRED and EXHAUSTED are terminal.
//
// Transport (HTTP) integration lives in cmd/internal/auth/api.
package token
