// Package ids provides identifier primitives shared by the token and gateway subsystems.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps audit rows and claim owners easy to correlate.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot meaningfully recover from entropy failure.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// NewTokenID returns a random 128-bit token identifier in canonical UUID form.
func NewTokenID() string {
	return uuid.NewString()
}

// ValidTokenID reports whether s is a syntactically valid token identifier.
func ValidTokenID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
