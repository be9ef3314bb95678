package token

import "context"

// Mutator edits a token copy inside an atomic update.
// Returning an error aborts the update; nothing is written and the error is returned unchanged.
type Mutator func(t *Token) error

// Store abstracts token persistence.
//
// Update must be atomic per token id: two concurrent updates of the same id are
// linearized, and each mutator observes the result of the previous one.
// Implementations return ErrNotFound for unknown ids and ErrConflict when an
// optimistic or serializable update lost a race and may be retried.
type Store interface {
	// Create inserts a new token row.
	Create(ctx context.Context, t Token) error

	// Get loads a token by ID.
	Get(ctx context.Context, id string) (Token, error)

	// Update applies fn to the current token under the store's atomic read-modify-write.
	Update(ctx context.Context, id string, fn Mutator) (Token, error)

	// Delete removes a token. Only used by the delete-on-exhaust retention policy.
	Delete(ctx context.Context, id string) error
}
