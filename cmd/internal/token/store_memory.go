package token

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore is the fallback Store when no database is configured.
// Each token has its own lock, so updates of different tokens never wait on each other.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*memToken
}

type memToken struct {
	mu      sync.Mutex
	tok     Token
	deleted bool
}

// NewInMemoryStore constructs an empty in-memory token store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[string]*memToken)}
}

// Create inserts a token. Reusing an ID yields ErrConflict.
func (s *InMemoryStore) Create(ctx context.Context, t Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" || t.RemainingUses < 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.ID]; ok {
		return ErrConflict
	}
	s.tokens[t.ID] = &memToken{tok: t}
	return nil
}

// Get returns a copy of the stored token.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	e := s.lookup(id)
	if e == nil {
		return Token{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Token{}, ErrNotFound
	}
	return e.tok, nil
}

// Update runs fn under the token's lock.
func (s *InMemoryStore) Update(ctx context.Context, id string, fn Mutator) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	e := s.lookup(id)
	if e == nil {
		return Token{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Token{}, ErrNotFound
	}

	next := e.tok
	if err := fn(&next); err != nil {
		return Token{}, err
	}
	if err := checkTransition(e.tok, next); err != nil {
		return Token{}, err
	}
	e.tok = next
	return next, nil
}

// Delete removes a token.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.tokens[id]
	if ok {
		delete(s.tokens, id)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	// Updates that already hold a reference must observe the deletion.
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func (s *InMemoryStore) lookup(id string) *memToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[id]
}
