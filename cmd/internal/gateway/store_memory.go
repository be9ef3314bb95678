package gateway

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryClaimStore keeps claims in a bounded LRU cache. It only deduplicates within one process.
// When the cache is full the least recently used claim is evicted, resolved or not.
type MemoryClaimStore struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewMemoryClaimStore constructs a store holding at most capacity claims.
func NewMemoryClaimStore(capacity int) (*MemoryClaimStore, error) {
	if capacity <= 0 {
		return nil, OpError{Op: "gateway.NewMemoryClaimStore", Kind: ErrConfig, Err: errString("capacity must be positive")}
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryClaimStore{cache: cache}, nil
}

// Claim caches a new unresolved claim for key unless one is already cached, in which case it
// returns that claim and false.
func (s *MemoryClaimStore) Claim(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.load(key); ok {
		return cur, false, nil
	}
	c := Claim{Key: key, Owner: owner, ClaimedAt: now, ExpiresAt: now.Add(ttl)}
	s.cache.Add(key, c)
	return c, true, nil
}

// Takeover replaces the cached claim when it is still owned by prevOwner and abandoned at now.
// Otherwise it returns the cached claim and false.
func (s *MemoryClaimStore) Takeover(ctx context.Context, key, prevOwner, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.load(key)
	if !ok {
		return Claim{}, false, ErrClaimNotFound
	}
	if cur.Owner != prevOwner || !cur.Abandoned(now) {
		return cur, false, nil
	}
	c := Claim{Key: key, Owner: owner, ClaimedAt: now, ExpiresAt: now.Add(ttl)}
	s.cache.Add(key, c)
	return c, true, nil
}

// Get returns the cached claim for key, or ErrClaimNotFound.
func (s *MemoryClaimStore) Get(ctx context.Context, key string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.load(key)
	if !ok {
		return Claim{}, ErrClaimNotFound
	}
	return cur, nil
}

// Publish stores a copy of res on the unresolved claim owned by owner.
// It returns ErrNotOwner when owner lost the claim or it is already resolved.
func (s *MemoryClaimStore) Publish(ctx context.Context, key, owner string, res Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.load(key)
	if !ok {
		return ErrClaimNotFound
	}
	if cur.Owner != owner || cur.Resolved() {
		return ErrNotOwner
	}
	// Waiters must never share the caller's backing array.
	res.Body = append([]byte(nil), res.Body...)
	cur.Result = &res
	s.cache.Add(key, cur)
	return nil
}

// Release evicts the claim. A non-empty owner may only release its own unresolved claim.
func (s *MemoryClaimStore) Release(ctx context.Context, key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.load(key)
	if !ok {
		return ErrClaimNotFound
	}
	if owner != "" && (cur.Owner != owner || cur.Resolved()) {
		return ErrNotOwner
	}
	s.cache.Remove(key)
	return nil
}

// Purge evicts every cached claim that expired before the cutoff.
func (s *MemoryClaimStore) Purge(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.cache.Keys() {
		v, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if c, ok := v.(Claim); ok && c.ExpiresAt.Before(before) {
			s.cache.Remove(k)
			n++
		}
	}
	return n, nil
}

// Len reports how many claims are cached.
func (s *MemoryClaimStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryClaimStore) load(key string) (Claim, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return Claim{}, false
	}
	c, ok := v.(Claim)
	return c, ok
}
