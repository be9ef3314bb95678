package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const otherOwner = "01HZX3Q8W6N9V2R4T7Y5K1M3P1"

// exerciseClaimStore checks the ClaimStore contract shared by every backend.
func exerciseClaimStore(t *testing.T, store ClaimStore) {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c, won, err := store.Claim(ctx, "k", testOwner, now, time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	if c.Owner != testOwner || c.Resolved() || !c.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected claim: %+v", c)
	}

	c, won, err = store.Claim(ctx, "k", otherOwner, now, time.Minute)
	if err != nil || won {
		t.Fatalf("second claim: won=%v err=%v", won, err)
	}
	if c.Owner != testOwner {
		t.Fatalf("second claim must see the first owner, got %q", c.Owner)
	}

	if err := store.Publish(ctx, "k", otherOwner, okResult("x")); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("publish by stranger: expected ErrNotOwner, got %v", err)
	}
	if err := store.Publish(ctx, "missing", testOwner, okResult("x")); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("publish missing: expected ErrClaimNotFound, got %v", err)
	}
	if _, _, err := store.Takeover(ctx, "k", testOwner, otherOwner, now, time.Minute); err != nil {
		t.Fatalf("takeover of live claim: %v", err)
	}
	if got, _ := store.Get(ctx, "k"); got.Owner != testOwner {
		t.Fatalf("live claim must not be taken over, owner=%q", got.Owner)
	}

	res := Result{StatusCode: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
	if err := store.Publish(ctx, "k", testOwner, res); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Publish(ctx, "k", testOwner, okResult("again")); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("second publish: expected ErrNotOwner, got %v", err)
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Resolved() || got.Result.StatusCode != 201 || string(got.Result.Body) != `{"ok":true}` || got.Result.ContentType != "application/json" {
		t.Fatalf("unexpected resolved claim: %+v", got)
	}

	if err := store.Release(ctx, "k", testOwner); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("owner release of resolved claim: expected ErrNotOwner, got %v", err)
	}
	if err := store.Release(ctx, "k", ""); err != nil {
		t.Fatalf("operator release: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("get after release: expected ErrClaimNotFound, got %v", err)
	}
	if err := store.Release(ctx, "k", ""); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("second release: expected ErrClaimNotFound, got %v", err)
	}

	// Abandoned claims can be taken over exactly once.
	past := now.Add(-time.Hour)
	if _, won, err := store.Claim(ctx, "stale", testOwner, past, time.Second); err != nil || !won {
		t.Fatalf("stale claim: won=%v err=%v", won, err)
	}
	c, won, err = store.Takeover(ctx, "stale", testOwner, otherOwner, now, time.Minute)
	if err != nil || !won || c.Owner != otherOwner {
		t.Fatalf("takeover: claim=%+v won=%v err=%v", c, won, err)
	}
	c, won, err = store.Takeover(ctx, "stale", testOwner, "01HZX3Q8W6N9V2R4T7Y5K1M3P2", now, time.Minute)
	if err != nil || won || c.Owner != otherOwner {
		t.Fatalf("second takeover: claim=%+v won=%v err=%v", c, won, err)
	}
	if _, _, err := store.Takeover(ctx, "missing", testOwner, otherOwner, now, time.Minute); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("takeover missing: expected ErrClaimNotFound, got %v", err)
	}

	if err := store.Release(ctx, "stale", testOwner); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("release by previous owner: expected ErrNotOwner, got %v", err)
	}
	if err := store.Release(ctx, "stale", otherOwner); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
}

func TestMemoryClaimStore_Contract(t *testing.T) {
	t.Parallel()

	store, err := NewMemoryClaimStore(16)
	if err != nil {
		t.Fatalf("NewMemoryClaimStore: %v", err)
	}
	exerciseClaimStore(t, store)
}

func TestMemoryClaimStore_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewMemoryClaimStore(2)
	if err != nil {
		t.Fatalf("NewMemoryClaimStore: %v", err)
	}
	now := time.Now().UTC()
	for _, k := range []string{"a", "b", "c"} {
		if _, _, err := store.Claim(ctx, k, testOwner, now, time.Minute); err != nil {
			t.Fatalf("claim %s: %v", k, err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("len: got %d want 2", store.Len())
	}
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("expected oldest claim evicted, got %v", err)
	}
}

func TestNewMemoryClaimStore_RejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	if _, err := NewMemoryClaimStore(0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func newRedisStoreForTest(t *testing.T) (*miniredis.Miniredis, *RedisClaimStore) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		m.Close()
	})
	store, err := NewRedisClaimStore(client, "claim_test", time.Hour)
	if err != nil {
		t.Fatalf("NewRedisClaimStore: %v", err)
	}
	return m, store
}

func TestRedisClaimStore_Contract(t *testing.T) {
	t.Parallel()

	_, store := newRedisStoreForTest(t)
	exerciseClaimStore(t, store)
}

func TestRedisClaimStore_KeyExpiry(t *testing.T) {
	t.Parallel()

	m, store := newRedisStoreForTest(t)
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "k", testOwner, time.Now().UTC(), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ttl := m.TTL("claim_test:k"); ttl != time.Hour+time.Minute {
		t.Fatalf("key ttl: got %v want %v", ttl, time.Hour+time.Minute)
	}

	m.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("expected claim to expire, got %v", err)
	}
	if n, err := store.Purge(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}

func TestRedisClaimStore_BackendErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisClaimStore(nil, "", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil client, got %v", err)
	}

	badClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond, ReadTimeout: 20 * time.Millisecond, WriteTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = badClient.Close() })
	store, err := NewRedisClaimStore(badClient, "", 0)
	if err != nil {
		t.Fatalf("NewRedisClaimStore: %v", err)
	}

	g, err := New(store, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = g.Execute(context.Background(), "k", func(context.Context) (Result, error) { return okResult("x"), nil })
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRedisClaimStore_GatewayDedup(t *testing.T) {
	t.Parallel()

	_, store := newRedisStoreForTest(t)
	g, err := New(store, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	res, role, err := g.Execute(ctx, "k", func(context.Context) (Result, error) { return okResult("once"), nil })
	if err != nil || role != RoleOwner {
		t.Fatalf("owner: role=%q err=%v", role, err)
	}
	replay, role, err := g.Execute(ctx, "k", func(context.Context) (Result, error) { return okResult("twice"), nil })
	if err != nil || role != RoleReplay {
		t.Fatalf("replay: role=%q err=%v", role, err)
	}
	if string(replay.Body) != string(res.Body) {
		t.Fatalf("replay body %q differs from %q", replay.Body, res.Body)
	}
}
