package gateway

import (
	"context"
	"testing"
	"time"

	"tokengate/cmd/internal/dbschema/dbtest"
)

func newPostgresClaimStoreForTest(t *testing.T) *PostgresClaimStore {
	t.Helper()

	pool := dbtest.OpenPool(t)
	schema := dbtest.FreshSchema(t, pool, "tokengate_gateway_it")
	store, err := NewPostgresClaimStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresClaimStore: %v", err)
	}
	return store
}

func TestPostgresClaimStore_Contract(t *testing.T) {
	t.Parallel()

	exerciseClaimStore(t, newPostgresClaimStoreForTest(t))
}

func TestPostgresClaimStore_Purge(t *testing.T) {
	t.Parallel()

	store := newPostgresClaimStoreForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := store.Claim(ctx, "old", testOwner, now.Add(-48*time.Hour), time.Minute); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	if _, _, err := store.Claim(ctx, "new", testOwner, now, time.Minute); err != nil {
		t.Fatalf("claim new: %v", err)
	}

	n, err := store.Purge(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}
