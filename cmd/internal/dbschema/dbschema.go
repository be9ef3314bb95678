// Package dbschema owns the PostgreSQL DDL for tokens, gateway claims and the audit log.
package dbschema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "tokengate"

// Apply creates the schema and its tables if they do not exist yet. It is idempotent.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}

	tokens := pgx.Identifier{schema, "tokens"}.Sanitize()
	claims := pgx.Identifier{schema, "gateway_claims"}.Sanitize()
	audit := pgx.Identifier{schema, "audit_log"}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id UUID PRIMARY KEY,
  registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at TIMESTAMPTZ NOT NULL,
  remaining_uses INT NOT NULL,
  exhausted BOOLEAN NOT NULL DEFAULT false,
  state TEXT NOT NULL DEFAULT 'init',
  CONSTRAINT chk_tokens_remaining_uses CHECK (remaining_uses >= 0)
);

CREATE TABLE IF NOT EXISTS %s (
  key TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  result JSONB NULL,
  claimed_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT chk_gateway_claims_owner_ulid_len CHECK (char_length(owner) = 26)
);

CREATE INDEX IF NOT EXISTS idx_gateway_claims_expires_at ON %s (expires_at);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  token_id TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  remote TEXT NULL,
  meta JSONB NULL,
  CONSTRAINT chk_audit_log_id_ulid_len CHECK (char_length(id) = 26)
);
`, pgx.Identifier{schema}.Sanitize(), tokens, claims, claims, audit)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema %q: %w", schema, err)
	}
	return nil
}
