package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresClaimStore persists claims in <schema>.gateway_claims.
type PostgresClaimStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresClaimStore constructs a PostgresClaimStore. An empty schema falls back to "tokengate".
func NewPostgresClaimStore(pool *pgxpool.Pool, schema string) (*PostgresClaimStore, error) {
	if pool == nil {
		return nil, ErrInvalidInput
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "tokengate"
	}
	return &PostgresClaimStore{pool: pool, schema: schema}, nil
}

const claimColumns = `key, owner, result, claimed_at, expires_at`

// Claim relies on the primary key: ON CONFLICT DO NOTHING returns no row when another owner got there first.
func (s *PostgresClaimStore) Claim(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (key, owner, claimed_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING
		 RETURNING `+claimColumns,
		key, owner, now, now.Add(ttl),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrClaimNotFound) {
		return Claim{}, false, err
	}

	cur, err := s.Get(ctx, key)
	if err != nil {
		return Claim{}, false, err
	}
	return cur, false, nil
}

// Takeover reassigns an abandoned claim with one conditional UPDATE. When the row no longer
// matches prevOwner or is not abandoned yet, it returns the current row and false.
func (s *PostgresClaimStore) Takeover(ctx context.Context, key, prevOwner, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET owner = $3,
		        claimed_at = $4,
		        expires_at = $5
		  WHERE key = $1
		    AND owner = $2
		    AND result IS NULL
		    AND expires_at <= $4
		 RETURNING `+claimColumns,
		key, prevOwner, owner, now, now.Add(ttl),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrClaimNotFound) {
		return Claim{}, false, err
	}

	cur, err := s.Get(ctx, key)
	if err != nil {
		return Claim{}, false, err
	}
	return cur, false, nil
}

// Get loads the claim row for key, or ErrClaimNotFound.
func (s *PostgresClaimStore) Get(ctx context.Context, key string) (Claim, error) {
	return scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM `+s.table()+` WHERE key = $1`,
		key,
	))
}

// Publish writes res as JSON onto the unresolved row owned by owner.
// ErrNotOwner means the row exists but belongs to another owner or is already resolved.
func (s *PostgresClaimStore) Publish(ctx context.Context, key, owner string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET result = $3::jsonb
		  WHERE key = $1
		    AND owner = $2
		    AND result IS NULL`,
		key, owner, string(payload),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrNotOwner
}

// Release deletes the row. A non-empty owner only matches its own unresolved row; an empty
// owner deletes whatever is there.
func (s *PostgresClaimStore) Release(ctx context.Context, key, owner string) error {
	var (
		sql  = `DELETE FROM ` + s.table() + ` WHERE key = $1`
		args = []any{key}
	)
	if owner != "" {
		sql += ` AND owner = $2 AND result IS NULL`
		args = append(args, owner)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if owner == "" {
		return ErrClaimNotFound
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrNotOwner
}

// Purge deletes rows that expired before the cutoff.
func (s *PostgresClaimStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresClaimStore) table() string {
	return pgx.Identifier{s.schema, "gateway_claims"}.Sanitize()
}

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c   Claim
		raw []byte
	)
	err := row.Scan(&c.Key, &c.Owner, &raw, &c.ClaimedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, ErrClaimNotFound
	}
	if err != nil {
		return Claim{}, err
	}
	if raw != nil {
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return Claim{}, err
		}
		c.Result = &res
	}
	return c, nil
}
