package token

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tokens in PostgreSQL (<schema>.tokens).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "tokengate").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tokengate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Create inserts a new token row.
func (s *PostgresStore) Create(ctx context.Context, t Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" || t.RemainingUses < 0 {
		return ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     id, registered_at, expires_at, remaining_uses, exhausted, state
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID,
		t.RegisteredAt,
		t.ExpiresAt,
		t.RemainingUses,
		t.Exhausted,
		t.State,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Get loads a token by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	return scanToken(s.pool.QueryRow(ctx,
		`SELECT id::text, registered_at, expires_at, remaining_uses, exhausted, state
		   FROM `+s.table()+`
		  WHERE id = $1`,
		id,
	))
}

// Update locks the row (SELECT ... FOR UPDATE), applies fn and writes the result
// within a single transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutator) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Token{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanToken(tx.QueryRow(ctx,
		`SELECT id::text, registered_at, expires_at, remaining_uses, exhausted, state
		   FROM `+s.table()+`
		  WHERE id = $1
		  FOR UPDATE`,
		id,
	))
	if err != nil {
		return Token{}, mapTxErr(err)
	}

	next := cur
	if err := fn(&next); err != nil {
		return Token{}, err
	}
	if err := checkTransition(cur, next); err != nil {
		return Token{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET remaining_uses = $2,
		        exhausted = $3,
		        state = $4
		  WHERE id = $1`,
		id,
		next.RemainingUses,
		next.Exhausted,
		next.State,
	)
	if err != nil {
		return Token{}, mapTxErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Token{}, mapTxErr(err)
	}
	return next, nil
}

// Delete removes a token row.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "tokens"}.Sanitize()
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(
		&t.ID,
		&t.RegisteredAt,
		&t.ExpiresAt,
		&t.RemainingUses,
		&t.Exhausted,
		&t.State,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

// mapTxErr turns serialization failures and deadlocks into ErrConflict so the engine retries them.
func mapTxErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return ErrConflict
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
