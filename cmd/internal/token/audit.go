package token

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"tokengate/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded by the engine.
const (
	ActionRegistered = "token.registered"
	ActionConsumed   = "token.consumed"
	ActionExhausted  = "token.exhausted"
	ActionDeleted    = "token.deleted"
)

// Event is a single lifecycle transition.
type Event struct {
	Action  string
	TokenID string
	At      time.Time
	Meta    map[string]any
}

type remoteKey struct{}

// WithRemote attaches the caller's address to ctx so audit rows can record it.
func WithRemote(ctx context.Context, remote string) context.Context {
	if strings.TrimSpace(remote) == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteKey{}, remote)
}

// RemoteFrom returns the address attached by WithRemote, if any.
func RemoteFrom(ctx context.Context) string {
	s, _ := ctx.Value(remoteKey{}).(string)
	return s
}

// Auditor records lifecycle transitions. Recording is best effort and must not fail the operation.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// PostgresAuditor appends events to <schema>.audit_log.
type PostgresAuditor struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

// NewPostgresAuditor constructs a PostgresAuditor. An empty schema falls back to "tokengate".
func NewPostgresAuditor(pool *pgxpool.Pool, schema string, log *slog.Logger) *PostgresAuditor {
	if strings.TrimSpace(schema) == "" {
		schema = "tokengate"
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresAuditor{pool: pool, schema: schema, log: log}
}

// Record inserts ev. Failures are logged and swallowed.
func (a *PostgresAuditor) Record(ctx context.Context, ev Event) {
	if a == nil || a.pool == nil {
		return
	}

	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	id, err := ids.NewULID(at)
	if err != nil {
		a.log.Error("token.audit.id.fail", "err", err, "action", action)
		return
	}

	var remote *string
	if r := RemoteFrom(ctx); r != "" {
		remote = &r
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{a.schema, "audit_log"}.Sanitize()+` (
		     id, action, token_id, created_at, remote, meta
		   ) VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		id, action, ev.TokenID, at, remote, metaVal,
	)
	if err != nil {
		a.log.Error("token.audit.insert.fail", "err", err, "action", action)
	}
}

// LogAuditor writes events to a structured logger. Used when no database is configured.
type LogAuditor struct {
	Log *slog.Logger
}

// Record logs ev at debug level.
func (a LogAuditor) Record(ctx context.Context, ev Event) {
	if a.Log == nil {
		return
	}
	a.Log.DebugContext(ctx, "token.audit", "action", ev.Action, "token_id", ev.TokenID, "remote", RemoteFrom(ctx), "meta", ev.Meta)
}
