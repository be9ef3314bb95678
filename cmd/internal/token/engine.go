package token

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tokengate/cmd/internal/ids"

	"github.com/cenkalti/backoff/v4"
)

// Engine implements the token lifecycle operations: Register, Inspect, Consume, Exhaust and State.
//
// Every state-changing operation runs as one Store.Update so that the check
// ("is there a use left?") and the write ("take it") cannot interleave with another caller.
type Engine struct {
	store   Store
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	audit   Auditor
	now     func() time.Time
	newID   func() string
}

// Option configures the Engine.
type Option func(*Engine) error

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) error {
		if log != nil {
			e.log = log
		}
		return nil
	}
}

// WithMetrics attaches operation counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithAuditor records lifecycle transitions.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) error {
		e.audit = a
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return ErrInvalidInput
		}
		e.now = now
		return nil
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store: store,
		cfg:   cfg,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.NewTokenID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// MaxSeconds caps a token's TTL at 100 years so the expiry stays representable.
const MaxSeconds int64 = 100 * 365 * 24 * 60 * 60

// RegisterInput carries optional register parameters. Nil or zero values take configured defaults.
type RegisterInput struct {
	Seconds *int
	Uses    *int
}

// Register creates a new ACTIVE token.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (Token, error) {
	const op = "token.Register"

	seconds, err := pick(in.Seconds, e.cfg.DefaultSeconds)
	if err != nil || int64(seconds) > MaxSeconds {
		err = OpError{Op: op, Kind: ErrInvalidInput, Err: errString("seconds must be between 0 and 100 years")}
		e.metrics.observe("register", err)
		return Token{}, err
	}
	uses, err := pick(in.Uses, e.cfg.DefaultUses)
	if err != nil {
		e.metrics.observe("register", err)
		return Token{}, OpError{Op: op, Kind: ErrInvalidInput, Err: errString("uses must not be negative")}
	}

	now := e.now()
	t := Token{
		ID:            e.newID(),
		RegisteredAt:  now,
		ExpiresAt:     now.Add(time.Duration(seconds) * time.Second),
		RemainingUses: uses,
		State:         InitialState,
	}

	if err := e.store.Create(ctx, t); err != nil {
		err = e.storeErr(op, err)
		e.metrics.observe("register", err)
		e.log.Error("token.register.store.fail", "err", err)
		return Token{}, err
	}

	e.metrics.observe("register", nil)
	e.record(ctx, Event{
		Action:  ActionRegistered,
		TokenID: t.ID,
		At:      now,
		Meta:    map[string]any{"seconds": seconds, "uses": uses},
	})
	return t, nil
}

// Inspect reports the token's lifecycle flags without mutating it.
// A missing token yields Exists=false and a nil error.
func (e *Engine) Inspect(ctx context.Context, id string) (Inspection, error) {
	const op = "token.Inspect"

	t, err := e.get(ctx, op, id)
	if IsNotFound(err) {
		e.metrics.observe("inspect", err)
		return Inspection{Exists: false}, nil
	}
	if err != nil {
		e.metrics.observe("inspect", err)
		return Inspection{}, err
	}

	now := e.now()
	e.metrics.observe("inspect", nil)
	return Inspection{
		Exists:        true,
		Status:        t.Status(now),
		Expired:       t.Expired(now),
		Exhausted:     t.Exhausted,
		State:         t.State,
		RemainingUses: t.RemainingUses,
		ExpiresAt:     t.ExpiresAt,
	}, nil
}

// State returns the state string attached to the token.
func (e *Engine) State(ctx context.Context, id string) (string, error) {
	t, err := e.get(ctx, "token.State", id)
	e.metrics.observe("state", err)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

// Consume spends one use.
//
// Precedence: not found, exhausted, expired, then decrement. The use that brings the
// counter to zero also marks the token exhausted, in the same atomic update.
func (e *Engine) Consume(ctx context.Context, id string) (Token, error) {
	const op = "token.Consume"
	id = NormalizeID(id)
	if !ids.ValidTokenID(id) {
		e.metrics.observe("consume", ErrNotFound)
		return Token{}, OpError{Op: op, Kind: ErrNotFound}
	}

	now := e.now()
	var outcome error
	t, err := e.update(ctx, id, func(t *Token) error {
		outcome = nil
		if err := usable(*t, now); err != nil {
			return err
		}
		if t.RemainingUses < 1 {
			t.Exhausted = true
			outcome = ErrExhausted
			return nil
		}
		t.RemainingUses--
		if t.RemainingUses == 0 {
			t.Exhausted = true
		}
		return nil
	})
	if err != nil {
		err = e.classify(op, err)
		e.metrics.observe("consume", err)
		return Token{}, err
	}
	if outcome != nil {
		e.metrics.observe("consume", outcome)
		e.afterExhausted(ctx, t, now)
		return t, OpError{Op: op, Kind: outcome}
	}

	e.metrics.observe("consume", nil)
	e.record(ctx, Event{
		Action:  ActionConsumed,
		TokenID: t.ID,
		At:      now,
		Meta:    map[string]any{"remaining_uses": t.RemainingUses},
	})
	if t.Exhausted {
		e.afterExhausted(ctx, t, now)
	}
	return t, nil
}

// Exhaust force-closes a token, optionally attaching a state payload.
// Exhausting an already exhausted token reports ErrExhausted.
func (e *Engine) Exhaust(ctx context.Context, id string, state *string) (Token, error) {
	const op = "token.Exhaust"
	id = NormalizeID(id)
	if !ids.ValidTokenID(id) {
		e.metrics.observe("exhaust", ErrNotFound)
		return Token{}, OpError{Op: op, Kind: ErrNotFound}
	}

	now := e.now()
	t, err := e.update(ctx, id, func(t *Token) error {
		if err := usable(*t, now); err != nil {
			return err
		}
		t.Exhausted = true
		if state != nil {
			t.State = *state
		}
		return nil
	})
	if err != nil {
		err = e.classify(op, err)
		e.metrics.observe("exhaust", err)
		return Token{}, err
	}

	e.metrics.observe("exhaust", nil)
	e.afterExhausted(ctx, t, now)
	return t, nil
}

func (e *Engine) get(ctx context.Context, op, id string) (Token, error) {
	id = NormalizeID(id)
	if !ids.ValidTokenID(id) {
		return Token{}, OpError{Op: op, Kind: ErrNotFound}
	}
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return Token{}, e.classify(op, err)
	}
	return t, nil
}

// update retries ErrConflict with a short constant backoff; every other error is final.
func (e *Engine) update(ctx context.Context, id string, fn Mutator) (Token, error) {
	var out Token
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.ConflictBackoff), uint64(e.cfg.ConflictRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		t, err := e.store.Update(ctx, id, fn)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		out = t
		return nil
	}, b)
	return out, err
}

func (e *Engine) afterExhausted(ctx context.Context, t Token, now time.Time) {
	e.record(ctx, Event{
		Action:  ActionExhausted,
		TokenID: t.ID,
		At:      now,
		Meta:    map[string]any{"state": t.State},
	})
	if e.cfg.Retention != RetentionDelete {
		return
	}
	if err := e.store.Delete(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error("token.retention.delete.fail", "err", err, "token_id", t.ID)
		return
	}
	e.record(ctx, Event{Action: ActionDeleted, TokenID: t.ID, At: now})
}

func (e *Engine) record(ctx context.Context, ev Event) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, ev)
}

// classify keeps lifecycle outcomes as they are and folds everything else into ErrStoreUnavailable.
func (e *Engine) classify(op string, err error) error {
	for _, kind := range []error{ErrNotFound, ErrExhausted, ErrExpired, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return OpError{Op: op, Kind: kind}
		}
	}
	err = e.storeErr(op, err)
	e.log.Error("token.store.fail", "op", op, "err", err)
	return err
}

func (e *Engine) storeErr(op string, err error) error {
	return OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}

// usable maps a token that can no longer be spent to its sentinel.
func usable(t Token, now time.Time) error {
	switch t.Status(now) {
	case StatusExhausted:
		return ErrExhausted
	case StatusExpired:
		return ErrExpired
	}
	return nil
}

func pick(v *int, def int) (int, error) {
	if v == nil || *v == 0 {
		return def, nil
	}
	if *v < 0 {
		return 0, ErrInvalidInput
	}
	return *v, nil
}

// NormalizeID trims surrounding whitespace and lower-cases a presented token id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
