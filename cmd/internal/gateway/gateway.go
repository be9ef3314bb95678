package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tokengate/cmd/internal/ids"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Work produces the result for a key. It runs at most once per claim.
type Work func(ctx context.Context) (Result, error)

// Gateway runs Work once per idempotency key and hands the same Result to every caller.
type Gateway struct {
	store   ClaimStore
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
	flights singleflight.Group

	mu       sync.Mutex
	inflight map[string]time.Time // key -> start of the running flight
}

// Option configures the Gateway.
type Option func(*Gateway) error

// WithLogger sets the gateway logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) error {
		if log != nil {
			g.log = log
		}
		return nil
	}
}

// WithMetrics attaches execution metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithClock overrides the time source used for claim expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		if now == nil {
			return ErrInvalidInput
		}
		g.now = now
		return nil
	}
}

// New constructs a Gateway over store.
func New(store ClaimStore, cfg Config, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		store:    store,
		cfg:      cfg,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type flight struct {
	res  Result
	role Role
}

// Execute runs work for key exactly once across all concurrent callers sharing the store.
//
// The owner's work runs on a context detached from ctx, so a caller that goes away does not
// abort a downstream call others are waiting on. Cancelling ctx only stops this caller's wait.
func (g *Gateway) Execute(ctx context.Context, key string, work Work) (Result, Role, error) {
	key = strings.TrimSpace(key)
	if key == "" || work == nil {
		return Result{}, "", OpError{Op: "gateway.Execute", Kind: ErrInvalidInput}
	}

	if !g.cfg.LocalCoalesce {
		res, role, err := g.execute(ctx, key, work)
		g.metrics.observe(role, err)
		return res, role, err
	}

	return g.coalesce(ctx, key, work)
}

// coalesce shares one in-process flight per key. A caller that joins another caller's flight
// waits no longer than a store waiter would: the polling budget or the claim TTL, whichever
// ends first.
func (g *Gateway) coalesce(ctx context.Context, key string, work Work) (Result, Role, error) {
	var leader atomic.Bool
	ch := g.flights.DoChan(key, func() (any, error) {
		leader.Store(true)
		g.mu.Lock()
		g.inflight[key] = g.now()
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		}()
		res, role, err := g.execute(context.WithoutCancel(ctx), key, work)
		return flight{res: res, role: role}, err
	})

	started, ok := g.flightStart(key)
	if !ok {
		started = g.now()
	}
	budget := g.cfg.PollInterval * time.Duration(g.cfg.MaxRetries)
	if left := started.Add(g.cfg.ClaimTTL).Sub(g.now()); left < budget {
		budget = left
	}
	timer := time.NewTimer(max(budget, 0))
	defer timer.Stop()
	expired := timer.C

	finish := func(out singleflight.Result) (Result, Role, error) {
		f, _ := out.Val.(flight)
		role := f.role
		if !leader.Load() {
			role = RoleShared
		}
		if role == "" {
			role = RoleWaiter
		}
		g.metrics.observe(role, out.Err)
		return f.res, role, out.Err
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, RoleShared, ctx.Err()
		case out := <-ch:
			return finish(out)
		case <-expired:
			expired = nil
			select {
			case out := <-ch:
				return finish(out)
			default:
			}
			// The flight's own caller waits for its work. So does a caller whose flight has
			// already ended, since ch is about to deliver.
			if leader.Load() {
				continue
			}
			if _, running := g.flightStart(key); !running {
				continue
			}
			if g.cfg.ReclaimAbandoned && !g.now().Before(started.Add(g.cfg.ClaimTTL)) {
				// The flight outlived its claim; go through the store so it can be taken over.
				res, role, err := g.execute(ctx, key, work)
				g.metrics.observe(role, err)
				return res, role, err
			}
			g.log.Warn("gateway.shared.timeout", "key", key)
			err := OpError{Op: "gateway.Execute", Kind: ErrWaiterTimeout}
			g.metrics.observe(RoleShared, err)
			return Result{}, RoleShared, err
		}
	}
}

func (g *Gateway) flightStart(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.inflight[key]
	return t, ok
}

// Release deletes the claim for key regardless of owner. Operators use it to unblock a key.
func (g *Gateway) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return OpError{Op: "gateway.Release", Kind: ErrInvalidInput}
	}
	err := g.store.Release(ctx, key, "")
	switch {
	case err == nil:
		g.log.Info("gateway.claim.released", "key", key)
		return nil
	case errors.Is(err, ErrClaimNotFound):
		return OpError{Op: "gateway.Release", Kind: ErrClaimNotFound}
	default:
		return OpError{Op: "gateway.Release", Kind: ErrStoreUnavailable, Err: err}
	}
}

// Lookup returns the current claim for key.
func (g *Gateway) Lookup(ctx context.Context, key string) (Claim, error) {
	c, err := g.store.Get(ctx, strings.TrimSpace(key))
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, ErrClaimNotFound):
		return Claim{}, OpError{Op: "gateway.Lookup", Kind: ErrClaimNotFound}
	default:
		return Claim{}, OpError{Op: "gateway.Lookup", Kind: ErrStoreUnavailable, Err: err}
	}
}

func (g *Gateway) execute(ctx context.Context, key string, work Work) (Result, Role, error) {
	const op = "gateway.Execute"

	// Each restart follows a claim that vanished; the bound keeps a flapping owner from spinning us forever.
	for restart := 0; restart <= g.cfg.MaxRetries; restart++ {
		owner, err := ids.NewULID(g.now())
		if err != nil {
			return Result{}, RoleOwner, OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
		}

		now := g.now()
		c, won, err := g.store.Claim(ctx, key, owner, now, g.cfg.ClaimTTL)
		if errors.Is(err, ErrClaimNotFound) {
			continue
		}
		if err != nil {
			g.log.Error("gateway.claim.fail", "err", err, "key", key)
			return Result{}, RoleOwner, OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
		}
		if won {
			return g.runOwner(ctx, c, work)
		}

		res, role, err := g.follow(ctx, c, work)
		if errors.Is(err, errVanished) {
			continue
		}
		return res, role, err
	}
	return Result{}, RoleWaiter, OpError{Op: op, Kind: ErrWaiterTimeout}
}

// follow handles a lost claim: replay it, take it over, or wait for its owner.
func (g *Gateway) follow(ctx context.Context, c Claim, work Work) (Result, Role, error) {
	const op = "gateway.Execute"

	for {
		if c.Resolved() {
			return *c.Result, RoleReplay, nil
		}

		if c.Abandoned(g.now()) {
			if !g.cfg.ReclaimAbandoned {
				g.log.Warn("gateway.claim.abandoned", "key", c.Key, "owner", c.Owner)
				return Result{}, RoleWaiter, OpError{Op: op, Kind: ErrWaiterTimeout, Err: errAbandoned}
			}
			next, won, err := g.takeover(ctx, c)
			if err != nil {
				return Result{}, RoleOwner, err
			}
			if won {
				return g.runOwner(ctx, next, work)
			}
			c = next
			continue
		}

		start := time.Now()
		cur, err := g.wait(ctx, c.Key)
		g.metrics.observeWait(time.Since(start))
		switch {
		case err == nil:
			return *cur.Result, RoleWaiter, nil
		case errors.Is(err, errAbandoned):
			c = cur
			continue
		case errors.Is(err, errVanished):
			return Result{}, RoleWaiter, err
		case errors.Is(err, errPending):
			g.log.Warn("gateway.wait.timeout", "key", c.Key, "owner", c.Owner)
			return Result{}, RoleWaiter, OpError{Op: op, Kind: ErrWaiterTimeout}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, RoleWaiter, err
		default:
			return Result{}, RoleWaiter, OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
		}
	}
}

func (g *Gateway) takeover(ctx context.Context, c Claim) (Claim, bool, error) {
	owner, err := ids.NewULID(g.now())
	if err != nil {
		return Claim{}, false, OpError{Op: "gateway.Execute", Kind: ErrStoreUnavailable, Err: err}
	}
	next, won, err := g.store.Takeover(ctx, c.Key, c.Owner, owner, g.now(), g.cfg.ClaimTTL)
	if errors.Is(err, ErrClaimNotFound) {
		return Claim{}, false, errVanished
	}
	if err != nil {
		g.log.Error("gateway.takeover.fail", "err", err, "key", c.Key)
		return Claim{}, false, OpError{Op: "gateway.Execute", Kind: ErrStoreUnavailable, Err: err}
	}
	if won {
		g.log.Warn("gateway.claim.taken_over", "key", c.Key, "prev_owner", c.Owner, "owner", owner)
	}
	return next, won, nil
}

// wait polls the store at a constant interval until the claim resolves, vanishes,
// is abandoned, or the retry budget runs out (errPending).
func (g *Gateway) wait(ctx context.Context, key string) (Claim, error) {
	var last Claim
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.PollInterval), uint64(g.cfg.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		cur, err := g.store.Get(ctx, key)
		if errors.Is(err, ErrClaimNotFound) {
			return backoff.Permanent(errVanished)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		last = cur
		if cur.Resolved() {
			return nil
		}
		if cur.Abandoned(g.now()) {
			return backoff.Permanent(errAbandoned)
		}
		return errPending
	}, b)
	return last, err
}

func (g *Gateway) runOwner(ctx context.Context, c Claim, work Work) (Result, Role, error) {
	detached := context.WithoutCancel(ctx)

	res, err := work(detached)
	if err != nil {
		if rerr := g.store.Release(detached, c.Key, c.Owner); rerr != nil && !errors.Is(rerr, ErrClaimNotFound) {
			g.log.Error("gateway.release.fail", "err", rerr, "key", c.Key)
		}
		return Result{}, RoleOwner, err
	}

	if perr := g.store.Publish(detached, c.Key, c.Owner, res); perr != nil {
		// Waiters will time out or take over; this caller still has its result.
		g.log.Error("gateway.publish.fail", "err", perr, "key", c.Key)
	}
	return res, RoleOwner, nil
}

// RunSweeper purges claims expired for longer than ClaimRetention until ctx is done.
// It returns immediately when retention is disabled.
func (g *Gateway) RunSweeper(ctx context.Context) error {
	if g.cfg.ClaimRetention <= 0 {
		return nil
	}

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass and reports how many claims were removed.
func (g *Gateway) Sweep(ctx context.Context) int {
	n, err := g.store.Purge(ctx, g.now().Add(-g.cfg.ClaimRetention))
	if err != nil {
		g.log.Error("gateway.sweep.fail", "err", err)
		return 0
	}
	g.metrics.observePurged(n)
	if n > 0 {
		g.log.Info("gateway.sweep.purged", "count", n)
	}
	return n
}
