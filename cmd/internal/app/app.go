// Package app wires the tokengate server runtime: config, logging, persistence,
// HTTP routes and background work.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tokengate/cmd/internal/auth/api"
	"tokengate/cmd/internal/gateway"
	"tokengate/cmd/internal/relay"
	"tokengate/cmd/internal/token"
	"tokengate/cmd/security/apikey"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the tokengate server runtime: it owns persistence clients, the gateway and HTTP wiring.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	dbPool *pgxpool.Pool
	redis  *redis.Client

	gateway      *gateway.Gateway
	claimBackend string

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
// On error every client opened so far is closed.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, reg: newRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.dbPool = pool
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
	} else {
		log.Info("db.disabled.inmemory_store")
	}

	engine, err := a.newEngine()
	if err != nil {
		return nil, err
	}

	claims, err := a.newClaimStore(ctx)
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(claims, cfg.Gateway,
		gateway.WithLogger(log),
		gateway.WithMetrics(gateway.NewMetrics(a.reg)),
	)
	if err != nil {
		return nil, err
	}
	a.gateway = gw

	tokenAPI, err := api.NewHandler(log, cfg.API, engine)
	if err != nil {
		return nil, err
	}
	relayAPI, err := relay.NewHandler(log, cfg.Relay, gw, relay.NewForwarder(cfg.Relay, log, a.reg))
	if err != nil {
		return nil, err
	}

	keys := apikey.NewVerifier(cfg.APIKeys, log)
	cors := func(next http.Handler) http.Handler { return WithCORS(next, cfg, log) }

	mux := http.NewServeMux()
	registerHTTP(mux, a, keys.RequireAPIKey, cors, tokenAPI, relayAPI)
	a.handler = WithRequestLogging(WithSecurityHeaders(mux), log)

	log.Info("app.wired",
		"claim_backend", a.claimBackend,
		"api_keys", keys.Len(),
		"retention", string(cfg.Token.Retention),
	)
	ok = true
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ClaimBackend reports which claim store was selected.
func (a *App) ClaimBackend() string { return a.claimBackend }

// Run listens on cfg.HTTPAddr and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.close()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the claim sweeper until ctx is cancelled.
// Persistence clients are closed before it returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.close()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTPReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTPReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTPWriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTPIdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTPMaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "db_enabled", a.dbPool != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.gateway.RunSweeper(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTPShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) newEngine() (*token.Engine, error) {
	var (
		store   token.Store   = token.NewInMemoryStore()
		auditor token.Auditor = token.LogAuditor{Log: a.log}
	)
	if a.dbPool != nil {
		ps, err := token.NewPostgresStore(a.dbPool, token.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		store = ps
		auditor = token.NewPostgresAuditor(a.dbPool, a.cfg.DBSchema, a.log)
	}
	return token.NewEngine(store, a.cfg.Token,
		token.WithLogger(a.log),
		token.WithMetrics(token.NewMetrics(a.reg)),
		token.WithAuditor(auditor),
	)
}

// newClaimStore picks the claim backend. "auto" prefers Redis, then Postgres, then memory.
func (a *App) newClaimStore(ctx context.Context) (gateway.ClaimStore, error) {
	backend := a.cfg.claimBackend()
	if backend == ClaimBackendAuto {
		switch {
		case a.cfg.RedisURL != "":
			backend = ClaimBackendRedis
		case a.dbPool != nil:
			backend = ClaimBackendPostgres
		default:
			backend = ClaimBackendMemory
		}
	}
	a.claimBackend = backend

	switch backend {
	case ClaimBackendRedis:
		client, err := NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		return gateway.NewRedisClaimStore(client, a.cfg.Gateway.RedisKeyPrefix, a.cfg.Gateway.RedisKeyRetention)
	case ClaimBackendPostgres:
		if a.dbPool == nil {
			return nil, errors.New("claim backend postgres requires a database")
		}
		return gateway.NewPostgresClaimStore(a.dbPool, a.cfg.DBSchema)
	default:
		a.log.Warn("gateway.claims.memory", "effect", "deduplication is per process")
		return gateway.NewMemoryClaimStore(a.cfg.Gateway.MemoryCapacity)
	}
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

