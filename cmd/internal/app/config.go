package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tokengate/cmd/internal/auth/api"
	"tokengate/cmd/internal/gateway"
	"tokengate/cmd/internal/relay"
	"tokengate/cmd/internal/token"

	"github.com/kelseyhightower/envconfig"
)

// Claim backends accepted by TOKENGATE_CLAIM_BACKEND.
const (
	ClaimBackendAuto     = "auto"
	ClaimBackendMemory   = "memory"
	ClaimBackendPostgres = "postgres"
	ClaimBackendRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
//
// Keys are derived from field names (TOKENGATE_HTTP_ADDR, TOKENGATE_LOG_LEVEL, ...). Fields carry
// no envconfig tag so envconfig never falls back to generic unprefixed names such as LOG_LEVEL
// or REDIS_URL that a platform may set for other processes.
type Config struct {
	HTTPAddr  string `split_words:"true" default:"0.0.0.0:8080"`
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`

	HTTPReadHeaderTimeout time.Duration `split_words:"true" default:"5s"`
	HTTPReadTimeout       time.Duration `split_words:"true" default:"15s"`

	// HTTPWriteTimeout must outlast a waiter's full polling budget plus the downstream timeout.
	HTTPWriteTimeout    time.Duration `split_words:"true" default:"60s"`
	HTTPIdleTimeout     time.Duration `split_words:"true" default:"60s"`
	HTTPShutdownTimeout time.Duration `split_words:"true" default:"10s"`
	HTTPMaxHeaderBytes  int           `split_words:"true" default:"1048576"`

	DatabaseURL   string `split_words:"true"`
	DBMaxConns    int32  `split_words:"true" default:"10"`
	DBMinConns    int32  `split_words:"true" default:"0"`
	DBSchema      string `split_words:"true" default:"tokengate"`
	DBAutoMigrate bool   `split_words:"true" default:"true"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `split_words:"true" default:"false"`

	RedisURL     string `split_words:"true"`
	ClaimBackend string `split_words:"true" default:"auto"`

	APIKeys []string `split_words:"true"`

	// CORS applies to the browser-facing /redirect route only.
	CORSAllowedOrigins   []string `split_words:"true" default:"https://feedback.gsa.gov"`
	CORSAllowCredentials bool     `split_words:"true" default:"false"`
	CORSMaxAgeSeconds    int      `split_words:"true" default:"600"`

	Token   token.Config   `ignored:"true"`
	Gateway gateway.Config `ignored:"true"`
	Relay   relay.Config   `ignored:"true"`
	API     api.Config     `ignored:"true"`
}

// DefaultConfig returns a Config usable without any environment: in-memory stores,
// no downstream targets and no API keys.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:              "0.0.0.0:8080",
		LogLevel:              "info",
		LogFormat:             "json",
		HTTPReadHeaderTimeout: 5 * time.Second,
		HTTPReadTimeout:       15 * time.Second,
		HTTPWriteTimeout:      60 * time.Second,
		HTTPIdleTimeout:       60 * time.Second,
		HTTPShutdownTimeout:   10 * time.Second,
		HTTPMaxHeaderBytes:    1 << 20,
		DBMaxConns:            10,
		DBSchema:              "tokengate",
		DBAutoMigrate:         true,
		ClaimBackend:          ClaimBackendAuto,
		CORSAllowedOrigins:    []string{"https://feedback.gsa.gov"},
		CORSMaxAgeSeconds:     600,
		Token:                 token.DefaultConfig(),
		Gateway:               gateway.DefaultConfig(),
		Relay:                 relay.DefaultConfig(),
		API:                   api.DefaultConfig(),
	}
}

// LoadConfig loads Config from TOKENGATE_* environment variables, then fills the
// database URL and API keys from VCAP_SERVICES or legacy variables when unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokengate", &cfg); err != nil {
		return Config{}, fmt.Errorf("app config: %w", err)
	}

	vcap, err := parseVCAP(os.Getenv("VCAP_SERVICES"))
	if err != nil {
		return Config{}, err
	}
	applyFallbacks(&cfg, vcap, os.Getenv)

	if cfg.Token, err = token.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Gateway, err = gateway.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Relay, err = relay.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.API, err = api.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFallbacks resolves values that explicit TOKENGATE_* settings did not provide.
// Order: explicit env, then VCAP_SERVICES, then legacy variables.
func applyFallbacks(cfg *Config, vcap vcapConfig, getenv func(string) string) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = vcap.DatabaseURL
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = strings.TrimSpace(getenv("IDVA_DB_CONN_STR"))
	}
	cfg.DatabaseURL = normalizeDatabaseURL(cfg.DatabaseURL)

	if len(nonBlank(cfg.APIKeys)) == 0 {
		cfg.APIKeys = vcap.APIKeys
	}
	if len(nonBlank(cfg.APIKeys)) == 0 {
		if k := strings.TrimSpace(getenv("TOKEN_SECRET_KEY")); k != "" {
			cfg.APIKeys = []string{k}
		}
	}
	cfg.APIKeys = nonBlank(cfg.APIKeys)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("app config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	switch c.claimBackend() {
	case ClaimBackendAuto, ClaimBackendMemory:
	case ClaimBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("app config: CLAIM_BACKEND=postgres requires DATABASE_URL")
		}
	case ClaimBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("app config: CLAIM_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("app config: unknown CLAIM_BACKEND %q", c.ClaimBackend)
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("app config: DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
	}
	return nil
}

func (c Config) claimBackend() string {
	b := strings.ToLower(strings.TrimSpace(c.ClaimBackend))
	if b == "" {
		return ClaimBackendAuto
	}
	return b
}

// normalizeDatabaseURL accepts the "postgres://" scheme some brokers hand out.
func normalizeDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "postgres://") {
		return "postgresql://" + strings.TrimPrefix(raw, "postgres://")
	}
	return raw
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
