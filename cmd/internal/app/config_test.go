package app

import (
	"reflect"
	"testing"
	"time"

	"tokengate/cmd/internal/token"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"TOKENGATE_API_KEYS", "API_KEYS", "DATABASE_URL", "TOKENGATE_DATABASE_URL", "VCAP_SERVICES", "IDVA_DB_CONN_STR", "TOKEN_SECRET_KEY"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.ClaimBackend != ClaimBackendAuto || cfg.DBSchema != "tokengate" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, []string{"https://feedback.gsa.gov"}) {
		t.Fatalf("unexpected CORS default: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.Token.DefaultSeconds != 604800 || cfg.Token.DefaultUses != 1 {
		t.Fatalf("token defaults not loaded: %+v", cfg.Token)
	}
	if cfg.Gateway.MaxRetries != 30 || cfg.Relay.RequestTimeout.Seconds() != 10 {
		t.Fatalf("component defaults not loaded: %+v %+v", cfg.Gateway, cfg.Relay)
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("expected no API keys, got %v", cfg.APIKeys)
	}
}

func TestLoadConfig_EnvAndVCAP(t *testing.T) {
	t.Setenv("TOKENGATE_API_KEYS", "")
	t.Setenv("API_KEYS", "")
	t.Setenv("TOKENGATE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TOKENGATE_CLAIM_BACKEND", "memory")
	t.Setenv("TOKENGATE_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("VCAP_SERVICES", `{
		"user-provided": [
			{"name": "other", "credentials": {"keys": ["ignored"]}},
			{"name": "token-service-secret", "credentials": {"keys": ["k1", " ", "k2"]}}
		],
		"aws-rds": [{"name": "db", "credentials": {"uri": "postgres://u:p@db:5432/tokens"}}]
	}`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.APIKeys, []string{"k1", "k2"}) {
		t.Fatalf("unexpected keys: %v", cfg.APIKeys)
	}
	if cfg.DatabaseURL != "postgresql://u:p@db:5432/tokens" {
		t.Fatalf("unexpected database url: %q", cfg.DatabaseURL)
	}
	if cfg.ClaimBackend != ClaimBackendMemory {
		t.Fatalf("unexpected backend: %q", cfg.ClaimBackend)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSAllowedOrigins)
	}
}

// Generic names a platform may set for other processes must not leak into the service.
func TestLoadConfig_IgnoresUnprefixedNames(t *testing.T) {
	for _, k := range []string{"VCAP_SERVICES", "IDVA_DB_CONN_STR", "TOKEN_SECRET_KEY", "TOKENGATE_DATABASE_URL", "TOKENGATE_API_KEYS"} {
		t.Setenv(k, "")
	}
	for k, v := range map[string]string{
		"HTTP_ADDR":         "127.0.0.1:1",
		"LOG_LEVEL":         "debug",
		"LOG_FORMAT":        "yaml",
		"HTTP_READ_TIMEOUT": "1ms",
		"DATABASE_URL":      "postgresql://platform/db",
		"DB_SCHEMA":         "platform",
		"REDIS_URL":         "redis://platform:6379/0",
		"CLAIM_BACKEND":     "bogus",
		"API_KEYS":          "platform-key",
		"RETENTION":         "bogus",
		"CONFLICT_RETRIES":  "-1",
		"GATEWAY_CLAIM_TTL": "-1s",
		"TRUST_PROXY":       "true",
		"MAX_BODY_BYTES":    "1",
	} {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	if cfg.HTTPAddr != want.HTTPAddr || cfg.LogLevel != want.LogLevel || cfg.LogFormat != want.LogFormat {
		t.Fatalf("server settings leaked: %+v", cfg)
	}
	if cfg.HTTPReadTimeout != want.HTTPReadTimeout || cfg.DBSchema != want.DBSchema || cfg.ClaimBackend != want.ClaimBackend {
		t.Fatalf("server settings leaked: %+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" || len(cfg.APIKeys) != 0 {
		t.Fatalf("connection settings leaked: db=%q redis=%q keys=%v", cfg.DatabaseURL, cfg.RedisURL, cfg.APIKeys)
	}
	if !reflect.DeepEqual(cfg.Token, want.Token) || !reflect.DeepEqual(cfg.Gateway, want.Gateway) || !reflect.DeepEqual(cfg.API, want.API) {
		t.Fatalf("component settings leaked: %+v %+v %+v", cfg.Token, cfg.Gateway, cfg.API)
	}
	if cfg.Relay.MaxBodyBytes != want.Relay.MaxBodyBytes {
		t.Fatalf("relay body limit leaked: %d", cfg.Relay.MaxBodyBytes)
	}
}

func TestLoadConfig_PrefixedNames(t *testing.T) {
	for _, k := range []string{"VCAP_SERVICES", "IDVA_DB_CONN_STR", "TOKEN_SECRET_KEY", "TOKENGATE_DATABASE_URL"} {
		t.Setenv(k, "")
	}
	for k, v := range map[string]string{
		"TOKENGATE_HTTP_ADDR":           "127.0.0.1:9090",
		"TOKENGATE_LOG_LEVEL":           "debug",
		"TOKENGATE_HTTP_READ_TIMEOUT":   "20s",
		"TOKENGATE_DB_MAX_CONNS":        "4",
		"TOKENGATE_REDIS_URL":           "redis://cache:6379/1",
		"TOKENGATE_API_KEYS":            "k1,k2",
		"TOKENGATE_RETENTION":           "delete",
		"TOKENGATE_GATEWAY_CLAIM_TTL":   "45s",
		"TOKENGATE_GATEWAY_MAX_RETRIES": "5",
		"TOKENGATE_TRUST_PROXY":         "true",
	} {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" || cfg.LogLevel != "debug" || cfg.HTTPReadTimeout != 20*time.Second || cfg.DBMaxConns != 4 {
		t.Fatalf("server settings not loaded: %+v", cfg)
	}
	if cfg.RedisURL != "redis://cache:6379/1" || !reflect.DeepEqual(cfg.APIKeys, []string{"k1", "k2"}) {
		t.Fatalf("connection settings not loaded: redis=%q keys=%v", cfg.RedisURL, cfg.APIKeys)
	}
	if cfg.Token.Retention != token.RetentionDelete || !cfg.API.TrustProxy {
		t.Fatalf("component settings not loaded: %+v %+v", cfg.Token, cfg.API)
	}
	if cfg.Gateway.ClaimTTL != 45*time.Second || cfg.Gateway.MaxRetries != 5 {
		t.Fatalf("gateway settings not loaded: %+v", cfg.Gateway)
	}
}

func TestLoadConfig_RejectsBadVCAP(t *testing.T) {
	t.Setenv("VCAP_SERVICES", "{not json")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for malformed VCAP_SERVICES")
	}
}

func TestApplyFallbacks_Precedence(t *testing.T) {
	env := map[string]string{
		"IDVA_DB_CONN_STR": "postgresql://legacy/db",
		"TOKEN_SECRET_KEY": "legacy-key",
	}
	getenv := func(k string) string { return env[k] }

	cfg := Config{DatabaseURL: "postgresql://explicit/db", APIKeys: []string{"explicit"}}
	applyFallbacks(&cfg, vcapConfig{DatabaseURL: "postgresql://vcap/db", APIKeys: []string{"vcap"}}, getenv)
	if cfg.DatabaseURL != "postgresql://explicit/db" || !reflect.DeepEqual(cfg.APIKeys, []string{"explicit"}) {
		t.Fatalf("explicit values must win: %+v", cfg)
	}

	cfg = Config{}
	applyFallbacks(&cfg, vcapConfig{DatabaseURL: "postgresql://vcap/db", APIKeys: []string{"vcap"}}, getenv)
	if cfg.DatabaseURL != "postgresql://vcap/db" || !reflect.DeepEqual(cfg.APIKeys, []string{"vcap"}) {
		t.Fatalf("vcap values must win over legacy: %+v", cfg)
	}

	cfg = Config{APIKeys: []string{" "}}
	applyFallbacks(&cfg, vcapConfig{}, getenv)
	if cfg.DatabaseURL != "postgresql://legacy/db" || !reflect.DeepEqual(cfg.APIKeys, []string{"legacy-key"}) {
		t.Fatalf("legacy fallback not applied: %+v", cfg)
	}
}

func TestParseVCAP_Empty(t *testing.T) {
	got, err := parseVCAP("  ")
	if err != nil {
		t.Fatalf("parseVCAP: %v", err)
	}
	if got.DatabaseURL != "" || got.APIKeys != nil {
		t.Fatalf("expected zero config, got %+v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "text logs", mutate: func(c *Config) { c.LogFormat = "TEXT" }, ok: true},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "pretty" }},
		{name: "unknown backend", mutate: func(c *Config) { c.ClaimBackend = "etcd" }},
		{name: "postgres without db", mutate: func(c *Config) { c.ClaimBackend = "postgres" }},
		{name: "redis without url", mutate: func(c *Config) { c.ClaimBackend = "Redis" }},
		{name: "redis with url", mutate: func(c *Config) { c.ClaimBackend = "redis"; c.RedisURL = "redis://localhost:6379" }, ok: true},
		{name: "min over max", mutate: func(c *Config) { c.DBMinConns = 20 }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
