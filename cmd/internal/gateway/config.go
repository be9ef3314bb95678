package gateway

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config controls claim lifetimes and waiter polling.
type Config struct {
	// ClaimTTL bounds how long a claim may stay unresolved before it counts as abandoned.
	ClaimTTL time.Duration `split_words:"true" default:"30s"`

	// PollInterval and MaxRetries bound the waiter: roughly PollInterval*MaxRetries in total.
	PollInterval time.Duration `split_words:"true" default:"1s"`
	MaxRetries   int           `split_words:"true" default:"30"`

	// ReclaimAbandoned lets a caller take over an abandoned claim and re-run the work.
	ReclaimAbandoned bool `split_words:"true" default:"false"`

	// LocalCoalesce shares one in-process flight per key before the store is consulted.
	LocalCoalesce bool `split_words:"true" default:"true"`

	// ClaimRetention enables the sweeper: claims expired for longer than this are purged. 0 disables it.
	ClaimRetention time.Duration `split_words:"true" default:"0"`
	SweepInterval  time.Duration `split_words:"true" default:"1m"`

	MemoryCapacity    int           `split_words:"true" default:"10000"`
	RedisKeyPrefix    string        `split_words:"true" default:"tokengate:claim"`
	RedisKeyRetention time.Duration `split_words:"true" default:"24h"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:          30 * time.Second,
		PollInterval:      time.Second,
		MaxRetries:        30,
		LocalCoalesce:     true,
		SweepInterval:     time.Minute,
		MemoryCapacity:    10000,
		RedisKeyPrefix:    "tokengate:claim",
		RedisKeyRetention: 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads gateway configuration from TOKENGATE_GATEWAY_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokengate_gateway", &cfg); err != nil {
		return Config{}, OpError{Op: "gateway.LoadConfigFromEnv", Kind: ErrConfig, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants of a Config.
func (c Config) Validate() error {
	const op = "gateway.Config"
	switch {
	case c.ClaimTTL <= 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("claim ttl must be positive")}
	case c.PollInterval <= 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("poll interval must be positive")}
	case c.MaxRetries < 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("max retries must not be negative")}
	case c.ClaimRetention < 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("claim retention must not be negative")}
	case c.ClaimRetention > 0 && c.SweepInterval <= 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("sweep interval must be positive when retention is set")}
	case c.MemoryCapacity <= 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("memory capacity must be positive")}
	case c.RedisKeyRetention < 0:
		return OpError{Op: op, Kind: ErrConfig, Err: errString("redis key retention must not be negative")}
	}
	return nil
}
