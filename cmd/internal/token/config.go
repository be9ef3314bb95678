package token

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Retention decides what happens to a token once it is exhausted.
type Retention string

const (
	// RetentionRetain keeps exhausted tokens with their marker and state for auditing.
	RetentionRetain Retention = "retain"
	// RetentionDelete removes a token as soon as it becomes exhausted.
	RetentionDelete Retention = "delete"
)

// Config controls token defaults and engine behavior.
type Config struct {
	// DefaultSeconds is the TTL applied when register omits "seconds".
	DefaultSeconds int `split_words:"true" default:"604800"`

	// DefaultUses is the use budget applied when register omits "uses".
	DefaultUses int `split_words:"true" default:"1"`

	Retention Retention `split_words:"true" default:"retain"`

	// ConflictRetries bounds how many times a conflicting store update is retried.
	ConflictRetries int           `split_words:"true" default:"3"`
	ConflictBackoff time.Duration `split_words:"true" default:"25ms"`
}

// DefaultConfig mirrors the envconfig defaults for callers that do not read the environment.
func DefaultConfig() Config {
	return Config{
		DefaultSeconds:  604800, // 7 days
		DefaultUses:     1,
		Retention:       RetentionRetain,
		ConflictRetries: 3,
		ConflictBackoff: 25 * time.Millisecond,
	}
}

// LoadConfigFromEnv loads token configuration from TOKENGATE_* environment variables.
//
// Optional:
//   - TOKENGATE_DEFAULT_SECONDS
//   - TOKENGATE_DEFAULT_USES
//   - TOKENGATE_RETENTION (retain|delete)
//   - TOKENGATE_CONFLICT_RETRIES
//   - TOKENGATE_CONFLICT_BACKOFF
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokengate", &cfg); err != nil {
		return Config{}, OpError{Op: "token.LoadConfigFromEnv", Kind: ErrConfig, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants of a Config.
func (c Config) Validate() error {
	switch {
	case c.DefaultSeconds <= 0 || int64(c.DefaultSeconds) > MaxSeconds:
		return OpError{Op: "token.Config", Kind: ErrConfig, Err: errString("default seconds must be positive and at most 100 years")}
	case c.DefaultUses <= 0:
		return OpError{Op: "token.Config", Kind: ErrConfig, Err: errString("default uses must be positive")}
	case c.Retention != RetentionRetain && c.Retention != RetentionDelete:
		return OpError{Op: "token.Config", Kind: ErrConfig, Err: errString("retention must be retain or delete")}
	case c.ConflictRetries < 0 || c.ConflictBackoff < 0:
		return OpError{Op: "token.Config", Kind: ErrConfig, Err: errString("conflict retry settings must not be negative")}
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }
