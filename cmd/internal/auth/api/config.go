package api

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config controls token API behavior.
type Config struct {
	// TrustProxy makes audit rows record X-Forwarded-For / X-Real-IP instead of the socket peer.
	TrustProxy   bool  `split_words:"true" default:"false"`
	MaxBodyBytes int64 `split_words:"true" default:"1048576"`
}

// LoadConfigFromEnv loads token API config from TOKENGATE_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokengate", &cfg); err != nil {
		return Config{}, fmt.Errorf("api config: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return cfg, nil
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 1 << 20}
}
