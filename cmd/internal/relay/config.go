package relay

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config controls downstream forwarding.
type Config struct {
	// RequestTimeout bounds every downstream call, including owner work in the gateway.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`

	// QualtrixURL receives /redirect payloads. When empty it is built from QUALTRIX_APP_HOST/PORT.
	QualtrixURL  string `envconfig:"QUALTRIX_URL"`
	QualtrixHost string `envconfig:"QUALTRIX_APP_HOST"`
	QualtrixPort string `envconfig:"QUALTRIX_APP_PORT"`

	// GDriveURL receives survey-response exports. When empty it is built from GDRIVE_APP_HOST/PORT.
	GDriveURL  string `envconfig:"GDRIVE_URL"`
	GDriveHost string `envconfig:"GDRIVE_APP_HOST"`
	GDrivePort string `envconfig:"GDRIVE_APP_PORT"`

	MaxBodyBytes     int64 `split_words:"true" default:"1048576"`
	MaxResponseBytes int64 `split_words:"true" default:"4194304"`
}

// LoadConfigFromEnv loads relay configuration from TOKENGATE_* environment variables.
//
// Only the downstream fields carry envconfig tags, and envconfig falls back to the unprefixed
// tag name for them, so deployments that still set REQUEST_TIMEOUT, QUALTRIX_APP_* or
// GDRIVE_APP_* keep working. The body limits have no unprefixed fallback.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tokengate", &cfg); err != nil {
		return Config{}, fmt.Errorf("relay config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig mirrors the envconfig defaults with no downstream targets.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		MaxBodyBytes:     1 << 20,
		MaxResponseBytes: 4 << 20,
	}
}

func (c *Config) normalize() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("relay config: request timeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 4 << 20
	}

	var err error
	if c.QualtrixURL, err = targetURL(c.QualtrixURL, c.QualtrixHost, c.QualtrixPort, "/redirect"); err != nil {
		return fmt.Errorf("relay config: qualtrix: %w", err)
	}
	if c.GDriveURL, err = targetURL(c.GDriveURL, c.GDriveHost, c.GDrivePort, "/survey-export"); err != nil {
		return fmt.Errorf("relay config: gdrive: %w", err)
	}
	return nil
}

func targetURL(explicit, host, port, path string) (string, error) {
	raw := strings.TrimSpace(explicit)
	if raw == "" {
		host = strings.TrimSpace(host)
		if host == "" {
			return "", nil
		}
		if port = strings.TrimSpace(port); port != "" {
			host += ":" + port
		}
		raw = "http://" + host + path
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return u.String(), nil
}
