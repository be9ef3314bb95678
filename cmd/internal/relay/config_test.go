package relay

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("TOKENGATE_REQUEST_TIMEOUT", "3s")
	t.Setenv("TOKENGATE_QUALTRIX_URL", "")
	t.Setenv("QUALTRIX_APP_HOST", "qualtrix.internal")
	t.Setenv("QUALTRIX_APP_PORT", "8080")
	t.Setenv("TOKENGATE_GDRIVE_URL", "https://gdrive.internal/survey-export")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("timeout: %v", cfg.RequestTimeout)
	}
	if cfg.QualtrixURL != "http://qualtrix.internal:8080/redirect" {
		t.Fatalf("qualtrix url: %q", cfg.QualtrixURL)
	}
	if cfg.GDriveURL != "https://gdrive.internal/survey-export" {
		t.Fatalf("gdrive url: %q", cfg.GDriveURL)
	}
}

func TestLoadConfigFromEnv_RejectsBadURL(t *testing.T) {
	t.Setenv("TOKENGATE_QUALTRIX_URL", "ftp://qualtrix.internal")

	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
