package app

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cloud Foundry service names read from VCAP_SERVICES.
const (
	vcapSecretService = "token-service-secret"
	vcapRDSLabel      = "aws-rds"
	vcapUserProvided  = "user-provided"
)

type vcapService struct {
	Name        string `json:"name"`
	Credentials struct {
		Keys []string `json:"keys"`
		URI  string   `json:"uri"`
	} `json:"credentials"`
}

// vcapConfig is the subset of VCAP_SERVICES this service consumes.
type vcapConfig struct {
	DatabaseURL string
	APIKeys     []string
}

// parseVCAP extracts API keys from the user-provided secret service and the database
// URI from the first aws-rds binding. An empty document yields a zero vcapConfig.
func parseVCAP(raw string) (vcapConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return vcapConfig{}, nil
	}

	var services map[string][]vcapService
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return vcapConfig{}, fmt.Errorf("app config: parse VCAP_SERVICES: %w", err)
	}

	var out vcapConfig
	for _, svc := range services[vcapUserProvided] {
		if svc.Name == vcapSecretService {
			out.APIKeys = nonBlank(svc.Credentials.Keys)
			break
		}
	}
	if rds := services[vcapRDSLabel]; len(rds) > 0 {
		out.DatabaseURL = strings.TrimSpace(rds[0].Credentials.URI)
	}
	return out, nil
}
