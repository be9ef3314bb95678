package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderName is the request header carrying the API key.
const HeaderName = "X-API-Key"

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// digestPrefix marks a configured key given as its SHA-256 hex digest instead of in the clear.
const digestPrefix = "sha256:"

// Verifier checks presented keys against a fixed set.
type Verifier struct {
	digests []string
	log     *slog.Logger
}

// NewVerifier builds a Verifier from configured keys. An entry is either a raw key or
// "sha256:<hex digest>" of one. Blank and malformed entries are ignored.
func NewVerifier(keys []string, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	v := &Verifier{log: log}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		d, ok := digestOf(k)
		if !ok {
			log.Warn("apikey.digest.invalid", "want", "sha256:<64 hex chars>")
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		v.digests = append(v.digests, d)
	}
	if len(v.digests) == 0 {
		log.Warn("apikey.none_configured", "effect", "all protected requests are rejected")
	}
	return v
}

func digestOf(k string) (string, bool) {
	if len(k) < len(digestPrefix) || !strings.EqualFold(k[:len(digestPrefix)], digestPrefix) {
		return HashSHA256Hex(k), true
	}
	d := strings.ToLower(k[len(digestPrefix):])
	if b, err := hex.DecodeString(d); err != nil || len(b) != sha256.Size {
		return "", false
	}
	return d, true
}

// Len reports how many distinct keys are configured.
func (v *Verifier) Len() int {
	if v == nil {
		return 0
	}
	return len(v.digests)
}

// Verify returns nil when presented matches a configured key.
func (v *Verifier) Verify(presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return ErrMissingKey
	}
	if v == nil {
		return ErrInvalidKey
	}
	d := []byte(HashSHA256Hex(presented))
	match := 0
	for i := range v.digests {
		match |= subtle.ConstantTimeCompare(d, []byte(v.digests[i]))
	}
	if match != 1 {
		return ErrInvalidKey
	}
	return nil
}

// RequireAPIKey rejects requests without a valid X-API-Key with
// 403 {"message":"Unauthorized access"}.
func (v *Verifier) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r.Header.Get(HeaderName)); err != nil {
			if v != nil {
				v.log.Warn("apikey.reject", "reason", err.Error(), "path", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Unauthorized access"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
