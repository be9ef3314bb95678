// Package main provides a CI-friendly HTTP smoke test for a running tokengate server.
//
// It validates:
//   - register with explicit seconds/uses
//   - decrement until exhausted, then 403 "Token exhausted"
//   - exhaust with a state payload and read it back
//   - unknown tokens report 404
//   - optionally, /redirect deduplication (two identical posts, one owner and one replay)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

type envelope struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	AuthToken string  `json:"auth_token"`
	State     *string `json:"state"`
}

type smokeClient struct {
	base    string
	key     string
	origin  string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		apiKey   = flag.String("key", os.Getenv("TOKENGATE_SMOKE_API_KEY"), "X-API-Key value")
		origin   = flag.String("origin", "https://feedback.gsa.gov", "Origin header for /redirect")
		redirect = flag.Bool("redirect", false, "Also exercise /redirect dedup (needs a Qualtrix target)")
		timeout  = flag.Duration("timeout", 15*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*apiKey) == "" {
		fatalf("missing -key (or TOKENGATE_SMOKE_API_KEY)")
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		key:     *apiKey,
		origin:  *origin,
		http:    cleanhttp.DefaultClient(),
		timeout: *timeout,
		verbose: *verbose,
	}

	tok := c.mustRegister(`{"seconds":300,"uses":2}`)
	c.expect(http.MethodPost, "/auth/"+tok+"/decrement", http.StatusOK, "Token successfully invoked")
	c.expect(http.MethodGet, "/auth/"+tok, http.StatusOK, "Token exists")
	c.expect(http.MethodPost, "/auth/"+tok+"/decrement", http.StatusOK, "Token successfully invoked")
	c.expect(http.MethodPost, "/auth/"+tok+"/decrement", http.StatusForbidden, "Token exhausted")

	tok2 := c.mustRegister("")
	c.expect(http.MethodDelete, "/auth/"+tok2+"?state=smoke-done", http.StatusOK, "Token successfully exhausted")
	env := c.expect(http.MethodGet, "/auth/state?token="+tok2, http.StatusOK, "")
	if env.State == nil || *env.State != "smoke-done" {
		fatalf("state mismatch: got=%v want=%q", env.State, "smoke-done")
	}

	c.expect(http.MethodGet, "/auth/00000000-0000-4000-8000-000000000000", http.StatusNotFound, "Token does not exist")

	if *redirect {
		c.mustRedirectDedup()
	}

	fmt.Printf("OK: base=%s token=%s exhausted_token=%s redirect=%v\n", c.base, tok, tok2, *redirect)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c *smokeClient) mustRegister(body string) string {
	env := c.expectBody(http.MethodPost, "/auth", body, http.StatusCreated, "Successfully registered.")
	if env.AuthToken == "" {
		fatalf("register: missing auth_token")
	}
	return env.AuthToken
}

func (c *smokeClient) expect(method, path string, wantStatus int, wantMsg string) envelope {
	return c.expectBody(method, path, "", wantStatus, wantMsg)
}

func (c *smokeClient) expectBody(method, path, body string, wantStatus int, wantMsg string) envelope {
	status, raw, _ := c.do(method, path, body, nil)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		fatalf("%s %s: decode body %q: %v", method, path, raw, err)
	}
	if status != wantStatus {
		fatalf("%s %s: status got=%d want=%d body=%s", method, path, status, wantStatus, raw)
	}
	if wantMsg != "" && env.Message != wantMsg {
		fatalf("%s %s: message got=%q want=%q", method, path, env.Message, wantMsg)
	}
	return env
}

func (c *smokeClient) mustRedirectDedup() {
	payload := fmt.Sprintf(`{
		"surveyId": "SV_smoke",
		"targetSurveyId": "SV_smoke_target",
		"RulesConsentID": "RC_smoke",
		"SurveyswapID": "SS_smoke",
		"SurveyswapGroup": "G_smoke",
		"utm_campaign": "smoke",
		"utm_medium": "ci",
		"utm_source": "smoke",
		"email": "smoke+%d@example.com",
		"firstName": "Smoke",
		"lastName": "Test"
	}`, time.Now().UnixNano())
	hdr := map[string]string{"Origin": c.origin}

	s1, b1, h1 := c.do(http.MethodPost, "/redirect", payload, hdr)
	s2, b2, h2 := c.do(http.MethodPost, "/redirect", payload, hdr)

	if s1 >= 500 || s2 >= 500 {
		fatalf("redirect: downstream failed: %d %s / %d %s", s1, b1, s2, b2)
	}
	if s1 != s2 || !bytes.Equal(b1, b2) {
		fatalf("redirect: responses differ: %d %s / %d %s", s1, b1, s2, b2)
	}
	if r1, r2 := h1.Get("X-Tokengate-Role"), h2.Get("X-Tokengate-Role"); r1 != "owner" || r2 != "replay" {
		fatalf("redirect: roles got=%q,%q want=owner,replay", r1, r2)
	}
}

func (c *smokeClient) do(method, path, body string, hdr map[string]string) (int, []byte, http.Header) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		fatalf("%s %s: build request: %v", method, path, err)
	}
	req.Header.Set("X-API-Key", c.key)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatalf("%s %s: read body: %v", method, path, err)
	}
	if c.verbose {
		fmt.Printf("%s %s -> %d %s\n", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return resp.StatusCode, raw, resp.Header
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
