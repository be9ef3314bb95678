package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokengate/cmd/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relayFixture struct {
	mux   *http.ServeMux
	store *gateway.MemoryClaimStore
}

func newRelayFixture(t *testing.T, cfg Config) relayFixture {
	t.Helper()

	gcfg := gateway.DefaultConfig()
	gcfg.PollInterval = 10 * time.Millisecond
	gcfg.MaxRetries = 300
	gcfg.LocalCoalesce = false

	store, err := gateway.NewMemoryClaimStore(64)
	if err != nil {
		t.Fatalf("NewMemoryClaimStore: %v", err)
	}
	gw, err := gateway.New(store, gcfg, gateway.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	h, err := NewHandler(testLogger(), cfg, gw, NewForwarder(cfg, testLogger(), nil))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux, nil, nil)
	return relayFixture{mux: mux, store: store}
}

func validRedirect() RedirectRequest {
	return RedirectRequest{
		SurveyID:        "SV_origin",
		TargetSurveyID:  "SV_target",
		RulesConsentID:  "RC1",
		SurveyswapID:    "SS1",
		SurveyswapGroup: "G1",
		UTMCampaign:     "spring",
		UTMMedium:       "email",
		UTMSource:       "newsletter",
		Email:           "Pat@Example.com",
		FirstName:       "Pat",
		LastName:        "Doe",
	}
}

func postJSON(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRedirect_ConcurrentDuplicatesHitDownstreamOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var got RedirectRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("downstream decode: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"url":"https://survey.example.com/r/abc"}`)
	}))
	defer downstream.Close()

	cfg := DefaultConfig()
	cfg.QualtrixURL = downstream.URL + "/redirect"
	fx := newRelayFixture(t, cfg)

	const callers = 10
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	codes := make([]int, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			req := validRedirect()
			if i%2 == 0 {
				req.Email = "  pat@example.COM "
			}
			rr := postJSON(t, fx.mux, "/redirect", req)
			codes[i] = rr.Code
			bodies[i] = rr.Body.String()
		}(i)
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("downstream hit %d times, want 1", got)
	}
	for i := range bodies {
		if codes[i] != http.StatusOK {
			t.Fatalf("caller %d: status %d body %s", i, codes[i], bodies[i])
		}
		if bodies[i] != bodies[0] {
			t.Fatalf("caller %d: body %q differs from %q", i, bodies[i], bodies[0])
		}
	}
}

func TestRedirect_PassesThroughDownstreamStatus(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"survey closed"}`)
	}))
	defer downstream.Close()

	cfg := DefaultConfig()
	cfg.QualtrixURL = downstream.URL
	fx := newRelayFixture(t, cfg)

	rr := postJSON(t, fx.mux, "/redirect/", validRedirect())
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "survey closed") {
		t.Fatalf("body: %s", rr.Body.String())
	}
	if role := rr.Header().Get(RoleHeader); role != string(gateway.RoleOwner) {
		t.Fatalf("role header: %q", role)
	}

	rr = postJSON(t, fx.mux, "/redirect", validRedirect())
	if role := rr.Header().Get(RoleHeader); role != string(gateway.RoleReplay) {
		t.Fatalf("second call role header: %q", role)
	}
}

func TestRedirect_DownstreamTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer downstream.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.QualtrixURL = downstream.URL
	cfg.RequestTimeout = 50 * time.Millisecond
	fx := newRelayFixture(t, cfg)

	rr := postJSON(t, fx.mux, "/redirect", validRedirect())
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status: got %d body %s", rr.Code, rr.Body.String())
	}

	// A failed owner releases the claim so the next attempt can retry.
	if fx.store.Len() != 0 {
		t.Fatalf("expected claim to be released, %d left", fx.store.Len())
	}
}

func TestRedirect_DownstreamUnreachable(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.NotFoundHandler())
	url := downstream.URL
	downstream.Close()

	cfg := DefaultConfig()
	cfg.QualtrixURL = url
	fx := newRelayFixture(t, cfg)

	rr := postJSON(t, fx.mux, "/redirect", validRedirect())
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d body %s", rr.Code, rr.Body.String())
	}
}

func TestRedirect_Validation(t *testing.T) {
	t.Parallel()

	fx := newRelayFixture(t, DefaultConfig())

	bad := validRedirect()
	bad.Email = "not-an-email"
	bad.LastName = ""
	rr := postJSON(t, fx.mux, "/redirect", bad)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rr.Code)
	}
	for _, field := range []string{"email", "lastName"} {
		if !strings.Contains(rr.Body.String(), field) {
			t.Fatalf("expected %q in message: %s", field, rr.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/redirect", strings.NewReader(`{`))
	rr = httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/redirect", nil)
	rr = httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: got %d", rr.Code)
	}
}

func TestRedirect_NotConfigured(t *testing.T) {
	t.Parallel()

	fx := newRelayFixture(t, DefaultConfig())
	rr := postJSON(t, fx.mux, "/redirect", validRedirect())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", rr.Code)
	}
}

func TestExport(t *testing.T) {
	t.Parallel()

	var got SurveyResponse
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer downstream.Close()

	cfg := DefaultConfig()
	cfg.GDriveURL = downstream.URL + "/survey-export"
	fx := newRelayFixture(t, cfg)

	rr := postJSON(t, fx.mux, "/export/survey-response", SurveyResponse{
		SurveyID:    "SV_1",
		ResponseID:  "R_1",
		Participant: map[string]any{"email": "pat@example.com"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Response ID successfully posted") {
		t.Fatalf("body: %s", rr.Body.String())
	}
	if got.ResponseID != "R_1" || got.Participant["email"] != "pat@example.com" {
		t.Fatalf("downstream received %+v", got)
	}

	rr = postJSON(t, fx.mux, "/export/survey-response", map[string]string{"surveyId": "SV_1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing responseId: got %d", rr.Code)
	}
}

func TestExport_DownstreamDown(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.NotFoundHandler())
	url := downstream.URL
	downstream.Close()

	cfg := DefaultConfig()
	cfg.GDriveURL = url
	fx := newRelayFixture(t, cfg)

	rr := postJSON(t, fx.mux, "/export/survey-response", SurveyResponse{SurveyID: "SV_1", ResponseID: "R_1"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d", rr.Code)
	}
}

func TestClaimEndpoints(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer downstream.Close()

	cfg := DefaultConfig()
	cfg.QualtrixURL = downstream.URL
	fx := newRelayFixture(t, cfg)

	if rr := postJSON(t, fx.mux, "/redirect", validRedirect()); rr.Code != http.StatusOK {
		t.Fatalf("redirect: %d", rr.Code)
	}
	key := validRedirect().DedupKey()

	req := httptest.NewRequest(http.MethodGet, "/redirect/claims/"+key, nil)
	rr := httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"resolved":true`) {
		t.Fatalf("lookup: %d %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/redirect/claims/"+key, nil)
	rr = httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/redirect/claims/"+key, nil)
	rr = httptest.NewRecorder()
	fx.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second release: %d", rr.Code)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	a := validRedirect()
	b := validRedirect()
	b.Email = " pat@example.com"
	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("keys differ: %q vs %q", a.DedupKey(), b.DedupKey())
	}
	b.TargetSurveyID = "SV_other"
	if a.DedupKey() == b.DedupKey() {
		t.Fatalf("different targets must not share a key")
	}
}
