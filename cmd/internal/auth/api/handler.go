// Package api exposes the token lifecycle engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"tokengate/cmd/internal/httpjson"
	"tokengate/cmd/internal/token"
)

// Response messages kept stable for existing clients.
const (
	msgRegistered   = "Successfully registered."
	msgExists       = "Token exists"
	msgInvoked      = "Token successfully invoked"
	msgExhaustedOK  = "Token successfully exhausted"
	msgState        = "Token state"
	msgExpired      = "Token expired"
	msgExhausted    = "Token exhausted"
	msgNotExist     = "Token does not exist"
	msgInvalidInput = "Invalid request body."
	msgError        = "Some error occurred. Please try again."
)

// Middleware decorates a handler; Register uses it for the API-key check.
type Middleware func(http.Handler) http.Handler

// Handler wires the token endpoints to a token.Engine.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	engine *token.Engine
}

// NewHandler constructs a token API Handler.
func NewHandler(log *slog.Logger, cfg Config, engine *token.Engine) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("api: nil token engine")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{log: log, cfg: cfg, engine: engine}, nil
}

// Register wires token routes onto mux, each wrapped by protect.
func (h *Handler) Register(mux *http.ServeMux, protect Middleware) {
	if h == nil || mux == nil {
		return
	}
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}

	mux.Handle("/auth", protect(http.HandlerFunc(h.handleRegister)))
	mux.Handle("/auth/state", protect(http.HandlerFunc(h.handleState)))
	mux.Handle("/auth/{token}", protect(http.HandlerFunc(h.handleToken)))
	decrement := protect(http.HandlerFunc(h.handleDecrement))
	mux.Handle("/auth/{token}/decrement", decrement)
	mux.Handle("/auth/{token}/decrement/{$}", decrement)
}

type registerRequest struct {
	Seconds *int `json:"seconds"`
	Uses    *int `json:"uses"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if r.ContentLength != 0 {
		if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil && !errors.Is(err, httpjson.ErrEmptyBody) {
			httpjson.Fail(w, http.StatusBadRequest, msgInvalidInput)
			return
		}
	}

	ctx := token.WithRemote(r.Context(), clientIP(r, h.cfg.TrustProxy))
	tok, err := h.engine.Register(ctx, token.RegisterInput{Seconds: req.Seconds, Uses: req.Uses})
	if err != nil {
		if errors.Is(err, token.ErrInvalidInput) {
			httpjson.Fail(w, http.StatusBadRequest, msgInvalidInput)
			return
		}
		h.log.Error("api.register.fail", "err", err)
		httpjson.Fail(w, http.StatusServiceUnavailable, msgError)
		return
	}

	httpjson.Write(w, http.StatusCreated, httpjson.Envelope{
		Status:    "success",
		Message:   msgRegistered,
		AuthToken: tok.ID,
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	state, err := h.engine.State(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.writeTokenError(w, r, "api.state", "", err)
		return
	}
	httpjson.Write(w, http.StatusOK, httpjson.Envelope{Status: "success", Message: msgState, State: &state})
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleValidate(w, r)
	case http.MethodDelete:
		h.handleExhaust(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ins, err := h.engine.Inspect(r.Context(), r.PathValue("token"))
	switch {
	case err != nil:
		h.writeTokenError(w, r, "api.validate", "", err)
	case !ins.Exists:
		httpjson.Fail(w, http.StatusNotFound, msgNotExist)
	case ins.Status == token.StatusExhausted:
		writeExhausted(w, ins.State)
	case ins.Status == token.StatusExpired:
		httpjson.Fail(w, http.StatusForbidden, msgExpired)
	default:
		httpjson.Success(w, http.StatusOK, msgExists)
	}
}

func (h *Handler) handleDecrement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("token")
	ctx := token.WithRemote(r.Context(), clientIP(r, h.cfg.TrustProxy))
	if _, err := h.engine.Consume(ctx, id); err != nil {
		h.writeTokenError(w, r, "api.decrement", id, err)
		return
	}
	httpjson.Success(w, http.StatusOK, msgInvoked)
}

func (h *Handler) handleExhaust(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("token")

	var state *string
	if q := r.URL.Query(); q.Has("state") {
		s := q.Get("state")
		state = &s
	}

	ctx := token.WithRemote(r.Context(), clientIP(r, h.cfg.TrustProxy))
	if _, err := h.engine.Exhaust(ctx, id, state); err != nil {
		h.writeTokenError(w, r, "api.exhaust", id, err)
		return
	}
	httpjson.Success(w, http.StatusOK, msgExhaustedOK)
}

// writeTokenError maps engine errors to responses. id, when set, is used to report
// the attached state of an exhausted token.
func (h *Handler) writeTokenError(w http.ResponseWriter, r *http.Request, event, id string, err error) {
	switch {
	case token.IsNotFound(err):
		httpjson.Fail(w, http.StatusNotFound, msgNotExist)
	case errors.Is(err, token.ErrExhausted):
		state := ""
		if id != "" {
			// Best effort: a delete retention policy may already have removed the row.
			state, _ = h.engine.State(r.Context(), id)
		}
		writeExhausted(w, state)
	case errors.Is(err, token.ErrExpired):
		httpjson.Fail(w, http.StatusForbidden, msgExpired)
	case errors.Is(err, token.ErrInvalidInput):
		httpjson.Fail(w, http.StatusBadRequest, msgInvalidInput)
	default:
		h.log.Error(event+".fail", "err", err)
		httpjson.Fail(w, http.StatusServiceUnavailable, msgError)
	}
}

func writeExhausted(w http.ResponseWriter, state string) {
	httpjson.Write(w, http.StatusForbidden, httpjson.Envelope{Status: "fail", Message: msgExhausted, State: &state})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
