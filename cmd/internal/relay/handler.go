package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"tokengate/cmd/internal/gateway"
	"tokengate/cmd/internal/httpjson"

	"github.com/go-playground/validator/v10"
)

// RoleHeader reports how the gateway produced a /redirect response.
const RoleHeader = "X-Tokengate-Role"

// Middleware decorates a handler (API-key check, CORS).
type Middleware func(http.Handler) http.Handler

// Handler serves the forwarding endpoints.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	gw       *gateway.Gateway
	fwd      *Forwarder
	validate *validator.Validate
}

// NewHandler constructs a relay Handler.
func NewHandler(log *slog.Logger, cfg Config, gw *gateway.Gateway, fwd *Forwarder) (*Handler, error) {
	if gw == nil || fwd == nil {
		return nil, errors.New("relay: nil gateway or forwarder")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		log:      log,
		cfg:      cfg,
		gw:       gw,
		fwd:      fwd,
		validate: validate,
	}, nil
}

// Register wires relay routes onto mux. protect guards operator and export routes;
// cors guards the browser-facing /redirect route.
func (h *Handler) Register(mux *http.ServeMux, protect, cors Middleware) {
	if h == nil || mux == nil {
		return
	}
	if protect == nil {
		protect = passthrough
	}
	if cors == nil {
		cors = passthrough
	}

	redirect := cors(http.HandlerFunc(h.handleRedirect))
	mux.Handle("/redirect", redirect)
	mux.Handle("/redirect/{$}", redirect)
	mux.Handle("/redirect/claims/{key}", protect(http.HandlerFunc(h.handleClaim)))
	mux.Handle("/export/survey-response", protect(http.HandlerFunc(h.handleExport)))
}

func passthrough(next http.Handler) http.Handler { return next }

func (h *Handler) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RedirectRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		h.log.Error("relay.redirect.encode.fail", "err", err)
		httpjson.Fail(w, http.StatusInternalServerError, "Some error occurred. Please try again.")
		return
	}

	h.log.Info("relay.redirect", "target_survey_id", req.TargetSurveyID)

	res, role, err := h.gw.Execute(r.Context(), req.DedupKey(), func(ctx context.Context) (gateway.Result, error) {
		return h.fwd.Post(ctx, h.cfg.QualtrixURL, "qualtrix", body)
	})
	if err != nil {
		h.writeForwardError(w, r, "relay.redirect", err)
		return
	}

	w.Header().Set(RoleHeader, string(role))
	writeResult(w, res)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SurveyResponse
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		h.log.Error("relay.export.encode.fail", "err", err)
		httpjson.Fail(w, http.StatusInternalServerError, "Some error occurred. Please try again.")
		return
	}

	if _, err := h.fwd.Post(r.Context(), h.cfg.GDriveURL, "gdrive", body); err != nil {
		h.writeForwardError(w, r, "relay.export", err)
		return
	}
	httpjson.Success(w, http.StatusOK, "Response ID successfully posted")
}

type claimResponse struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Resolved  bool   `json:"resolved"`
	ClaimedAt string `json:"claimed_at"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	switch r.Method {
	case http.MethodGet:
		c, err := h.gw.Lookup(r.Context(), key)
		switch {
		case err == nil:
			httpjson.Write(w, http.StatusOK, claimResponse{
				Key:       c.Key,
				Owner:     c.Owner,
				Resolved:  c.Resolved(),
				ClaimedAt: c.ClaimedAt.UTC().Format(timeLayout),
				ExpiresAt: c.ExpiresAt.UTC().Format(timeLayout),
			})
		case errors.Is(err, gateway.ErrClaimNotFound):
			httpjson.Fail(w, http.StatusNotFound, "Claim does not exist")
		default:
			h.log.Error("relay.claim.lookup.fail", "err", err)
			httpjson.Fail(w, http.StatusServiceUnavailable, "Some error occurred. Please try again.")
		}
	case http.MethodDelete:
		err := h.gw.Release(r.Context(), key)
		switch {
		case err == nil:
			httpjson.Success(w, http.StatusOK, "Claim released")
		case errors.Is(err, gateway.ErrClaimNotFound), errors.Is(err, gateway.ErrInvalidInput):
			httpjson.Fail(w, http.StatusNotFound, "Claim does not exist")
		default:
			h.log.Error("relay.claim.release.fail", "err", err)
			httpjson.Fail(w, http.StatusServiceUnavailable, "Some error occurred. Please try again.")
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (h *Handler) writeForwardError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, gateway.ErrWaiterTimeout), errors.Is(err, ErrDownstreamTimeout):
		h.log.Warn(event+".timeout", "err", err)
		httpjson.Fail(w, http.StatusGatewayTimeout, "internal request timeout")
	case errors.Is(err, ErrNotConfigured):
		h.log.Error(event+".not_configured")
		httpjson.Fail(w, http.StatusServiceUnavailable, "downstream service not configured")
	case errors.Is(err, gateway.ErrStoreUnavailable):
		h.log.Error(event+".store.fail", "err", err)
		httpjson.Fail(w, http.StatusServiceUnavailable, "Some error occurred. Please try again.")
	case r.Context().Err() != nil:
		// Client went away; nobody is left to read the response.
		h.log.Info(event+".cancelled", "err", err)
	default:
		h.log.Error(event+".fail", "err", err)
		httpjson.Fail(w, http.StatusBadGateway, "downstream request failed")
	}
}

func writeResult(w http.ResponseWriter, res gateway.Result) {
	ct := res.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
