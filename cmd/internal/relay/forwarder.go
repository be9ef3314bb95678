package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"tokengate/cmd/internal/gateway"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
)

// Forwarder posts JSON payloads to downstream services.
type Forwarder struct {
	client   *http.Client
	log      *slog.Logger
	maxBytes int64
	requests *prometheus.CounterVec
}

// NewForwarder builds a Forwarder on a pooled cleanhttp client bounded by cfg.RequestTimeout.
// A nil reg skips metric registration.
func NewForwarder(cfg Config, log *slog.Logger, reg prometheus.Registerer) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.RequestTimeout

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}

	f := &Forwarder{
		client:   client,
		log:      log,
		maxBytes: maxBytes,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "downstream",
			Name:      "requests_total",
			Help:      "Downstream requests by target and status class.",
		}, []string{"target", "status_class"}),
	}
	if reg != nil {
		reg.MustRegister(f.requests)
	}
	return f
}

// Post sends body to target and captures the response as a gateway.Result.
// Any HTTP response counts as success; only transport failures return an error.
func (f *Forwarder) Post(ctx context.Context, target, label string, body []byte) (gateway.Result, error) {
	if strings.TrimSpace(target) == "" {
		return gateway.Result{}, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return gateway.Result{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			f.requests.WithLabelValues(label, "timeout").Inc()
			f.log.Warn("relay.downstream.timeout", "target", label, "err", err)
			return gateway.Result{}, fmt.Errorf("%w: %v", ErrDownstreamTimeout, err)
		}
		f.requests.WithLabelValues(label, "error").Inc()
		f.log.Error("relay.downstream.fail", "target", label, "err", err)
		return gateway.Result{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		f.requests.WithLabelValues(label, "error").Inc()
		return gateway.Result{}, fmt.Errorf("%w: read body: %v", ErrDownstream, err)
	}

	f.requests.WithLabelValues(label, statusClass(resp.StatusCode)).Inc()
	f.log.Info("relay.downstream.done", "target", label, "status", resp.StatusCode)

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return gateway.Result{StatusCode: resp.StatusCode, ContentType: ct, Body: payload}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
