// Package api exposes the gateway over HTTP: the OpenAI-compatible data
// plane, the credit surface consumed by the external billing UI, the
// probe-test entry point, and the operational endpoints.
package api

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/audit"
	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/internal/metrics"
	"github.com/doublewordai/waycast/internal/pricing"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/ratelimit"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/tracing"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

const defaultMaxBodyBytes = 10 << 20

// Handler owns the HTTP surface and drives the request pipeline:
// authenticate, authorize, admit, route, relay, settle, audit.
type Handler struct {
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	router   *router.Router
	engine   *proxy.Engine
	ledger   *ledger.Service
	pricing  *pricing.Calculator
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
	logger   *slog.Logger

	maxBodyBytes int64
	probes       config.ProbeConfig
	metricsRoute config.MetricsConfig
}

// HandlerConfig wires the pipeline components into the HTTP surface.
// Recorder and Tracing may be nil; Metrics defaults to a fresh registry
// when nil so an unwired instance simply goes unscraped.
type HandlerConfig struct {
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Router        *router.Router
	Engine        *proxy.Engine
	Ledger        *ledger.Service
	Pricing       *pricing.Calculator
	Recorder      *audit.Recorder
	Metrics       *metrics.Metrics
	Tracing       *tracing.Provider
	Logger        *slog.Logger

	MaxBodyBytes int64
	Probes       config.ProbeConfig
	MetricsRoute config.MetricsConfig
}

// NewHandler creates the HTTP handler set.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Tracing == nil {
		cfg.Tracing = tracing.Noop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		auth:         cfg.Authenticator,
		limiter:      cfg.Limiter,
		router:       cfg.Router,
		engine:       cfg.Engine,
		ledger:       cfg.Ledger,
		pricing:      cfg.Pricing,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		tracing:      cfg.Tracing,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
		probes:       cfg.Probes,
		metricsRoute: cfg.MetricsRoute,
	}
}

// Healthz is the liveness endpoint, unauthenticated.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	gatewayerr.WriteJSON(w, err)
}

// writeRateLimited writes the 429 with a Retry-After hint rounded up so
// a caller that waits exactly that long finds a token.
func (h *Handler) writeRateLimited(w http.ResponseWriter, alias string, v ratelimit.Verdict) {
	retryAfter := int(math.Ceil(v.RetryAfter.Seconds()))
	gatewayerr.WriteJSONRetryAfter(w,
		gatewayerr.NewRateLimit(alias, fmt.Sprintf("rate limit exceeded for model %q", alias)),
		retryAfter)
}
