package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// Routes assembles the gateway's HTTP surface. Every authenticated
// route is wrapped with per-route request metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Data plane (OpenAI-compatible).
	mux.Handle("POST /ai/v1/chat/completions", h.protected("/ai/v1/chat/completions", http.HandlerFunc(h.ChatCompletions)))
	mux.Handle("POST /ai/v1/completions", h.protected("/ai/v1/completions", http.HandlerFunc(h.Completions)))
	mux.Handle("POST /ai/v1/embeddings", h.protected("/ai/v1/embeddings", http.HandlerFunc(h.Embeddings)))
	mux.Handle("POST /ai/v1/rerank", h.protected("/ai/v1/rerank", http.HandlerFunc(h.Rerank)))
	mux.Handle("GET /ai/v1/models", h.protected("/ai/v1/models", http.HandlerFunc(h.ListModels)))

	// Credit surface. Ownership rules for reads live in the handlers;
	// writes require the create capability outright.
	mux.Handle("GET /admin/api/v1/credits/balance", h.protected("/admin/api/v1/credits/balance", http.HandlerFunc(h.CreditBalance)))
	mux.Handle("GET /admin/api/v1/credits/transactions", h.protected("/admin/api/v1/credits/transactions", http.HandlerFunc(h.ListTransactions)))
	mux.Handle("POST /admin/api/v1/credits/transactions", h.protected("/admin/api/v1/credits/transactions",
		auth.Require(auth.ResourceCredits, auth.OpCreate, http.HandlerFunc(h.RecordTransaction))))

	// Probe test.
	mux.Handle("POST /admin/api/v1/probes/test/{deployment_id}", h.protected("/admin/api/v1/probes/test",
		auth.Require(auth.ResourceProbes, auth.OpTest, http.HandlerFunc(h.ProbeTest))))

	// Operational.
	mux.Handle("GET /healthz", h.metrics.Middleware("/healthz", http.HandlerFunc(h.Healthz)))
	if h.metricsRoute.Enabled {
		path := h.metricsRoute.Path
		if path == "" {
			path = "/internal/metrics"
		}
		mux.Handle("GET "+path, cidrGate(h.metricsRoute.AllowedCIDRs, h.metrics.Handler(), h.logger))
	}

	return mux
}

// protected wraps a handler with request metrics and authentication.
func (h *Handler) protected(route string, next http.Handler) http.Handler {
	return h.metrics.Middleware(route, h.authenticate(next))
}

// authenticate resolves the request credential and places the principal
// on the context. Rejections are counted by taxonomy kind.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.auth.Authenticate(r.Context(), r)
		if err != nil {
			h.metrics.RecordAuthFailure(gatewayerr.From(err).Kind)
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// cidrGate restricts next to peers inside the allowed CIDRs. An empty
// list admits everyone.
func cidrGate(allowed []string, next http.Handler, logger *slog.Logger) http.Handler {
	if len(allowed) == 0 {
		return next
	}

	nets := make([]*net.IPNet, 0, len(allowed))
	for _, c := range allowed {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			logger.Warn("ignoring unparseable metrics CIDR", "cidr", c, "error", err)
			continue
		}
		nets = append(nets, n)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip != nil {
			for _, n := range nets {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}
