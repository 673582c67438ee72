package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// ProbeTest handles POST /admin/api/v1/probes/test/{deployment_id}.
// It drives the same router and relay path as real traffic so results
// reflect real routing and latency. Probes never touch the ledger;
// admission and model-access checks apply only when the exemptions are
// switched off in config. Inactive deployments are probeable so
// operators can verify an upstream before activating it.
func (h *Handler) ProbeTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, gatewayerr.NewAuthentication("missing credentials"))
		return
	}

	id, err := uuid.Parse(r.PathValue("deployment_id"))
	if err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "deployment_id must be a UUID"))
		return
	}

	dep, err := h.router.ByID(r.Context(), id)
	if errors.Is(err, router.ErrNotFound) {
		h.writeError(w, gatewayerr.NewNotFound("deployment not found"))
		return
	}
	if err != nil {
		h.logger.Error("deployment lookup failed", "deployment_id", id, "error", err)
		h.writeError(w, gatewayerr.NewInternal("deployment lookup failed"))
		return
	}

	if !h.probes.ModelAccessExempt() && !principal.CanUseModel(dep.Alias) {
		h.writeError(w, gatewayerr.NewAuthorization(fmt.Sprintf("model %q is not in your accessible set", dep.Alias)))
		return
	}
	if !h.probes.RateLimitExempt() {
		if v := h.limiter.Allow(principal.Subject(), dep.Alias, dep.RequestsPerSecond, dep.BurstSize); !v.Allowed {
			h.metrics.RecordRateLimitDenial(dep.Alias)
			h.writeRateLimited(w, dep.Alias, v)
			return
		}
	}

	result := h.engine.Probe(r.Context(), dep, h.probes.Prompt, h.probes.MaxTokens)
	h.metrics.ObserveProbe(dep.Alias, result.Status == "ok", time.Duration(result.LatencyMs)*time.Millisecond)

	h.writeJSON(w, http.StatusOK, result)
}
