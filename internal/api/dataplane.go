package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/audit"
	"github.com/doublewordai/waycast/internal/httputil"
	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/metrics"
	"github.com/doublewordai/waycast/internal/pool"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/tracing"
	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

// statusClientClosed mirrors nginx's non-standard code for requests the
// caller abandoned before any response could be written.
const statusClientClosed = 499

// settleTimeout bounds the post-response ledger debit. The debit runs on
// a detached context because the caller may already be gone.
const settleTimeout = 10 * time.Second

// ChatCompletions handles POST /ai/v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	req := pool.GetChatRequest()
	defer pool.PutChatRequest(req)
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "messages is required"))
		return
	}

	h.serve(w, r, &translate.Request{Op: translate.OpChat, Chat: req})
}

// Completions handles POST /ai/v1/completions.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	req := pool.GetCompletionRequest()
	defer pool.PutCompletionRequest(req)
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "model is required"))
		return
	}
	if req.Prompt.IsEmpty() {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "prompt is required"))
		return
	}

	h.serve(w, r, &translate.Request{Op: translate.OpCompletion, Completion: req})
}

// Embeddings handles POST /ai/v1/embeddings. Always buffered.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	req := pool.GetEmbeddingRequest()
	defer pool.PutEmbeddingRequest(req)
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "model is required"))
		return
	}
	if req.Input.IsEmpty() {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "input is required"))
		return
	}

	h.serve(w, r, &translate.Request{Op: translate.OpEmbeddings, Embedding: req})
}

// Rerank handles POST /ai/v1/rerank. Always buffered.
func (h *Handler) Rerank(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	req := pool.GetRerankRequest()
	defer pool.PutRerankRequest(req)
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "model is required"))
		return
	}
	if req.Query == "" {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "query is required"))
		return
	}
	if len(req.Documents) == 0 {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "documents is required"))
		return
	}

	h.serve(w, r, &translate.Request{Op: translate.OpRerank, Rerank: req})
}

// ListModels handles GET /ai/v1/models: the active aliases the caller
// may actually use, never the full catalog.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, gatewayerr.NewAuthentication("missing credentials"))
		return
	}

	deployments, err := h.router.Models(r.Context())
	if err != nil {
		h.logger.Error("model listing failed", "error", err)
		h.writeError(w, gatewayerr.NewInternal("model listing failed"))
		return
	}

	list := types.ModelList{Object: "list", Data: make([]types.Model, 0, len(deployments))}
	for _, d := range deployments {
		if !principal.CanUseModel(d.Alias) {
			continue
		}
		list.Data = append(list.Data, types.Model{
			ID:      d.Alias,
			Object:  "model",
			Created: d.CreatedAt.Unix(),
			OwnedBy: d.Kind,
		})
	}
	h.writeJSON(w, http.StatusOK, list)
}

// readBody reads a request body under the configured size cap.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()

	body, err := httputil.ReadCapped(r.Body, h.maxBodyBytes)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", h.maxBodyBytes)))
		return nil, false
	}
	if err != nil {
		h.writeError(w, gatewayerr.NewInvalidRequest(http.StatusBadRequest, "failed to read request body"))
		return nil, false
	}
	return body, true
}

// serve runs one parsed data-plane request through the pipeline:
// model authorization, routing, admission, credit preflight, relay,
// settlement, audit. Every path out of here leaves an audit record once
// a deployment was resolved.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, req *translate.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, gatewayerr.NewAuthentication("missing credentials"))
		return
	}

	alias := req.Model()
	stream := req.Stream()

	if !principal.CanUseModel(alias) {
		h.metrics.RecordAuthFailure("model_access")
		h.writeError(w, gatewayerr.NewAuthorization(fmt.Sprintf("model %q is not in your accessible set", alias)))
		return
	}

	// Resolution is a pure cache/store read, so admission still precedes
	// all upstream I/O; it has to come first because the deployment
	// carries the pair's rate limits.
	dep, err := h.router.Resolve(r.Context(), alias)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if v := h.limiter.Allow(principal.Subject(), alias, dep.RequestsPerSecond, dep.BurstSize); !v.Allowed {
		h.metrics.RecordRateLimitDenial(alias)
		h.writeRateLimited(w, alias, v)
		return
	}

	if err := h.ledger.Preflight(r.Context(), principal.UserID); err != nil {
		if gatewayerr.IsKind(err, gatewayerr.KindInsufficientCredit) {
			h.metrics.RecordCreditRejection(alias)
		}
		h.writeError(w, err)
		return
	}

	rc := proxy.NewRequestContext(uuid.NewString(), principal, req.Op, stream)
	rc.Deployment = dep
	w.Header().Set("X-Request-Id", rc.ID)

	ctx, span := h.tracing.StartRequest(r.Context(), string(req.Op), dep.Kind, alias, stream)
	defer span.End()

	execErr := h.engine.Execute(ctx, rc, w, req)

	status := http.StatusOK
	var errMsg string
	if execErr != nil {
		if rc.Outcome == proxy.OutcomeCancelled {
			// Caller is gone; there is nobody to write an error to.
			status = statusClientClosed
			errMsg = "client closed request"
		} else {
			ge := gatewayerr.From(execErr)
			status = ge.HTTPStatusCode()
			errMsg = ge.Message
			h.writeError(w, execErr)
		}
		tracing.RecordError(span, execErr)
	}

	credits := h.settle(ctx, rc, alias)

	tracing.RecordUsage(span, rc.Usage.PromptTokens, rc.Usage.CompletionTokens)
	tracing.RecordOutcome(span, string(rc.Outcome), status)

	h.observe(rc, alias, status, credits, execErr)
	h.audit(rc, alias, status, credits, errMsg)
}

// settle debits delivered usage. Partial and cancelled streams bill what
// was relayed; a rejected debit never disturbs the already-sent response.
func (h *Handler) settle(ctx context.Context, rc *proxy.RequestContext, alias string) float64 {
	if !rc.Billable() {
		return 0
	}

	cost, ok := h.pricing.Cost(alias, rc.Usage)
	if !ok {
		h.logger.Debug("no price configured for model, usage not billed",
			"request_id", rc.ID, "model", alias)
		return 0
	}
	if cost <= 0 {
		return 0
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	tx, err := h.ledger.Debit(dctx, rc.Principal.UserID, cost, alias, "request "+rc.ID)
	if err != nil {
		if gatewayerr.IsKind(err, gatewayerr.KindInsufficientCredit) {
			h.metrics.RecordCreditRejection(alias)
			h.logger.Warn("delivered usage exceeded remaining balance, debit rejected",
				"request_id", rc.ID, "user_id", rc.Principal.UserID,
				"model", alias, "cost", cost)
		} else {
			h.logger.Error("debit failed",
				"request_id", rc.ID, "user_id", rc.Principal.UserID, "error", err)
		}
		return 0
	}
	if tx == nil {
		return 0
	}
	return tx.Amount
}

func (h *Handler) observe(rc *proxy.RequestContext, alias string, status int, credits float64, execErr error) {
	o := metrics.RequestObservation{
		Op:              string(rc.Op),
		Model:           alias,
		Provider:        rc.Deployment.Kind,
		Status:          status,
		Outcome:         string(rc.Outcome),
		Stream:          rc.Stream,
		Duration:        rc.Duration(),
		TimeToFirstByte: rc.TimeToFirstByte(),
		InputTokens:     rc.Usage.PromptTokens,
		OutputTokens:    rc.Usage.CompletionTokens,
		UsageEstimated:  rc.UsageEstimated,
		CreditsDebited:  credits,
	}
	switch {
	case execErr != nil:
		if ge := gatewayerr.From(execErr); ge.Kind == gatewayerr.KindUpstream {
			o.UpstreamErrorKind = ge.Kind
		}
	case rc.Outcome == proxy.OutcomePartial:
		// Mid-stream upstream failures finish in-band and return no error.
		o.UpstreamErrorKind = gatewayerr.KindUpstream
	}
	h.metrics.ObserveRequest(o)
}

func (h *Handler) audit(rc *proxy.RequestContext, alias string, status int, credits float64, errMsg string) {
	if h.recorder == nil {
		return
	}

	rec := &audit.Record{
		Time:             time.Now().UTC(),
		RequestID:        rc.ID,
		Op:               string(rc.Op),
		Model:            alias,
		Stream:           rc.Stream,
		Outcome:          string(rc.Outcome),
		HTTPStatus:       status,
		UpstreamStatus:   rc.UpstreamStatus,
		PromptTokens:     rc.Usage.PromptTokens,
		CompletionTokens: rc.Usage.CompletionTokens,
		TotalTokens:      rc.Usage.TotalTokens,
		UsageEstimated:   rc.UsageEstimated,
		CreditsDebited:   credits,
		LatencyMs:        rc.Duration().Milliseconds(),
		FirstByteMs:      rc.TimeToFirstByte().Milliseconds(),
		Error:            errMsg,
	}
	if p := rc.Principal; p != nil {
		rec.Subject = p.Subject()
		rec.UserID = p.UserID.String()
		if p.KeyID != nil {
			rec.KeyID = p.KeyID.String()
		}
	}
	if d := rc.Deployment; d != nil {
		rec.Provider = d.Kind
		rec.UpstreamModel = d.UpstreamModel()
	}
	h.recorder.Record(rec)
}
