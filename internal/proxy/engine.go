// Package proxy relays data-plane requests to upstream model servers.
// It owns dispatch, translation, streaming, timeouts, retry, and usage
// accounting; admission and settlement stay with the caller.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/httputil"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/secret"
	"github.com/doublewordai/waycast/internal/tokenizer"
	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

const (
	// maxErrorBodyBytes caps how much of a non-2xx upstream body is
	// read for the error message.
	maxErrorBodyBytes = 256 << 10

	defaultMaxResponseBytes = 100 << 20

	retryBackoff = 100 * time.Millisecond
)

// Engine executes translated requests against upstream deployments.
type Engine struct {
	client  *http.Client
	secrets *secret.Registry
	cfg     config.ProxyConfig
	logger  *slog.Logger
}

// New builds an engine with a pooled transport. ConnectTimeout bounds
// dial+TLS and FirstByteTimeout bounds dispatch to response headers;
// the client itself carries no overall deadline because streams outlive
// any fixed one.
func New(cfg config.ProxyConfig, secrets *secret.Registry, logger *slog.Logger) *Engine {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.FirstByteTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Engine{
		client:  &http.Client{Transport: transport},
		secrets: secrets,
		cfg:     cfg,
		logger:  logger,
	}
}

// Close releases pooled connections.
func (e *Engine) Close() {
	e.client.CloseIdleConnections()
}

// Execute relays one request. An error return means nothing has been
// written to w and the caller owns the error response; once output has
// started the engine finishes the exchange in-band and returns nil.
// rc.Outcome and rc.Usage describe what happened either way.
func (e *Engine) Execute(ctx context.Context, rc *RequestContext, w http.ResponseWriter, req *translate.Request) error {
	dep := rc.Deployment
	if dep == nil {
		rc.finish(OutcomeFailed)
		return gatewayerr.NewInternal("no deployment resolved")
	}

	tr, err := translate.ForKind(dep.Kind)
	if err != nil {
		e.logger.Error("deployment has unknown provider kind",
			"request_id", rc.ID, "alias", dep.Alias, "kind", dep.Kind)
		rc.finish(OutcomeFailed)
		return gatewayerr.NewInternal("deployment misconfigured")
	}

	credential := ""
	if dep.CredentialRef != "" {
		credential, err = e.secrets.Resolve(ctx, dep.CredentialRef)
		if err != nil {
			e.logger.Error("credential resolution failed",
				"request_id", rc.ID, "alias", dep.Alias, "error", err)
			rc.finish(OutcomeFailed)
			return gatewayerr.NewInternal("upstream credential unavailable")
		}
	}

	// The upstream sees its own model id; the caller keeps the alias.
	alias := req.Model()
	req.SetModel(dep.UpstreamModel())

	if rc.Stream {
		return e.executeStream(ctx, rc, w, tr, credential, req, alias)
	}
	return e.executeBuffered(ctx, rc, w, tr, credential, req, alias)
}

func (e *Engine) executeBuffered(ctx context.Context, rc *RequestContext, w http.ResponseWriter, tr translate.Translator, credential string, req *translate.Request, alias string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	result, err := e.dispatchBuffered(ctx, rc, tr, credential, req)
	if err != nil && e.cfg.RetryOnce && e.retryEligible(rc) && ctx.Err() == nil {
		e.logger.Warn("retrying after pre-output failure",
			"request_id", rc.ID, "model", alias, "upstream_status", rc.UpstreamStatus, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(retryBackoff):
			result, err = e.dispatchBuffered(ctx, rc, tr, credential, req)
		}
	}
	if err != nil {
		rc.finish(e.failureOutcome(ctx))
		return err
	}

	if u := result.Response.Usage(); u != nil {
		rc.Usage.Add(u)
	}
	if rc.Usage.TotalTokens == 0 {
		e.estimateUsage(rc, req, result, "")
	}

	// Mapped kinds re-encode; the alias replaces the upstream model id.
	// Raw passthrough bodies go out untouched.
	if result.Raw == nil {
		result.Response.SetModel(alias)
	}
	body, err := result.Body()
	if err != nil {
		rc.finish(OutcomeFailed)
		return gatewayerr.NewInternal("encode response")
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		rc.finish(OutcomeCancelled)
		return nil
	}
	rc.finish(OutcomeCompleted)
	return nil
}

func (e *Engine) dispatchBuffered(ctx context.Context, rc *RequestContext, tr translate.Translator, credential string, req *translate.Request) (*translate.Result, error) {
	dep := rc.Deployment

	httpReq, err := tr.BuildRequest(ctx, dep, credential, req)
	if err != nil {
		return nil, err
	}

	rc.UpstreamStatus = 0
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.transportError(ctx, dep, err)
	}
	defer resp.Body.Close()

	rc.UpstreamStatus = resp.StatusCode
	if rc.FirstByte.IsZero() {
		rc.FirstByte = time.Now()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := httputil.ReadCapped(resp.Body, maxErrorBodyBytes)
		return nil, tr.MapError(dep, resp.StatusCode, body)
	}

	body, err := httputil.ReadCapped(resp.Body, e.cfg.MaxResponseBytes)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return nil, gatewayerr.NewUpstream(http.StatusBadGateway, dep.Kind, dep.Alias,
			fmt.Sprintf("upstream response exceeded %d bytes", e.cfg.MaxResponseBytes))
	}
	if err != nil {
		return nil, e.transportError(ctx, dep, err)
	}

	result, err := tr.ParseResponse(req, body)
	if err != nil {
		e.logger.Error("unparseable upstream response",
			"request_id", rc.ID, "alias", dep.Alias, "error", err)
		return nil, gatewayerr.NewUpstream(http.StatusBadGateway, dep.Kind, dep.Alias,
			"upstream returned an unparseable response")
	}
	return result, nil
}

// retryEligible restricts the single buffered retry to failures that
// cannot have consumed caller-visible work: connect/transport errors
// (no upstream status) and upstream 5xx.
func (e *Engine) retryEligible(rc *RequestContext) bool {
	return rc.UpstreamStatus == 0 || rc.UpstreamStatus >= 500
}

// transportError classifies a client.Do or body-read failure. Caller
// cancellation passes through untranslated so the outcome can record it.
func (e *Engine) transportError(ctx context.Context, dep *router.Deployment, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return gatewayerr.NewUpstream(http.StatusGatewayTimeout, dep.Kind, dep.Alias,
			"upstream timed out")
	}
	return gatewayerr.NewUpstream(http.StatusBadGateway, dep.Kind, dep.Alias,
		fmt.Sprintf("upstream unreachable: %v", err))
}

func (e *Engine) failureOutcome(ctx context.Context) Outcome {
	if errors.Is(ctx.Err(), context.Canceled) {
		return OutcomeCancelled
	}
	return OutcomeFailed
}

// estimateUsage fills in token counts when the upstream reported none.
// streamText is the accumulated delta text for streamed responses.
func (e *Engine) estimateUsage(rc *RequestContext, req *translate.Request, result *translate.Result, streamText string) {
	model := rc.Deployment.UpstreamModel()

	prompt := 0
	switch req.Op {
	case translate.OpChat:
		prompt = tokenizer.EstimatePromptTokens(model, req.Chat)
	case translate.OpCompletion:
		prompt = tokenizer.EstimateCompletionPromptTokens(model, req.Completion)
	case translate.OpEmbeddings:
		prompt = tokenizer.EstimateEmbeddingTokens(model, req.Embedding)
	case translate.OpRerank:
		prompt = tokenizer.EstimateRerankTokens(model, req.Rerank)
	}

	completion := 0
	switch {
	case streamText != "":
		completion = tokenizer.CountTextTokens(model, streamText)
	case result != nil && result.Response != nil:
		switch req.Op {
		case translate.OpChat:
			completion = tokenizer.EstimateCompletionTokens(model, result.Response.Chat, "")
		case translate.OpCompletion:
			if result.Response.Completion != nil {
				for _, c := range result.Response.Completion.Choices {
					completion += tokenizer.CountTextTokens(model, c.Text)
				}
			}
		}
	}

	if prompt == 0 && completion == 0 {
		return
	}
	rc.Usage = types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	rc.UsageEstimated = true
}

// ProbeResult is the outcome of a synthetic deployment check.
type ProbeResult struct {
	DeploymentID uuid.UUID    `json:"deployment_id"`
	Alias        string       `json:"alias"`
	Status       string       `json:"status"`
	LatencyMs    int64        `json:"latency_ms"`
	FirstByteMs  int64        `json:"first_byte_ms"`
	Usage        *types.Usage `json:"usage,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Probe sends a minimal chat request through the same relay path as
// real traffic and reports timing. The response body is discarded; the
// caller never bills probes.
func (e *Engine) Probe(ctx context.Context, dep *router.Deployment, prompt string, maxTokens int) *ProbeResult {
	if prompt == "" {
		prompt = "ping"
	}
	if maxTokens <= 0 {
		maxTokens = 1
	}

	req := &translate.Request{
		Op: translate.OpChat,
		Chat: &types.ChatRequest{
			Model: dep.Alias,
			Messages: []types.ChatMessage{
				{Role: "user", Content: mustJSONString(prompt)},
			},
			MaxTokens: maxTokens,
		},
	}

	rc := NewRequestContext(uuid.NewString(), nil, translate.OpChat, false)
	rc.Deployment = dep

	err := e.Execute(ctx, rc, &discardWriter{}, req)

	result := &ProbeResult{
		DeploymentID: dep.ID,
		Alias:        dep.Alias,
		Status:       "ok",
		LatencyMs:    rc.Duration().Milliseconds(),
		FirstByteMs:  rc.TimeToFirstByte().Milliseconds(),
	}
	if rc.Usage.TotalTokens > 0 {
		usage := rc.Usage
		result.Usage = &usage
	}
	if err != nil {
		result.Status = "error"
		result.Error = gatewayerr.From(err).Message
	}
	return result
}

func mustJSONString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}

// discardWriter satisfies probe executions that need no client output.
type discardWriter struct {
	header http.Header
}

func (d *discardWriter) Header() http.Header {
	if d.header == nil {
		d.header = make(http.Header)
	}
	return d.header
}

func (d *discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (d *discardWriter) WriteHeader(int)             {}
func (d *discardWriter) Flush()                      {}
