package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/secret"
	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

func testEngine(t *testing.T, mutate func(*config.ProxyConfig)) *Engine {
	t.Helper()
	cfg := config.ProxyConfig{
		ConnectTimeout:   5 * time.Second,
		FirstByteTimeout: 5 * time.Second,
		RequestTimeout:   10 * time.Second,
		MaxResponseBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(cfg, secret.NewRegistry(), logger)
	t.Cleanup(e.Close)
	return e
}

func testDeployment(upstream string) *router.Deployment {
	return &router.Deployment{
		ID:            uuid.New(),
		Alias:         "gpt-test",
		UpstreamURL:   upstream,
		Kind:          translate.KindOpenAI,
		ModelID:       "gpt-upstream-v2",
		CredentialRef: "sk-live",
		Active:        true,
	}
}

func testChatRequest(stream bool) *translate.Request {
	return &translate.Request{
		Op: translate.OpChat,
		Chat: &types.ChatRequest{
			Model:    "gpt-test",
			Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"say hi"`)}},
			Stream:   stream,
		},
	}
}

func newTestContext(dep *router.Deployment, op translate.Op, stream bool) *RequestContext {
	rc := NewRequestContext(uuid.NewString(), nil, op, stream)
	rc.Deployment = dep
	return rc
}

const chatBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,` +
	`"model":"gpt-upstream-v2","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},` +
	`"finish_reason":"stop","logprobs":null}],` +
	`"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

func TestExecuteBuffered_RelaysBody(t *testing.T) {
	var gotAuth, gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotModel, _ = payload["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatBody))
	}))
	defer server.Close()

	e := testEngine(t, nil)
	dep := testDeployment(server.URL)
	rc := newTestContext(dep, translate.OpChat, false)
	rec := httptest.NewRecorder()

	err := e.Execute(context.Background(), rc, rec, testChatRequest(false))
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-live", gotAuth)
	assert.Equal(t, "gpt-upstream-v2", gotModel, "upstream sees its own model id")
	assert.Equal(t, chatBody, rec.Body.String(), "openai bodies relay byte for byte")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	assert.Equal(t, OutcomeCompleted, rc.Outcome)
	assert.Equal(t, 200, rc.UpstreamStatus)
	assert.Equal(t, 15, rc.Usage.TotalTokens)
	assert.False(t, rc.UsageEstimated)
	assert.True(t, rc.Billable())
	assert.False(t, rc.FirstByte.IsZero())
	assert.Greater(t, rc.Duration(), time.Duration(0))
}

func TestExecuteBuffered_MappedKindUsesAlias(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-live", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"id":"msg_1","role":"assistant","model":"claude-x",` +
			`"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn",` +
			`"usage":{"input_tokens":8,"output_tokens":2}}`))
	}))
	defer server.Close()

	e := testEngine(t, nil)
	dep := testDeployment(server.URL)
	dep.Kind = translate.KindAnthropic
	dep.Alias = "claude-alias"
	rc := newTestContext(dep, translate.OpChat, false)
	rec := httptest.NewRecorder()

	req := testChatRequest(false)
	req.Chat.Model = "claude-alias"
	require.NoError(t, e.Execute(context.Background(), rc, rec, req))

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-alias", resp.Model, "translated responses carry the public alias")
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 10, rc.Usage.TotalTokens)
}

func TestExecuteBuffered_UpstreamErrorMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()

	e := testEngine(t, nil)
	rc := newTestContext(testDeployment(server.URL), translate.OpChat, false)
	rec := httptest.NewRecorder()

	err := e.Execute(context.Background(), rc, rec, testChatRequest(false))
	require.Error(t, err)

	ge := gatewayerr.From(err)
	assert.Equal(t, 502, ge.StatusCode)
	assert.Equal(t, gatewayerr.KindUpstream, ge.Kind)
	assert.Contains(t, ge.Message, "503")
	assert.Contains(t, ge.Message, "overloaded")

	assert.Equal(t, OutcomeFailed, rc.Outcome)
	assert.Equal(t, 503, rc.UpstreamStatus)
	assert.False(t, rc.Billable())
	assert.Zero(t, rec.Body.Len(), "nothing written on pre-output failure")
}

func TestExecuteBuffered_RetryOnce(t *testing.T) {
	tests := []struct {
		name      string
		retryOnce bool
		firstCode int
		wantHits  int32
		wantErr   bool
	}{
		{"5xx retried once", true, 500, 2, false},
		{"retry disabled", false, 500, 1, true},
		{"4xx never retried", true, 400, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if hits.Add(1) == 1 {
					w.WriteHeader(tt.firstCode)
					_, _ = w.Write([]byte(`{"error":{"message":"transient"}}`))
					return
				}
				_, _ = w.Write([]byte(chatBody))
			}))
			defer server.Close()

			e := testEngine(t, func(cfg *config.ProxyConfig) { cfg.RetryOnce = tt.retryOnce })
			rc := newTestContext(testDeployment(server.URL), translate.OpChat, false)
			rec := httptest.NewRecorder()

			err := e.Execute(context.Background(), rc, rec, testChatRequest(false))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, OutcomeFailed, rc.Outcome)
			} else {
				require.NoError(t, err)
				assert.Equal(t, OutcomeCompleted, rc.Outcome)
				assert.Equal(t, 15, rc.Usage.TotalTokens, "debitable usage counted once")
			}
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestExecuteBuffered_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e := testEngine(t, func(cfg *config.ProxyConfig) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	rc := newTestContext(testDeployment(server.URL), translate.OpChat, false)

	err := e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false))
	require.Error(t, err)
	assert.Equal(t, 504, gatewayerr.From(err).StatusCode)
	assert.Equal(t, OutcomeFailed, rc.Outcome)
}

func TestExecuteBuffered_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"big","object":"chat.completion","choices":[],"padding":"` +
			strings.Repeat("x", 4096) + `"}`))
	}))
	defer server.Close()

	e := testEngine(t, func(cfg *config.ProxyConfig) { cfg.MaxResponseBytes = 256 })
	rc := newTestContext(testDeployment(server.URL), translate.OpChat, false)

	err := e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false))
	require.Error(t, err)
	assert.Contains(t, gatewayerr.From(err).Message, "exceeded")
	assert.Equal(t, OutcomeFailed, rc.Outcome)
}

func TestExecuteBuffered_EstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","object":"chat.completion","model":"gpt-upstream-v2",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"The capital of Norway is Oslo."},` +
			`"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	e := testEngine(t, nil)
	rc := newTestContext(testDeployment(server.URL), translate.OpChat, false)

	require.NoError(t, e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false)))
	assert.True(t, rc.UsageEstimated)
	assert.Greater(t, rc.Usage.PromptTokens, 0)
	assert.Greater(t, rc.Usage.CompletionTokens, 0)
	assert.Equal(t, rc.Usage.PromptTokens+rc.Usage.CompletionTokens, rc.Usage.TotalTokens)
	assert.True(t, rc.Billable())
}

func TestExecuteBuffered_EnvCredential(t *testing.T) {
	t.Setenv("WAYCAST_TEST_UPSTREAM_KEY", "from-env")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(chatBody))
	}))
	defer server.Close()

	reg := secret.NewRegistry()
	reg.Register("env", &secret.EnvResolver{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(config.ProxyConfig{RequestTimeout: 5 * time.Second, MaxResponseBytes: 1 << 20}, reg, logger)
	defer e.Close()

	dep := testDeployment(server.URL)
	dep.CredentialRef = "env://WAYCAST_TEST_UPSTREAM_KEY"
	rc := newTestContext(dep, translate.OpChat, false)

	require.NoError(t, e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false)))
	assert.Equal(t, "Bearer from-env", gotAuth)
}

func TestExecute_CredentialResolutionFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	e := testEngine(t, nil)
	dep := testDeployment(server.URL)
	dep.CredentialRef = "vault://secret/llm#api_key"
	rc := newTestContext(dep, translate.OpChat, false)

	err := e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false))
	require.Error(t, err)
	assert.Equal(t, gatewayerr.KindInternal, gatewayerr.From(err).Kind)
	assert.Equal(t, OutcomeFailed, rc.Outcome)
	assert.Zero(t, hits.Load(), "no dispatch without a credential")
}

func TestExecute_UnknownKind(t *testing.T) {
	e := testEngine(t, nil)
	dep := testDeployment("http://127.0.0.1:0")
	dep.Kind = "bedrock"
	rc := newTestContext(dep, translate.OpChat, false)

	err := e.Execute(context.Background(), rc, httptest.NewRecorder(), testChatRequest(false))
	require.Error(t, err)
	assert.Equal(t, gatewayerr.KindInternal, gatewayerr.From(err).Kind)
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(1), payload["max_tokens"])
		_, _ = w.Write([]byte(chatBody))
	}))
	defer server.Close()

	e := testEngine(t, nil)
	result := e.Probe(context.Background(), testDeployment(server.URL), "", 0)

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "gpt-test", result.Alias)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.GreaterOrEqual(t, result.LatencyMs, int64(0))
}

func TestProbe_UpstreamDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"no capacity"}}`))
	}))
	defer server.Close()

	e := testEngine(t, func(cfg *config.ProxyConfig) { cfg.RetryOnce = false })
	result := e.Probe(context.Background(), testDeployment(server.URL), "health check", 0)

	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "503")
}
