package translate

import (
	"context"
	"io"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

func openaiDeployment() *router.Deployment {
	return &router.Deployment{
		Alias:       "gpt-4o",
		UpstreamURL: "https://llm.internal/v1",
		Kind:        KindOpenAI,
		ModelID:     "gpt-4o-2024-08-06",
		Active:      true,
	}
}

func chatRequest(stream bool) *Request {
	return &Request{
		Op: OpChat,
		Chat: &types.ChatRequest{
			Model:    "gpt-4o-2024-08-06",
			Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
			Stream:   stream,
		},
	}
}

func requestBody(t *testing.T, req *Request, dep *router.Deployment, tr Translator) map[string]any {
	t.Helper()
	httpReq, err := tr.BuildRequest(context.Background(), dep, "sk-test", req)
	require.NoError(t, err)

	raw, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload
}

func TestOpenAIBuildRequest_PathAndAuth(t *testing.T) {
	tr, err := ForKind("openai")
	require.NoError(t, err)
	dep := openaiDeployment()

	httpReq, err := tr.BuildRequest(context.Background(), dep, "sk-test", chatRequest(false))
	require.NoError(t, err)

	assert.Equal(t, "https://llm.internal/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", httpReq.Header.Get("Content-Type"))
}

func TestOpenAIBuildRequest_CustomAuthHeader(t *testing.T) {
	tr, _ := ForKind("openai")
	dep := openaiDeployment()
	dep.AuthHeaderName = "X-Serving-Key"
	dep.AuthHeaderPrefix = ""

	httpReq, err := tr.BuildRequest(context.Background(), dep, "raw-key", chatRequest(false))
	require.NoError(t, err)

	assert.Equal(t, "raw-key", httpReq.Header.Get("X-Serving-Key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))
}

func TestOpenAIBuildRequest_InjectsStreamUsage(t *testing.T) {
	tr, _ := ForKind("openai")
	dep := openaiDeployment()

	req := chatRequest(true)
	payload := requestBody(t, req, dep, tr)

	opts, ok := payload["stream_options"].(map[string]any)
	require.True(t, ok, "stream requests must carry stream_options")
	assert.Equal(t, true, opts["include_usage"])

	// The caller's request must stay untouched so the engine can still
	// tell the client never asked for usage chunks.
	assert.Nil(t, req.Chat.StreamOptions)
	assert.False(t, req.WantsUsage())
}

func TestOpenAIBuildRequest_BufferedHasNoStreamOptions(t *testing.T) {
	tr, _ := ForKind("openai")
	payload := requestBody(t, chatRequest(false), openaiDeployment(), tr)
	_, ok := payload["stream_options"]
	assert.False(t, ok)
}

func TestOpenAIBuildRequest_OperationPaths(t *testing.T) {
	tr, _ := ForKind("openai")
	dep := openaiDeployment()

	prompt := "hi"
	tests := []struct {
		req      *Request
		wantPath string
	}{
		{chatRequest(false), "/v1/chat/completions"},
		{&Request{Op: OpCompletion, Completion: &types.CompletionRequest{
			Model:  "m",
			Prompt: types.CompletionPrompt{Text: &prompt},
		}}, "/v1/completions"},
		{&Request{Op: OpEmbeddings, Embedding: &types.EmbeddingRequest{
			Model: "m",
			Input: types.EmbeddingInput{Text: &prompt},
		}}, "/v1/embeddings"},
		{&Request{Op: OpRerank, Rerank: &types.RerankRequest{
			Model:     "m",
			Query:     "q",
			Documents: []types.RerankDocument{{Text: "doc"}},
		}}, "/v1/rerank"},
	}
	for _, tt := range tests {
		httpReq, err := tr.BuildRequest(context.Background(), dep, "k", tt.req)
		require.NoError(t, err)
		assert.Equal(t, tt.wantPath, httpReq.URL.Path)
	}
}

func TestOpenAIParseResponse_RawPassthrough(t *testing.T) {
	tr, _ := ForKind("openai")

	// logprobs is a field the gateway does not model; the relayed body
	// must still carry it.
	body := []byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-2024-08-06",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop","logprobs":{"content":[]}}],` +
		`"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)

	result, err := tr.ParseResponse(chatRequest(false), body)
	require.NoError(t, err)

	assert.Equal(t, body, result.Raw)
	out, err := result.Body()
	require.NoError(t, err)
	assert.Contains(t, string(out), "logprobs")

	usage := result.Response.Usage()
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestOpenAIParseResponse_MalformedBody(t *testing.T) {
	tr, _ := ForKind("openai")
	_, err := tr.ParseResponse(chatRequest(false), []byte("<html>bad gateway</html>"))
	assert.Error(t, err)
}

func TestOpenAIChunkParser(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		wantForwarded  bool
		wantUsageOnly  bool
		wantFinish     string
		wantText       string
		wantCompletion int
	}{
		{
			name:          "content delta",
			input:         `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			wantForwarded: true,
			wantText:      "Hello",
		},
		{
			name:          "legacy completion delta",
			input:         `{"id":"c1","object":"text_completion","choices":[{"index":0,"text":"Hel"}]}`,
			wantForwarded: true,
			wantText:      "Hel",
		},
		{
			name:          "finish chunk",
			input:         `{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			wantForwarded: true,
			wantFinish:    "stop",
		},
		{
			name:           "usage only chunk",
			input:          `{"id":"c1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			wantForwarded:  true,
			wantUsageOnly:  true,
			wantCompletion: 5,
		},
		{
			name:          "malformed chunk still relayed",
			input:         `{"id": truncated`,
			wantForwarded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := ForKind("openai")
			parser := tr.NewChunkParser(OpChat, "gpt-4o")

			parsed, err := parser.Parse([]byte(tt.input))
			require.NoError(t, err)

			if tt.wantForwarded {
				assert.Equal(t, tt.input, string(parsed.Forward), "openai chunks pass through untouched")
			} else {
				assert.Nil(t, parsed.Forward)
			}
			assert.Equal(t, tt.wantUsageOnly, parsed.UsageOnly)
			assert.Equal(t, tt.wantFinish, parsed.FinishReason)
			assert.Equal(t, tt.wantText, parsed.Text)
			if tt.wantCompletion > 0 {
				require.NotNil(t, parsed.Usage)
				assert.Equal(t, tt.wantCompletion, parsed.Usage.CompletionTokens)
			}
		})
	}
}

func TestMapUpstreamStatus(t *testing.T) {
	tr, _ := ForKind("openai")
	dep := openaiDeployment()

	err := tr.MapError(dep, 429, []byte(`{"error":{"message":"overloaded"}}`))
	ge := gatewayerr.From(err)
	assert.Equal(t, 502, ge.StatusCode)
	assert.Equal(t, gatewayerr.KindUpstream, ge.Kind)
	assert.Contains(t, ge.Message, "overloaded")
	assert.Contains(t, ge.Message, "429")
	assert.Equal(t, "gpt-4o", ge.Model)

	err = tr.MapError(dep, 504, []byte(`{}`))
	assert.Equal(t, 504, gatewayerr.From(err).StatusCode)
}
