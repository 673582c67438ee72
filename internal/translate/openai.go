package translate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

// openaiTranslator serves OpenAI-compatible upstreams: the hosted API
// and self-hosted servers speaking its protocol. Bodies pass through
// nearly untouched; the gateway only rewrites the model field and
// injects usage reporting on streams so billing sees token totals.
type openaiTranslator struct{}

func (t *openaiTranslator) Kind() string { return KindOpenAI }

func (t *openaiTranslator) path(op Op) string {
	switch op {
	case OpChat:
		return "/chat/completions"
	case OpCompletion:
		return "/completions"
	case OpEmbeddings:
		return "/embeddings"
	case OpRerank:
		return "/rerank"
	}
	return ""
}

func (t *openaiTranslator) BuildRequest(ctx context.Context, dep *router.Deployment, credential string, req *Request) (*http.Request, error) {
	var body []byte
	var err error

	switch req.Op {
	case OpChat:
		chat := *req.Chat
		if chat.Stream && (chat.StreamOptions == nil || !chat.StreamOptions.IncludeUsage) {
			chat.StreamOptions = &types.StreamOptions{IncludeUsage: true}
		}
		body, err = json.Marshal(chat)
	case OpCompletion:
		completion := *req.Completion
		if completion.Stream && (completion.StreamOptions == nil || !completion.StreamOptions.IncludeUsage) {
			completion.StreamOptions = &types.StreamOptions{IncludeUsage: true}
		}
		body, err = json.Marshal(completion)
	case OpEmbeddings:
		body, err = json.Marshal(req.Embedding)
	case OpRerank:
		body, err = json.Marshal(req.Rerank)
	default:
		return nil, fmt.Errorf("translate: unknown op %q", req.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL(dep, t.path(req.Op)), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq.Header, dep, credential, "Authorization", "Bearer ")
	return httpReq, nil
}

func (t *openaiTranslator) ParseResponse(req *Request, body []byte) (*Result, error) {
	resp := &Response{Op: req.Op}

	var err error
	switch req.Op {
	case OpChat:
		resp.Chat = &types.ChatResponse{}
		err = json.Unmarshal(body, resp.Chat)
	case OpCompletion:
		resp.Completion = &types.CompletionResponse{}
		err = json.Unmarshal(body, resp.Completion)
	case OpEmbeddings:
		resp.Embedding = &types.EmbeddingResponse{}
		err = json.Unmarshal(body, resp.Embedding)
	case OpRerank:
		resp.Rerank = &types.RerankResponse{}
		err = json.Unmarshal(body, resp.Rerank)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	// Raw relays the upstream body byte for byte so fields the gateway
	// does not model survive; the typed form only feeds billing.
	return &Result{Response: resp, Raw: body}, nil
}

func (t *openaiTranslator) NewChunkParser(Op, string) ChunkParser {
	return &openaiChunkParser{}
}

func (t *openaiTranslator) MapError(dep *router.Deployment, statusCode int, body []byte) error {
	return mapUpstreamStatus(KindOpenAI, dep.Alias, statusCode, upstreamMessage(body))
}

// mapUpstreamStatus folds any upstream failure status into the gateway's
// taxonomy: timeouts surface as 504, everything else as 502. The
// upstream's own status rides along in the message.
func mapUpstreamStatus(kind, alias string, statusCode int, message string) error {
	surface := http.StatusBadGateway
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout {
		surface = http.StatusGatewayTimeout
	}
	return gatewayerr.NewUpstream(surface, kind, alias,
		fmt.Sprintf("upstream returned %d: %s", statusCode, message))
}

// openaiChunkParser relays OpenAI SSE payloads untouched while reading
// usage and finish reasons out of them for accounting. It tolerates
// both chat and legacy completion chunk shapes.
type openaiChunkParser struct{}

func (p *openaiChunkParser) Parse(data []byte) (*ParsedChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &ParsedChunk{}, nil
	}

	var env struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *types.Usage `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		// Malformed accounting data must not break the relay.
		return &ParsedChunk{Forward: data}, nil
	}

	out := &ParsedChunk{
		Forward:   data,
		Usage:     env.Usage,
		UsageOnly: len(env.Choices) == 0 && env.Usage != nil,
	}
	for _, c := range env.Choices {
		out.Text += c.Delta.Content
		out.Text += c.Text
		if c.FinishReason != "" && out.FinishReason == "" {
			out.FinishReason = c.FinishReason
		}
	}
	return out, nil
}
