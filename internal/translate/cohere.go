package translate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

// cohereTranslator serves Cohere v2 endpoints: chat and embeddings are
// mapped, rerank is native since the gateway's rerank surface follows
// Cohere's shape already. Legacy completions have no equivalent.
type cohereTranslator struct{}

func (t *cohereTranslator) Kind() string { return KindCohere }

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cohereChatRequest struct {
	Model            string          `json:"model"`
	Messages         []cohereMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	P                *float64        `json:"p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

type cohereTokenCount struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

type cohereUsage struct {
	BilledUnits cohereTokenCount `json:"billed_units"`
	Tokens      cohereTokenCount `json:"tokens"`
}

// toUsage prefers raw token counts and falls back to billed units.
func (u *cohereUsage) toUsage() *types.Usage {
	if u == nil {
		return nil
	}
	counts := u.Tokens
	if counts.InputTokens == 0 && counts.OutputTokens == 0 {
		counts = u.BilledUnits
	}
	usage := &types.Usage{
		PromptTokens:     int(counts.InputTokens),
		CompletionTokens: int(counts.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

type cohereChatResponse struct {
	ID      string `json:"id"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	FinishReason string       `json:"finish_reason"`
	Usage        *cohereUsage `json:"usage"`
}

type cohereEmbedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type cohereEmbedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float []json.RawMessage `json:"float"`
	} `json:"embeddings"`
	Meta struct {
		BilledUnits struct {
			InputTokens float64 `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

type cohereRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments *bool    `json:"return_documents,omitempty"`
}

type cohereRerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
		Document       *struct {
			Text string `json:"text"`
		} `json:"document"`
	} `json:"results"`
}

func (t *cohereTranslator) BuildRequest(ctx context.Context, dep *router.Deployment, credential string, req *Request) (*http.Request, error) {
	var path string
	var payload any

	switch req.Op {
	case OpChat:
		native, err := toCohereChatRequest(req.Chat)
		if err != nil {
			return nil, err
		}
		path, payload = "/chat", native

	case OpEmbeddings:
		native, err := toCohereEmbedRequest(req.Embedding)
		if err != nil {
			return nil, err
		}
		path, payload = "/embed", native

	case OpRerank:
		docs := make([]string, len(req.Rerank.Documents))
		for i, d := range req.Rerank.Documents {
			docs[i] = d.Text
		}
		path = "/rerank"
		payload = &cohereRerankRequest{
			Model:           req.Rerank.Model,
			Query:           req.Rerank.Query,
			Documents:       docs,
			TopN:            req.Rerank.TopN,
			ReturnDocuments: req.Rerank.ReturnDocuments,
		}

	default:
		return nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
			fmt.Sprintf("%s is not supported by cohere deployments", req.Op))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL(dep, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq.Header, dep, credential, "Authorization", "Bearer ")
	return httpReq, nil
}

func toCohereChatRequest(req *types.ChatRequest) (*cohereChatRequest, error) {
	if len(req.Tools) > 0 || len(req.ToolChoice) > 0 {
		return nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
			"tools are not supported by cohere deployments")
	}

	out := &cohereChatRequest{
		Model:            req.Model,
		Temperature:      req.Temperature,
		P:                req.TopP,
		Seed:             req.Seed,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stream:           req.Stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	} else if req.MaxCompletionTokens > 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "user", "assistant":
			out.Messages = append(out.Messages, cohereMessage{
				Role:    msg.Role,
				Content: msg.ContentText(),
			})
		default:
			return nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
				fmt.Sprintf("message role %q is not supported by cohere deployments", msg.Role))
		}
	}
	return out, nil
}

func toCohereEmbedRequest(req *types.EmbeddingRequest) (*cohereEmbedRequest, error) {
	var texts []string
	switch {
	case req.Input.Text != nil:
		texts = []string{*req.Input.Text}
	case len(req.Input.Texts) > 0:
		texts = req.Input.Texts
	default:
		return nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
			"cohere deployments accept text input only")
	}
	return &cohereEmbedRequest{
		Model:          req.Model,
		Texts:          texts,
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	}, nil
}

func (t *cohereTranslator) ParseResponse(req *Request, body []byte) (*Result, error) {
	switch req.Op {
	case OpChat:
		return parseCohereChat(req, body)
	case OpEmbeddings:
		return parseCohereEmbed(req, body)
	case OpRerank:
		return parseCohereRerank(req, body)
	}
	return nil, fmt.Errorf("translate: unknown op %q", req.Op)
}

func parseCohereChat(req *Request, body []byte) (*Result, error) {
	var native cohereChatResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	for _, block := range native.Message.Content {
		if block.Type == "" || block.Type == "text" {
			text += block.Text
		}
	}
	content, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}

	return &Result{Response: &Response{
		Op: OpChat,
		Chat: &types.ChatResponse{
			ID:      native.ID,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model(),
			Choices: []types.Choice{{
				Index:        0,
				Message:      types.ChatMessage{Role: "assistant", Content: content},
				FinishReason: mapCohereFinishReason(native.FinishReason),
			}},
			Usage: native.Usage.toUsage(),
		},
	}}, nil
}

func parseCohereEmbed(req *Request, body []byte) (*Result, error) {
	var native cohereEmbedResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	data := make([]types.EmbeddingData, len(native.Embeddings.Float))
	for i, vec := range native.Embeddings.Float {
		data[i] = types.EmbeddingData{Object: "embedding", Index: i, Embedding: vec}
	}
	usage := &types.Usage{
		PromptTokens: int(native.Meta.BilledUnits.InputTokens),
		TotalTokens:  int(native.Meta.BilledUnits.InputTokens),
	}

	return &Result{Response: &Response{
		Op: OpEmbeddings,
		Embedding: &types.EmbeddingResponse{
			Object: "list",
			Data:   data,
			Model:  req.Model(),
			Usage:  usage,
		},
	}}, nil
}

func parseCohereRerank(req *Request, body []byte) (*Result, error) {
	var native cohereRerankResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	results := make([]types.RerankResult, len(native.Results))
	for i, r := range native.Results {
		results[i] = types.RerankResult{
			Index:          r.Index,
			RelevanceScore: r.RelevanceScore,
		}
		if r.Document != nil {
			results[i].Document = &types.RerankDocument{Text: r.Document.Text}
		}
	}

	return &Result{Response: &Response{
		Op: OpRerank,
		Rerank: &types.RerankResponse{
			ID:      native.ID,
			Model:   req.Model(),
			Results: results,
		},
	}}, nil
}

func mapCohereFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	default:
		return strings.ToLower(reason)
	}
}

func (t *cohereTranslator) NewChunkParser(_ Op, alias string) ChunkParser {
	return &cohereChunkParser{model: alias}
}

func (t *cohereTranslator) MapError(dep *router.Deployment, statusCode int, body []byte) error {
	return mapUpstreamStatus(KindCohere, dep.Alias, statusCode, upstreamMessage(body))
}

// cohereChunkParser converts Cohere v2 chat stream events into chat
// completion chunks.
type cohereChunkParser struct {
	model     string
	messageID string
}

func (p *cohereChunkParser) Parse(data []byte) (*ParsedChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &ParsedChunk{}, nil
	}

	var event map[string]any
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return &ParsedChunk{}, nil
	}
	eventType, _ := event["type"].(string)

	switch eventType {
	case "message-start":
		if id, ok := event["id"].(string); ok {
			p.messageID = id
		}
		return p.emit(types.StreamChoice{
			Index: 0,
			Delta: types.StreamDelta{Role: "assistant"},
		}, nil, "")

	case "content-delta":
		delta, _ := event["delta"].(map[string]any)
		msg, _ := delta["message"].(map[string]any)
		contentBlock, _ := msg["content"].(map[string]any)
		text, _ := contentBlock["text"].(string)
		if text == "" {
			return &ParsedChunk{}, nil
		}
		parsed, err := p.emit(types.StreamChoice{
			Index: 0,
			Delta: types.StreamDelta{Content: text},
		}, nil, "")
		if err != nil {
			return nil, err
		}
		parsed.Text = text
		return parsed, nil

	case "message-end":
		delta, _ := event["delta"].(map[string]any)
		finishReason, _ := delta["finish_reason"].(string)
		finish := mapCohereFinishReason(finishReason)

		var usage *types.Usage
		if raw, ok := delta["usage"]; ok {
			encoded, err := json.Marshal(raw)
			if err == nil {
				var cu cohereUsage
				if json.Unmarshal(encoded, &cu) == nil {
					usage = cu.toUsage()
				}
			}
		}
		return p.emit(types.StreamChoice{
			Index:        0,
			FinishReason: finish,
		}, usage, finish)
	}

	// content-start, content-end, and citation events carry nothing the
	// chat chunk format can express.
	return &ParsedChunk{}, nil
}

func (p *cohereChunkParser) emit(choice types.StreamChoice, usage *types.Usage, finish string) (*ParsedChunk, error) {
	chunk := types.StreamChunk{
		ID:      p.messageID,
		Object:  "chat.completion.chunk",
		Model:   p.model,
		Choices: []types.StreamChoice{choice},
		Usage:   usage,
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	return &ParsedChunk{Forward: payload, Usage: usage, FinishReason: finish}, nil
}
