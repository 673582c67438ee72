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

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// anthropicTranslator maps chat completions onto the Anthropic Messages
// API. The other operations have no Anthropic equivalent and are
// rejected before dispatch.
type anthropicTranslator struct{}

func (t *anthropicTranslator) Kind() string { return KindAnthropic }

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *anthropicChoice   `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// anthropicResponse is the Messages API response body.
type anthropicResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (t *anthropicTranslator) BuildRequest(ctx context.Context, dep *router.Deployment, credential string, req *Request) (*http.Request, error) {
	if req.Op != OpChat {
		return nil, gatewayerr.NewInvalidRequest(http.StatusBadRequest,
			fmt.Sprintf("%s is not supported by anthropic deployments", req.Op))
	}

	native, err := toAnthropicRequest(req.Chat)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL(dep, "/v1/messages"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	applyAuth(httpReq.Header, dep, credential, "x-api-key", "")
	return httpReq, nil
}

func toAnthropicRequest(req *types.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: anthropicMaxTokens,
		Stream:    req.Stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	} else if req.MaxCompletionTokens > 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}

	messages, system, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Messages = messages
	out.System = system

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}

	if len(req.ToolChoice) > 0 {
		out.ToolChoice = toAnthropicToolChoice(req.ToolChoice)
	}

	return out, nil
}

// toAnthropicMessages splits out system prompts and converts tool-call
// traffic into Anthropic's content-block form.
func toAnthropicMessages(messages []types.ChatMessage) ([]anthropicMessage, string, error) {
	var out []anthropicMessage
	var system []string

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			system = append(system, msg.ContentText())

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var blocks []anthropicBlock
			if text := msg.ContentText(); text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})

		case msg.Role == "tool":
			content := msg.ContentText()
			if content == "" {
				content = string(msg.Content)
			}
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   content,
				}},
			})

		default:
			text := msg.ContentText()
			if text == "" && len(msg.Content) > 0 {
				return nil, "", gatewayerr.NewInvalidRequest(http.StatusBadRequest,
					"message content must be text for anthropic deployments")
			}
			out = append(out, anthropicMessage{Role: msg.Role, Content: text})
		}
	}

	return out, strings.Join(system, "\n\n"), nil
}

func toAnthropicToolChoice(raw json.RawMessage) *anthropicChoice {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &anthropicChoice{Type: "auto"}
		case "required":
			return &anthropicChoice{Type: "any"}
		case "none":
			return &anthropicChoice{Type: "none"}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

func (t *anthropicTranslator) ParseResponse(req *Request, body []byte) (*Result, error) {
	var native anthropicResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	var toolCalls []types.ToolCall
	for _, block := range native.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	content, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	message := types.ChatMessage{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
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
				Message:      message,
				FinishReason: mapAnthropicStopReason(native.StopReason),
			}},
			Usage: &types.Usage{
				PromptTokens:     native.Usage.InputTokens,
				CompletionTokens: native.Usage.OutputTokens,
				TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
			},
		},
	}}, nil
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (t *anthropicTranslator) NewChunkParser(_ Op, alias string) ChunkParser {
	return &anthropicChunkParser{model: alias}
}

func (t *anthropicTranslator) MapError(dep *router.Deployment, statusCode int, body []byte) error {
	return mapUpstreamStatus(KindAnthropic, dep.Alias, statusCode, upstreamMessage(body))
}

// anthropicChunkParser converts Messages API stream events into chat
// completion chunks. It carries the message id and token counts across
// events, and assigns tool-call indices in arrival order.
type anthropicChunkParser struct {
	model        string
	messageID    string
	inputTokens  int
	toolIndexes  map[int]int // content block index -> tool_calls index
	nextToolSlot int
}

func (p *anthropicChunkParser) Parse(data []byte) (*ParsedChunk, error) {
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
	case "message_start":
		msg, _ := event["message"].(map[string]any)
		if id, ok := msg["id"].(string); ok {
			p.messageID = id
		}
		if usage, ok := msg["usage"].(map[string]any); ok {
			if in, ok := usage["input_tokens"].(float64); ok {
				p.inputTokens = int(in)
			}
		}
		return p.emit(types.StreamChoice{
			Index: 0,
			Delta: types.StreamDelta{Role: "assistant"},
		}, nil)

	case "content_block_start":
		block, _ := event["content_block"].(map[string]any)
		if block["type"] != "tool_use" {
			return &ParsedChunk{}, nil
		}
		slot := p.toolSlot(event)
		id, _ := block["id"].(string)
		name, _ := block["name"].(string)
		return p.emit(types.StreamChoice{
			Index: 0,
			Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
				Index:    &slot,
				ID:       id,
				Type:     "function",
				Function: types.ToolCallFunction{Name: name},
			}}},
		}, nil)

	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		switch delta["type"] {
		case "text_delta":
			text, _ := delta["text"].(string)
			parsed, err := p.emit(types.StreamChoice{
				Index: 0,
				Delta: types.StreamDelta{Content: text},
			}, nil)
			if err != nil {
				return nil, err
			}
			parsed.Text = text
			return parsed, nil
		case "input_json_delta":
			partial, _ := delta["partial_json"].(string)
			slot := p.toolSlot(event)
			return p.emit(types.StreamChoice{
				Index: 0,
				Delta: types.StreamDelta{ToolCalls: []types.ToolCall{{
					Index:    &slot,
					Function: types.ToolCallFunction{Arguments: partial},
				}}},
			}, nil)
		}
		return &ParsedChunk{}, nil

	case "message_delta":
		delta, _ := event["delta"].(map[string]any)
		stopReason, _ := delta["stop_reason"].(string)
		if stopReason == "" {
			return &ParsedChunk{}, nil
		}
		usage := &types.Usage{PromptTokens: p.inputTokens}
		if u, ok := event["usage"].(map[string]any); ok {
			if out, ok := u["output_tokens"].(float64); ok {
				usage.CompletionTokens = int(out)
			}
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		finish := mapAnthropicStopReason(stopReason)
		parsed, err := p.emit(types.StreamChoice{
			Index:        0,
			FinishReason: finish,
		}, usage)
		if err != nil {
			return nil, err
		}
		parsed.FinishReason = finish
		return parsed, nil

	case "error":
		detail, _ := event["error"].(map[string]any)
		message, _ := detail["message"].(string)
		if message == "" {
			message = "stream error"
		}
		return nil, gatewayerr.NewUpstream(http.StatusBadGateway, KindAnthropic, p.model, message)
	}

	// ping, content_block_stop, message_stop carry nothing client-visible.
	return &ParsedChunk{}, nil
}

// toolSlot maps an Anthropic content block index onto a stable
// tool_calls index, allocating slots in arrival order.
func (p *anthropicChunkParser) toolSlot(event map[string]any) int {
	blockIndex := 0
	if idx, ok := event["index"].(float64); ok {
		blockIndex = int(idx)
	}
	if p.toolIndexes == nil {
		p.toolIndexes = make(map[int]int)
	}
	slot, ok := p.toolIndexes[blockIndex]
	if !ok {
		slot = p.nextToolSlot
		p.toolIndexes[blockIndex] = slot
		p.nextToolSlot++
	}
	return slot
}

func (p *anthropicChunkParser) emit(choice types.StreamChoice, usage *types.Usage) (*ParsedChunk, error) {
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
	return &ParsedChunk{Forward: payload, Usage: usage}, nil
}
