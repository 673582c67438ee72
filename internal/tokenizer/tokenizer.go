// Package tokenizer provides token counting for requests and responses.
// The proxy engine uses it to settle billing when an upstream never
// reports usage.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/doublewordai/waycast/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for the given text using
// tiktoken. If no encoding is available it falls back to a conservative
// len/4 estimate.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates prompt tokens for a chat request:
// tiktoken on message content plus a small per-message overhead.
func EstimatePromptTokens(model string, req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += estimateMessageTokens(model, msg)
	}

	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountTextTokens(model, string(toolsJSON))
		}
	}
	if len(req.ToolChoice) > 0 {
		total += CountTextTokens(model, string(req.ToolChoice))
	}

	// Reply primer overhead used by common chat formats.
	total += 3
	return total
}

// EstimateCompletionTokens estimates output tokens from a chat
// response, falling back to the provided text when the response carries
// no choices (streams count their accumulated deltas).
func EstimateCompletionTokens(model string, resp *types.ChatResponse, fallbackText string) int {
	if resp != nil && len(resp.Choices) > 0 {
		total := 0
		for i := range resp.Choices {
			total += estimateMessageContentTokens(model, resp.Choices[i].Message)
		}
		if total > 0 {
			return total
		}
	}
	return CountTextTokens(model, fallbackText)
}

// EstimateCompletionPromptTokens estimates prompt tokens for a legacy
// text completion request.
func EstimateCompletionPromptTokens(model string, req *types.CompletionRequest) int {
	if req == nil {
		return 0
	}
	switch {
	case req.Prompt.Text != nil:
		return CountTextTokens(model, *req.Prompt.Text)
	case len(req.Prompt.Texts) > 0:
		total := 0
		for _, text := range req.Prompt.Texts {
			total += CountTextTokens(model, text)
		}
		return total
	}
	return 0
}

// EstimateEmbeddingTokens estimates input tokens for an embeddings
// request. Token-ID inputs are counted directly.
func EstimateEmbeddingTokens(model string, req *types.EmbeddingRequest) int {
	if req == nil {
		return 0
	}
	switch {
	case req.Input.Text != nil:
		return CountTextTokens(model, *req.Input.Text)
	case len(req.Input.Texts) > 0:
		total := 0
		for _, text := range req.Input.Texts {
			total += CountTextTokens(model, text)
		}
		return total
	case len(req.Input.Tokens) > 0:
		return len(req.Input.Tokens)
	case len(req.Input.TokensList) > 0:
		total := 0
		for _, tokens := range req.Input.TokensList {
			total += len(tokens)
		}
		return total
	}
	return 0
}

// EstimateRerankTokens estimates input tokens for a rerank request:
// the query is scored against every document.
func EstimateRerankTokens(model string, req *types.RerankRequest) int {
	if req == nil {
		return 0
	}
	queryTokens := CountTextTokens(model, req.Query)
	total := queryTokens * len(req.Documents)
	for _, doc := range req.Documents {
		total += CountTextTokens(model, doc.Text)
	}
	return total
}

func estimateMessageTokens(model string, msg types.ChatMessage) int {
	total := 0
	total += CountTextTokens(model, msg.Role)
	total += CountTextTokens(model, msg.Name)
	total += CountTextTokens(model, msg.ContentText())
	total += toolCallsTokens(model, msg.ToolCalls)
	total += CountTextTokens(model, msg.ToolCallID)

	// Per-message overhead for role/formatting tokens.
	total += 2
	return total
}

func estimateMessageContentTokens(model string, msg types.ChatMessage) int {
	total := 0
	total += CountTextTokens(model, msg.ContentText())
	total += toolCallsTokens(model, msg.ToolCalls)
	return total
}

func toolCallsTokens(model string, calls []types.ToolCall) int {
	if len(calls) == 0 {
		return 0
	}
	total := 0
	for _, call := range calls {
		total += CountTextTokens(model, call.ID)
		total += CountTextTokens(model, call.Function.Name)
		total += CountTextTokens(model, call.Function.Arguments)
	}
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
