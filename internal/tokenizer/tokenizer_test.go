package tokenizer

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/pkg/types"
)

func TestCountTextTokens(t *testing.T) {
	if got := CountTextTokens("gpt-4o", ""); got != 0 {
		t.Fatalf("CountTextTokens(empty) = %d, want 0", got)
	}

	got := CountTextTokens("gpt-4o", "hello world")
	if got < 1 || got > 4 {
		t.Fatalf("CountTextTokens(\"hello world\") = %d, want small positive count", got)
	}

	// Unknown models fall back to the default encoding; the count must
	// still be positive.
	if got := CountTextTokens("some/custom-model-v9", "hello world"); got < 1 {
		t.Fatalf("CountTextTokens(custom model) = %d, want >= 1", got)
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	req := &types.ChatRequest{
		Model: "gpt-4o",
		Messages: []types.ChatMessage{
			{Role: "system", Content: json.RawMessage(`"You are a helpful assistant."`)},
			{Role: "user", Content: json.RawMessage(`"What is the capital of Norway?"`)},
		},
	}

	got := EstimatePromptTokens("gpt-4o", req)
	if got < 10 {
		t.Fatalf("EstimatePromptTokens() = %d, want >= 10", got)
	}

	if got := EstimatePromptTokens("gpt-4o", nil); got != 0 {
		t.Fatalf("EstimatePromptTokens(nil) = %d, want 0", got)
	}
}

func TestEstimateCompletionTokens_FallbackText(t *testing.T) {
	fromText := EstimateCompletionTokens("gpt-4o", nil, "The capital of Norway is Oslo.")
	if fromText < 5 {
		t.Fatalf("EstimateCompletionTokens(fallback) = %d, want >= 5", fromText)
	}

	resp := &types.ChatResponse{
		Choices: []types.Choice{{
			Message: types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"Oslo."`)},
		}},
	}
	fromResp := EstimateCompletionTokens("gpt-4o", resp, "ignored much longer fallback text here")
	if fromResp >= fromText {
		t.Fatalf("response content should win over fallback: got %d, fallback gave %d", fromResp, fromText)
	}
}

func TestEstimateCompletionPromptTokens(t *testing.T) {
	single := "complete this sentence"
	req := &types.CompletionRequest{Prompt: types.CompletionPrompt{Text: &single}}
	want := CountTextTokens("gpt-4o", single)
	if got := EstimateCompletionPromptTokens("gpt-4o", req); got != want {
		t.Fatalf("EstimateCompletionPromptTokens(string) = %d, want %d", got, want)
	}

	batch := &types.CompletionRequest{Prompt: types.CompletionPrompt{Texts: []string{"one", "two"}}}
	want = CountTextTokens("gpt-4o", "one") + CountTextTokens("gpt-4o", "two")
	if got := EstimateCompletionPromptTokens("gpt-4o", batch); got != want {
		t.Fatalf("EstimateCompletionPromptTokens(array) = %d, want %d", got, want)
	}
}

func TestEstimateEmbeddingTokens(t *testing.T) {
	text := "hello world"
	req := &types.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: types.EmbeddingInput{Text: &text},
	}
	got := EstimateEmbeddingTokens(req.Model, req)
	want := CountTextTokens(req.Model, text)
	if absDiff(got, want) > 1 {
		t.Fatalf("EstimateEmbeddingTokens(string) = %d, want ~%d", got, want)
	}

	batch := &types.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: types.EmbeddingInput{Texts: []string{"hello world", "embedding tokens"}},
	}
	got = EstimateEmbeddingTokens(batch.Model, batch)
	want = CountTextTokens(batch.Model, "hello world") + CountTextTokens(batch.Model, "embedding tokens")
	if absDiff(got, want) > 2 {
		t.Fatalf("EstimateEmbeddingTokens(array) = %d, want ~%d", got, want)
	}

	tokens := &types.EmbeddingRequest{Input: types.EmbeddingInput{Tokens: []int{1, 2, 3}}}
	if got := EstimateEmbeddingTokens("m", tokens); got != 3 {
		t.Fatalf("EstimateEmbeddingTokens(tokens) = %d, want 3", got)
	}

	tokenBatch := &types.EmbeddingRequest{Input: types.EmbeddingInput{TokensList: [][]int{{1, 2}, {3, 4, 5}}}}
	if got := EstimateEmbeddingTokens("m", tokenBatch); got != 5 {
		t.Fatalf("EstimateEmbeddingTokens(token batch) = %d, want 5", got)
	}
}

func TestEstimateRerankTokens(t *testing.T) {
	req := &types.RerankRequest{
		Query: "best pizza",
		Documents: []types.RerankDocument{
			{Text: "Pizza place downtown"},
			{Text: "Sushi bar uptown"},
		},
	}
	got := EstimateRerankTokens("rerank-v3", req)
	if got < 4 {
		t.Fatalf("EstimateRerankTokens() = %d, want >= 4", got)
	}
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
