package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// CompletionRequest is a legacy text completion request. Model servers
// behind the gateway still expose this for raw-prompt workloads.
type CompletionRequest struct {
	Model         string           `json:"model"`
	Prompt        CompletionPrompt `json:"prompt"`
	Stream        bool             `json:"stream,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	N             int              `json:"n,omitempty"`
	Stop          []string         `json:"stop,omitempty"`
	Echo          bool             `json:"echo,omitempty"`
	User          string           `json:"user,omitempty"`
	StreamOptions *StreamOptions   `json:"stream_options,omitempty"`
}

// Reset clears the request for pooled reuse.
func (r *CompletionRequest) Reset() {
	*r = CompletionRequest{}
}

// CompletionPrompt is either a single string or an array of strings.
type CompletionPrompt struct {
	Text  *string
	Texts []string
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (p *CompletionPrompt) UnmarshalJSON(data []byte) error {
	p.Text = nil
	p.Texts = nil

	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("prompt cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		p.Texts = ss
		return nil
	}

	return fmt.Errorf("prompt must be string or []string")
}

// MarshalJSON implements custom JSON marshaling.
func (p CompletionPrompt) MarshalJSON() ([]byte, error) {
	if p.Text != nil {
		return json.Marshal(*p.Text)
	}
	if p.Texts != nil {
		return json.Marshal(p.Texts)
	}
	return nil, fmt.Errorf("prompt is empty")
}

// IsEmpty reports whether no prompt was supplied.
func (p CompletionPrompt) IsEmpty() bool {
	return p.Text == nil && len(p.Texts) == 0
}

// CompletionResponse is a legacy text completion response.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is a single text completion choice. In streaming
// responses the same shape carries incremental text.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}
