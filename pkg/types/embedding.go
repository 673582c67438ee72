package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EmbeddingRequest is an OpenAI-compatible embeddings request.
type EmbeddingRequest struct {
	Model          string         `json:"model"`
	Input          EmbeddingInput `json:"input"`
	EncodingFormat string         `json:"encoding_format,omitempty"`
	Dimensions     int            `json:"dimensions,omitempty"`
	User           string         `json:"user,omitempty"`
}

// Reset clears the request for pooled reuse.
func (r *EmbeddingRequest) Reset() {
	*r = EmbeddingRequest{}
}

// EmbeddingInput accepts the input shapes OpenAI's API allows: a single
// string, an array of strings, an array of token IDs, or a batch of
// token ID arrays. The type is inferred during unmarshaling.
type EmbeddingInput struct {
	Text       *string  `json:"-"`
	Texts      []string `json:"-"`
	Tokens     []int    `json:"-"`
	TokensList [][]int  `json:"-"`
}

// UnmarshalJSON infers the input type, trying string, []string, []int,
// then [][]int.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	e.Text = nil
	e.Texts = nil
	e.Tokens = nil
	e.TokensList = nil

	if string(data) == "null" {
		return fmt.Errorf("input cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		e.Texts = ss
		return nil
	}

	var tokens []int
	if err := json.Unmarshal(data, &tokens); err == nil {
		e.Tokens = tokens
		return nil
	}

	var tokensList [][]int
	if err := json.Unmarshal(data, &tokensList); err == nil {
		e.TokensList = tokensList
		return nil
	}

	return fmt.Errorf("input must be string, []string, []int, or [][]int")
}

// MarshalJSON writes whichever field is set.
func (e EmbeddingInput) MarshalJSON() ([]byte, error) {
	switch {
	case e.Text != nil:
		return json.Marshal(*e.Text)
	case e.Texts != nil:
		return json.Marshal(e.Texts)
	case e.Tokens != nil:
		return json.Marshal(e.Tokens)
	case e.TokensList != nil:
		return json.Marshal(e.TokensList)
	}
	return nil, fmt.Errorf("input is empty")
}

// IsEmpty reports whether no input was supplied.
func (e EmbeddingInput) IsEmpty() bool {
	return e.Text == nil && len(e.Texts) == 0 && len(e.Tokens) == 0 && len(e.TokensList) == 0
}

// EmbeddingResponse is an OpenAI-compatible embeddings response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// EmbeddingData is one embedding vector. Embedding stays raw so base64
// encodings pass through without a decode/encode round trip.
type EmbeddingData struct {
	Object    string          `json:"object"`
	Index     int             `json:"index"`
	Embedding json.RawMessage `json:"embedding"`
}
