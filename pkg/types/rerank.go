package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// RerankRequest scores a set of documents against a query. The shape
// follows the Cohere-style rerank API that OpenAI-compatible model
// servers expose.
type RerankRequest struct {
	Model           string           `json:"model"`
	Query           string           `json:"query"`
	Documents       []RerankDocument `json:"documents"`
	TopN            int              `json:"top_n,omitempty"`
	ReturnDocuments *bool            `json:"return_documents,omitempty"`
}

// Reset clears the request for pooled reuse.
func (r *RerankRequest) Reset() {
	*r = RerankRequest{}
}

// RerankDocument is either a bare string or an object with a text field.
type RerankDocument struct {
	Text string `json:"-"`
}

// UnmarshalJSON accepts "doc" or {"text": "doc"}.
func (d *RerankDocument) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.Text = s
		return nil
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Text != "" {
		d.Text = obj.Text
		return nil
	}

	return fmt.Errorf("document must be string or {\"text\": ...}")
}

// MarshalJSON writes the object form, which every upstream accepts.
func (d RerankDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Text string `json:"text"`
	}{Text: d.Text})
}

// RerankResponse is the scored result set, highest relevance first.
type RerankResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Results []RerankResult `json:"results"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// RerankResult is one scored document.
type RerankResult struct {
	Index          int             `json:"index"`
	RelevanceScore float64         `json:"relevance_score"`
	Document       *RerankDocument `json:"document,omitempty"`
}
