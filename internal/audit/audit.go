// Package audit records one row per finished request and hands it to
// external sinks without ever blocking the serving path. The handoff is
// fire-and-forget: a full buffer drops the record and counts the drop.
package audit

import (
	"context"
	"time"
)

// Record is the projection of one request after the pipeline finished
// with it. Token counts reflect what was relayed, including partial
// streams; UsageEstimated marks counts the tokenizer filled in because
// the upstream never reported usage.
type Record struct {
	Time             time.Time `json:"time"`
	RequestID        string    `json:"request_id"`
	Subject          string    `json:"subject,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	KeyID            string    `json:"key_id,omitempty"`
	Op               string    `json:"op"`
	Model            string    `json:"model"`
	UpstreamModel    string    `json:"upstream_model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Stream           bool      `json:"stream"`
	Outcome          string    `json:"outcome"`
	HTTPStatus       int       `json:"http_status"`
	UpstreamStatus   int       `json:"upstream_status,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	UsageEstimated   bool      `json:"usage_estimated,omitempty"`
	CreditsDebited   float64   `json:"credits_debited,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	FirstByteMs      int64     `json:"first_byte_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Sink consumes audit records. Write is called from the recorder's
// worker with a per-call deadline; a slow sink delays the others on the
// same record but never the request path.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *Record) error
	Close(ctx context.Context) error
}
