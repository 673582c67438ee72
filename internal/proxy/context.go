package proxy

import (
	"time"

	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/types"
)

// Outcome is the terminal state of a relayed request.
type Outcome string

const (
	// OutcomeCompleted: the full upstream response reached the caller.
	OutcomeCompleted Outcome = "completed"
	// OutcomePartial: the upstream failed after output had started;
	// forwarded content stands and partial usage is billed.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed: the request failed before any output byte.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled: the caller disconnected mid-flight.
	OutcomeCancelled Outcome = "cancelled"
)

// RequestContext threads one data-plane request through the pipeline
// and is projected into the audit record at the end.
type RequestContext struct {
	ID         string
	Principal  *auth.Principal
	Deployment *router.Deployment
	Op         translate.Op
	Stream     bool

	// Usage accumulates as the response arrives. UsageEstimated marks
	// token counts synthesized by the tokenizer because the upstream
	// never reported any.
	Usage          types.Usage
	UsageEstimated bool

	Outcome        Outcome
	UpstreamStatus int

	Start     time.Time
	FirstByte time.Time
	End       time.Time
}

// NewRequestContext starts the clock for one request.
func NewRequestContext(id string, principal *auth.Principal, op translate.Op, stream bool) *RequestContext {
	return &RequestContext{
		ID:        id,
		Principal: principal,
		Op:        op,
		Stream:    stream,
		Start:     time.Now(),
	}
}

// Duration is the wall time from dispatch to terminal state. Zero until
// the request finishes.
func (rc *RequestContext) Duration() time.Duration {
	if rc.End.IsZero() {
		return 0
	}
	return rc.End.Sub(rc.Start)
}

// TimeToFirstByte is the wall time until upstream response headers
// arrived. Zero when the upstream never answered.
func (rc *RequestContext) TimeToFirstByte() time.Duration {
	if rc.FirstByte.IsZero() {
		return 0
	}
	return rc.FirstByte.Sub(rc.Start)
}

// Billable reports whether the outcome settles a debit: delivered and
// partially delivered responses bill, pre-output failures do not.
func (rc *RequestContext) Billable() bool {
	switch rc.Outcome {
	case OutcomeCompleted, OutcomePartial, OutcomeCancelled:
		return rc.Usage.TotalTokens > 0
	}
	return false
}

func (rc *RequestContext) finish(outcome Outcome) {
	rc.Outcome = outcome
	rc.End = time.Now()
}
