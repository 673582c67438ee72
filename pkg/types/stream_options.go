package types //nolint:revive // package name is intentional

// StreamOptions specifies options for streaming responses. The gateway
// sets IncludeUsage on upstream requests so billing sees token totals.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}
