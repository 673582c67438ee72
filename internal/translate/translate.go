// Package translate converts between the gateway's OpenAI-compatible
// surface and each provider kind's native wire format. Kinds form a
// closed set; adding one is a new table entry, not new control flow in
// the proxy engine.
package translate

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/types"
)

// Provider kinds the registry knows.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindCohere    = "cohere"
)

// Op identifies which gateway operation a request drives. The values
// double as metric and audit labels.
type Op string

const (
	OpChat       Op = "chat.completions"
	OpCompletion Op = "completions"
	OpEmbeddings Op = "embeddings"
	OpRerank     Op = "rerank"
)

// Request is a parsed client request. Exactly one payload field is set,
// matching Op.
type Request struct {
	Op         Op
	Chat       *types.ChatRequest
	Completion *types.CompletionRequest
	Embedding  *types.EmbeddingRequest
	Rerank     *types.RerankRequest
}

// Model returns the model field of the active payload.
func (r *Request) Model() string {
	switch r.Op {
	case OpChat:
		return r.Chat.Model
	case OpCompletion:
		return r.Completion.Model
	case OpEmbeddings:
		return r.Embedding.Model
	case OpRerank:
		return r.Rerank.Model
	}
	return ""
}

// SetModel rewrites the model field of the active payload. The proxy
// calls this with the deployment's upstream model id before dispatch.
func (r *Request) SetModel(model string) {
	switch r.Op {
	case OpChat:
		r.Chat.Model = model
	case OpCompletion:
		r.Completion.Model = model
	case OpEmbeddings:
		r.Embedding.Model = model
	case OpRerank:
		r.Rerank.Model = model
	}
}

// Stream reports whether the client asked for a streamed response.
// Embeddings and rerank are always buffered.
func (r *Request) Stream() bool {
	switch r.Op {
	case OpChat:
		return r.Chat.Stream
	case OpCompletion:
		return r.Completion.Stream
	}
	return false
}

// WantsUsage reports whether the client itself asked for stream usage
// chunks. The gateway injects usage reporting for billing either way;
// this decides whether the usage-only chunk is relayed or swallowed.
func (r *Request) WantsUsage() bool {
	switch r.Op {
	case OpChat:
		return r.Chat.StreamOptions != nil && r.Chat.StreamOptions.IncludeUsage
	case OpCompletion:
		return r.Completion.StreamOptions != nil && r.Completion.StreamOptions.IncludeUsage
	}
	return false
}

// Response is a translated upstream response. Exactly one payload field
// is set, matching Op.
type Response struct {
	Op         Op
	Chat       *types.ChatResponse
	Completion *types.CompletionResponse
	Embedding  *types.EmbeddingResponse
	Rerank     *types.RerankResponse
}

// Usage returns the usage report of the active payload, nil when the
// upstream did not include one.
func (r *Response) Usage() *types.Usage {
	switch r.Op {
	case OpChat:
		if r.Chat != nil {
			return r.Chat.Usage
		}
	case OpCompletion:
		if r.Completion != nil {
			return r.Completion.Usage
		}
	case OpEmbeddings:
		if r.Embedding != nil {
			return r.Embedding.Usage
		}
	case OpRerank:
		if r.Rerank != nil {
			return r.Rerank.Usage
		}
	}
	return nil
}

// SetModel rewrites the model field of the active payload. The proxy
// calls this with the public alias so translated responses never leak
// the upstream's own model identifier.
func (r *Response) SetModel(model string) {
	switch r.Op {
	case OpChat:
		if r.Chat != nil {
			r.Chat.Model = model
		}
	case OpCompletion:
		if r.Completion != nil {
			r.Completion.Model = model
		}
	case OpEmbeddings:
		if r.Embedding != nil {
			r.Embedding.Model = model
		}
	case OpRerank:
		if r.Rerank != nil {
			r.Rerank.Model = model
		}
	}
}

// Marshal encodes the active payload.
func (r *Response) Marshal() ([]byte, error) {
	switch r.Op {
	case OpChat:
		return json.Marshal(r.Chat)
	case OpCompletion:
		return json.Marshal(r.Completion)
	case OpEmbeddings:
		return json.Marshal(r.Embedding)
	case OpRerank:
		return json.Marshal(r.Rerank)
	}
	return nil, fmt.Errorf("translate: no payload for op %q", r.Op)
}

// Result is a translated 2xx upstream body. Raw, when set, is relayed
// byte for byte; mapped kinds leave it nil and the engine marshals the
// typed form.
type Result struct {
	Response *Response
	Raw      []byte
}

// Body returns the bytes to send to the caller.
func (r *Result) Body() ([]byte, error) {
	if r.Raw != nil {
		return r.Raw, nil
	}
	return r.Response.Marshal()
}

// ParsedChunk is the engine-facing view of one upstream stream event.
type ParsedChunk struct {
	// Forward is the payload to relay, nil when the event carries
	// nothing client-visible (pings, bookkeeping events).
	Forward []byte
	// Usage is the usage report carried by the event, when present.
	// Upstreams report cumulative totals; the engine folds with max.
	Usage *types.Usage
	// Text is the delta text carried by the event. The engine
	// accumulates it for the token-estimate fallback.
	Text string
	// UsageOnly marks a chunk whose only content is the usage report.
	UsageOnly bool
	// FinishReason is set when the event closes a choice.
	FinishReason string
}

// ChunkParser decodes one stream's events. Parsers are stateful and
// must not be shared between streams.
type ChunkParser interface {
	Parse(data []byte) (*ParsedChunk, error)
}

// Translator converts one provider kind's wire format. Implementations
// are stateless and safe for concurrent use; per-stream state lives in
// the ChunkParser.
type Translator interface {
	Kind() string

	// BuildRequest produces the upstream HTTP request. The request's
	// model field has already been rewritten to the deployment's
	// upstream id; credential is the resolved secret.
	BuildRequest(ctx context.Context, dep *router.Deployment, credential string, req *Request) (*http.Request, error)

	// ParseResponse translates a 2xx upstream body.
	ParseResponse(req *Request, body []byte) (*Result, error)

	// NewChunkParser returns a fresh parser for one stream. alias is
	// the public model name for synthesized chunks.
	NewChunkParser(op Op, alias string) ChunkParser

	// MapError translates a non-2xx upstream response into a gateway
	// error.
	MapError(dep *router.Deployment, statusCode int, body []byte) error
}

var registry = map[string]Translator{
	KindOpenAI:    &openaiTranslator{},
	KindAnthropic: &anthropicTranslator{},
	KindCohere:    &cohereTranslator{},
}

// ForKind returns the translator for a provider kind.
func ForKind(kind string) (Translator, error) {
	t, ok := registry[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("translate: unknown provider kind %q (known: %s)",
			kind, strings.Join(Kinds(), ", "))
	}
	return t, nil
}

// KnownKind reports whether kind has a translator.
func KnownKind(kind string) bool {
	_, ok := registry[strings.ToLower(kind)]
	return ok
}

// Kinds lists the registered provider kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// upstreamURL joins the deployment base URL with an endpoint path.
func upstreamURL(dep *router.Deployment, path string) string {
	return strings.TrimSuffix(dep.UpstreamURL, "/") + path
}

// applyAuth sets the credential header from the deployment's fields,
// falling back to the kind's default scheme when unset. Deployments
// without a credential (self-hosted upstreams) get no auth header.
func applyAuth(h http.Header, dep *router.Deployment, credential, defaultName, defaultPrefix string) {
	if credential == "" {
		return
	}
	name := dep.AuthHeaderName
	prefix := dep.AuthHeaderPrefix
	if name == "" {
		name = defaultName
		prefix = defaultPrefix
	}
	h.Set(name, prefix+credential)
}

// upstreamMessage pulls a human-readable message out of an upstream
// error body. Both {"error": {"message": ...}} and {"message": ...}
// shapes appear in the wild.
func upstreamMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Error.Message != "" {
			return nested.Error.Message
		}
		if nested.Message != "" {
			return nested.Message
		}
	}
	return "unknown error"
}
