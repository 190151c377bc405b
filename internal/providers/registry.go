package providers

import (
	"errors"
	"fmt"
)

// Dialect tags a provider's wire format. Adding a provider dialect means
// adding one registry entry, not a new branch anywhere else.
const (
	DialectAnthropic     = "anthropic"
	DialectOpenAI        = "openai"
	DialectGemini        = "gemini"
	DialectCodeWhisperer = "codewhisperer"
)

var (
	// ErrUnsupportedModel is returned when a dialect that requires model
	// translation has no mapping for the requested model. Silently
	// defaulting would hide a configuration gap, so this is fatal.
	ErrUnsupportedModel = errors.New("no provider model mapping for model")

	// ErrMalformedResponse is returned when a provider payload could not
	// be parsed into any recognizable shape. Callers should still use
	// whatever partial content came back alongside it.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// RequestOptions parametrizes outbound request transformation per
// provider instance.
type RequestOptions struct {
	// Model is the provider-facing model id chosen by the router.
	Model string

	// ModelMappings translates router model ids to provider-internal
	// ids, for dialects that need it.
	ModelMappings map[string]string

	// MaxTokens and Temperature are dialect defaults applied only when
	// the request does not set them.
	MaxTokens   int
	Temperature float64
}

// Provider is the per-dialect transformation contract: canonical request
// out, canonical response/events back in.
type Provider interface {
	Name() string

	// TransformRequest converts a canonical (Anthropic-format) request
	// body into the dialect's native request body.
	TransformRequest(body []byte, opts *RequestOptions) ([]byte, error)

	// TransformResponse converts a full non-streaming native response
	// into a canonical response body.
	TransformResponse(payload []byte) ([]byte, error)

	// TransformStream converts one native streaming chunk into zero or
	// more canonical SSE events (direct mode).
	TransformStream(chunk []byte, state *StreamState) ([]byte, error)

	// MergeChunks collects all native streaming chunks into one merged
	// logical response (buffered mode). A non-nil Merged may accompany a
	// non-nil error when partial content was salvaged.
	MergeChunks(chunks [][]byte) (*Merged, error)
}

// StreamState tracks direct-mode streaming conversion state for one
// response.
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string

	ContentBlocks map[int]*ContentBlockState
	CurrentIndex  int
}

// ContentBlockState tracks one content block during direct streaming.
type ContentBlockState struct {
	Type          string // "text" or "tool_use"
	StartSent     bool
	StopSent      bool
	ToolCallID    string
	ToolCallIndex int
	ToolName      string
	Arguments     string
}

// Registry is the dialect lookup table.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with all built-in dialects registered.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}

	r.Register(NewAnthropicProvider())
	r.Register(NewOpenAIProvider())
	r.Register(NewGeminiProvider())
	r.Register(NewCodeWhispererProvider())

	return r
}

// Register adds a provider dialect to the registry.
func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

// Get retrieves a dialect by tag, erroring on unknown tags so that a
// configuration typo fails at startup rather than at first use.
func (r *Registry) Get(dialect string) (Provider, error) {
	provider, ok := r.providers[dialect]
	if !ok {
		return nil, fmt.Errorf("unknown provider dialect: %q", dialect)
	}

	return provider, nil
}

// List returns all registered dialect tags.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	return names
}
