package router

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"
)

// Category is the routing class derived from a request.
type Category string

const (
	CategoryBackground  Category = "background"
	CategoryThinking    Category = "thinking"
	CategoryLongContext Category = "longcontext"
	CategorySearch      Category = "search"
	CategoryDefault     Category = "default"
)

// LongContextThreshold is the estimated token count above which a request
// routes to the longcontext category.
const LongContextThreshold = 45000

// classifyView is the minimal slice of an Anthropic-format request the
// classifier needs. Unknown fields are ignored.
type classifyView struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages json.RawMessage `json:"messages,omitempty"`
	Tools    []toolView      `json:"tools,omitempty"`
	Thinking json.RawMessage `json:"thinking,omitempty"`
}

type toolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Classifier derives a routing category from a raw request body. It is
// deterministic: the same body always classifies identically.
type Classifier struct {
	encoding *tiktoken.Tiktoken
}

// NewClassifier creates a classifier. Token counting uses the cl100k_base
// encoding when available and falls back to a ~4 chars/token estimate
// otherwise, so construction never fails.
func NewClassifier() *Classifier {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}

	return &Classifier{encoding: enc}
}

// Classify maps a request to its routing category. Checks are ordered and
// the first match wins.
func (c *Classifier) Classify(body []byte) Category {
	var view classifyView
	if err := json.Unmarshal(body, &view); err != nil {
		return CategoryDefault
	}

	if strings.Contains(strings.ToLower(view.Model), "haiku") {
		return CategoryBackground
	}

	if thinkingEnabled(view.Thinking) {
		return CategoryThinking
	}

	if c.estimateTokens(view) > LongContextThreshold {
		return CategoryLongContext
	}

	if hasSearchTool(view.Tools) {
		return CategorySearch
	}

	return CategoryDefault
}

func thinkingEnabled(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	// Anthropic sends {"type":"enabled","budget_tokens":N}; older clients
	// send a bare boolean.
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type != "" {
		return obj.Type == "enabled"
	}

	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return flag
	}

	// Anything else is not an explicit request for thinking mode.
	return false
}

func hasSearchTool(tools []toolView) bool {
	for _, tool := range tools {
		name := strings.ToLower(tool.Name)
		if strings.Contains(name, "search") || strings.Contains(name, "web") {
			return true
		}
	}

	return false
}

// estimateTokens counts tokens across messages, system prompt and tool
// schemas. The serialized JSON is a close enough proxy for the prompt the
// provider will see.
func (c *Classifier) estimateTokens(view classifyView) int {
	var sb strings.Builder

	sb.Write(view.Messages)
	sb.Write(view.System)

	for _, tool := range view.Tools {
		sb.WriteString(tool.Name)
		sb.WriteString(tool.Description)
		sb.Write(tool.InputSchema)
	}

	text := sb.String()

	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}

	return len(text) / 4
}
