package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Canonical (Anthropic-format) response structures.
type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role,omitempty"`
	Model        string             `json:"model"`
	Content      []anthropicContent `json:"content,omitempty"`
	StopReason   *string            `json:"stop_reason,omitempty"`
	StopSequence *string            `json:"stop_sequence,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      *string        `json:"text,omitempty"`
	ID        *string        `json:"id,omitempty"`
	Name      *string        `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID *string        `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolCall is one finalized tool invocation reassembled from a response.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any

	// RawArguments is the concatenated argument buffer as it arrived,
	// kept for duplicate detection and token estimation.
	RawArguments string
}

// Merged is one logical provider response after buffering: all chunks
// collected, tool-call fragments reassembled, text concatenated.
type Merged struct {
	ID         string
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string // provider-native reason mapped to canonical vocabulary
	HasUsage   bool
	Usage      anthropicUsage
}

// ToolCallCollector accumulates fragmented tool-call arguments keyed by
// the provider-assigned stream index.
type ToolCallCollector struct {
	accs  map[int]*toolCallAccumulator
	order []int
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// NewToolCallCollector creates an empty collector.
func NewToolCallCollector() *ToolCallCollector {
	return &ToolCallCollector{accs: make(map[int]*toolCallAccumulator)}
}

// Add appends an argument fragment for the tool call at the given stream
// index, capturing id and name on first sight.
func (c *ToolCallCollector) Add(index int, id, name, fragment string) {
	acc, ok := c.accs[index]
	if !ok {
		acc = &toolCallAccumulator{}
		c.accs[index] = acc
		c.order = append(c.order, index)
	}

	if acc.id == "" {
		acc.id = id
	}

	if acc.name == "" {
		acc.name = name
	}

	acc.args.WriteString(fragment)
}

// Len returns how many tool calls are being accumulated.
func (c *ToolCallCollector) Len() int {
	return len(c.accs)
}

// Finalize parses every accumulated argument buffer and returns the tool
// calls in arrival order. Unparseable buffers survive as raw-argument
// passthrough rather than being dropped.
func (c *ToolCallCollector) Finalize() []ToolCall {
	sort.Ints(c.order)

	calls := make([]ToolCall, 0, len(c.order))

	for _, index := range c.order {
		acc := c.accs[index]
		if acc.name == "" {
			continue
		}

		raw := acc.args.String()

		calls = append(calls, ToolCall{
			ID:           acc.id,
			Name:         acc.name,
			Input:        ParseToolArguments(raw),
			RawArguments: raw,
		})
	}

	return calls
}

// ParseToolArguments parses a concatenated argument buffer. On failure it
// retries after stripping trailing commas; if that also fails the raw
// string is wrapped instead of dropped.
func ParseToolArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err == nil {
		return input
	}

	repaired := stripTrailingCommas(raw)
	if err := json.Unmarshal([]byte(repaired), &input); err == nil {
		return input
	}

	return map[string]any{"raw_arguments": raw}
}

// stripTrailingCommas removes commas that directly precede a closing
// brace or bracket, outside of string literals.
func stripTrailingCommas(s string) string {
	var (
		sb       strings.Builder
		inString bool
		escaped  bool
	)

	runes := []rune(s)

	for i, r := range runes {
		if inString {
			sb.WriteRune(r)

			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}

			continue
		}

		switch r {
		case '"':
			inString = true
			sb.WriteRune(r)
		case ',':
			if next := nextNonSpace(runes, i+1); next == '}' || next == ']' {
				continue
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}

	return sb.String()
}

func nextNonSpace(runes []rune, from int) rune {
	for i := from; i < len(runes); i++ {
		switch runes[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return runes[i]
		}
	}

	return 0
}

// DedupToolCalls drops tool calls whose (name, arguments) identity has
// already been seen. Duplicates are dropped, not merged.
func DedupToolCalls(calls []ToolCall) []ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]ToolCall, 0, len(calls))

	for _, call := range calls {
		key := call.Name + "\x00" + call.RawArguments
		if seen[key] {
			continue
		}

		seen[key] = true
		out = append(out, call)
	}

	return out
}

// Finalize applies the cross-dialect invariants to a merged response:
// inline tool-call extraction from the text, duplicate suppression, the
// tool_use stop-reason override, and usage estimation when the provider
// reported none.
func (m *Merged) Finalize() {
	text, extracted := ExtractInlineToolCalls(m.Text)
	m.Text = text
	m.ToolCalls = DedupToolCalls(append(m.ToolCalls, extracted...))

	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == "" {
			m.ToolCalls[i].ID = "toolu_" + uuid.NewString()
		}
	}

	// Providers are inconsistent about reporting tool use in their stop
	// reason; downstream tool execution depends on it being right.
	if len(m.ToolCalls) > 0 {
		m.StopReason = StopReasonToolUse
	} else if m.StopReason == "" {
		m.StopReason = StopReasonEndTurn
	}

	if !m.HasUsage {
		m.Usage.OutputTokens = m.estimateOutputTokens()
	}

	if m.ID == "" {
		m.ID = "msg_" + uuid.NewString()
	}
}

func (m *Merged) estimateOutputTokens() int {
	total := 0

	if m.Text != "" {
		total += EstimateTokens(m.Text)
	}

	for _, call := range m.ToolCalls {
		total += EstimateTokens(call.RawArguments)
	}

	if total < 1 {
		total = 1
	}

	return total
}

func (m *Merged) contentBlocks() []anthropicContent {
	var content []anthropicContent

	if m.Text != "" {
		text := m.Text
		content = append(content, anthropicContent{Type: ContentTypeText, Text: &text})
	}

	for i := range m.ToolCalls {
		call := &m.ToolCalls[i]
		content = append(content, anthropicContent{
			Type:  ContentTypeToolUse,
			ID:    &call.ID,
			Name:  &call.Name,
			Input: call.Input,
		})
	}

	if len(content) == 0 {
		empty := ""
		content = append(content, anthropicContent{Type: ContentTypeText, Text: &empty})
	}

	return content
}

// CanonicalResponse renders the merged response as a single canonical
// response body. Finalize must have been called.
func (m *Merged) CanonicalResponse() ([]byte, error) {
	stopReason := m.StopReason
	usage := m.Usage

	return json.Marshal(anthropicResponse{
		ID:         m.ID,
		Type:       "message",
		Role:       RoleAssistant,
		Model:      m.Model,
		Content:    m.contentBlocks(),
		StopReason: &stopReason,
		Usage:      &usage,
	})
}

// streamTextChunkSize is the synthetic chunk size used when re-expanding
// a buffered response into canonical events.
const streamTextChunkSize = 64

// CanonicalEvents re-expands the merged response into a synthetic,
// evenly-chunked canonical event stream. When the stop reason is
// tool_use no terminal message_stop is emitted: the conversation is
// expected to continue after tool execution.
func (m *Merged) CanonicalEvents() []byte {
	var events []byte

	events = append(events, FormatSSEEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            m.ID,
			"type":          "message",
			"role":          RoleAssistant,
			"model":         m.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  m.Usage.InputTokens,
				"output_tokens": 1,
			},
		},
	})...)

	index := 0

	if m.Text != "" {
		events = append(events, FormatSSEEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": ContentTypeText, "text": ""},
		})...)

		for _, chunk := range chunkString(m.Text, streamTextChunkSize) {
			events = append(events, FormatSSEEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "text_delta", "text": chunk},
			})...)
		}

		events = append(events, FormatSSEEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		})...)

		index++
	}

	for i := range m.ToolCalls {
		call := &m.ToolCalls[i]

		events = append(events, FormatSSEEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": index,
			"content_block": map[string]any{
				"type":  ContentTypeToolUse,
				"id":    call.ID,
				"name":  call.Name,
				"input": map[string]any{},
			},
		})...)

		args := call.RawArguments
		if _, hasRaw := call.Input["raw_arguments"]; hasRaw || args == "" {
			if serialized, err := json.Marshal(call.Input); err == nil {
				args = string(serialized)
			}
		}

		for _, chunk := range chunkString(args, streamTextChunkSize) {
			events = append(events, FormatSSEEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk},
			})...)
		}

		events = append(events, FormatSSEEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		})...)

		index++
	}

	events = append(events, FormatSSEEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   m.StopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"output_tokens": m.Usage.OutputTokens,
		},
	})...)

	if m.StopReason != StopReasonToolUse {
		events = append(events, FormatSSEEvent("message_stop", map[string]any{
			"type": "message_stop",
		})...)
	}

	return events
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}

	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)

	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, string(runes[start:end]))
	}

	return chunks
}

// SalvageError wraps a malformed-payload failure while noting how much
// content was salvaged; callers emit the partial content and report the
// parse failure separately.
func SalvageError(dialect string, parsed, total int) error {
	return fmt.Errorf("%w: %s recognized %d of %d chunks", ErrMalformedResponse, dialect, parsed, total)
}
