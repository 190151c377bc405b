package providers

import (
	"fmt"

	"github.com/goccy/go-json"
)

// AnthropicProvider is the passthrough dialect: upstream already speaks
// the canonical wire format, so requests and response bodies flow
// unchanged aside from model rewriting. Stream chunks arrive with their
// SSE framing already stripped and are re-framed on the way out.
type AnthropicProvider struct {
	name string
}

func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{name: DialectAnthropic}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) TransformRequest(body []byte, opts *RequestOptions) ([]byte, error) {
	if opts == nil || len(opts.ModelMappings) == 0 {
		return body, nil
	}

	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request: %w", err)
	}

	if model, ok := request["model"].(string); ok {
		if mapped, exists := opts.ModelMappings[model]; exists {
			request["model"] = mapped
		}
	}

	return json.Marshal(request)
}

func (p *AnthropicProvider) TransformResponse(payload []byte) ([]byte, error) {
	return payload, nil
}

func (p *AnthropicProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var event struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(chunk, &event); err != nil {
		return nil, fmt.Errorf("unmarshal stream chunk: %w", err)
	}

	if event.Type == "" {
		return nil, fmt.Errorf("stream chunk missing event type")
	}

	// The payload is already canonical; only the SSE framing is rebuilt.
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, chunk)), nil
}

// MergeChunks reassembles a canonical SSE stream that was buffered anyway,
// e.g. when the caller requested a non-streaming response from a streaming
// upstream.
func (p *AnthropicProvider) MergeChunks(chunks [][]byte) (*Merged, error) {
	merged := &Merged{}
	collector := NewToolCallCollector()
	parsed := 0

	for _, chunk := range chunks {
		var event map[string]any
		if err := json.Unmarshal(chunk, &event); err != nil {
			continue
		}

		parsed++

		switch event["type"] {
		case "message_start":
			if message, ok := event["message"].(map[string]any); ok {
				merged.ID, _ = message["id"].(string)
				merged.Model, _ = message["model"].(string)
			}

		case "content_block_start":
			block, _ := event["content_block"].(map[string]any)
			if block["type"] != ContentTypeToolUse {
				continue
			}

			index := intFromAny(event["index"])
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			collector.Add(index, id, name, "")

		case "content_block_delta":
			delta, _ := event["delta"].(map[string]any)
			switch delta["type"] {
			case "text_delta":
				text, _ := delta["text"].(string)
				merged.Text += text
			case "input_json_delta":
				fragment, _ := delta["partial_json"].(string)
				collector.Add(intFromAny(event["index"]), "", "", fragment)
			}

		case "message_delta":
			if delta, ok := event["delta"].(map[string]any); ok {
				if reason, ok := delta["stop_reason"].(string); ok {
					merged.StopReason = reason
				}
			}

			if usage, ok := event["usage"].(map[string]any); ok {
				merged.HasUsage = true
				merged.Usage = anthropicUsage{
					InputTokens:  intFromAny(usage["input_tokens"]),
					OutputTokens: intFromAny(usage["output_tokens"]),
				}
			}
		}
	}

	merged.ToolCalls = collector.Finalize()
	merged.Finalize()

	if parsed == 0 && len(chunks) > 0 {
		return merged, SalvageError(p.name, parsed, len(chunks))
	}

	return merged, nil
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}

	return 0
}
