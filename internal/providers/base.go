package providers

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleTool      = "tool"

	ContentTypeText       = "text"
	ContentTypeToolUse    = "tool_use"
	ContentTypeToolResult = "tool_result"

	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"

	ContentTypeEventStream  = "text/event-stream"
	TransferEncodingChunked = "chunked"
)

// FormatSSEEvent formats data as a Server-Sent Event.
func FormatSSEEvent(eventType string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)))
}

// ConvertStopReason converts OpenAI-style finish reasons to the canonical
// stop reason vocabulary.
func ConvertStopReason(reason string) *string {
	mapping := map[string]string{
		"stop":           StopReasonEndTurn,
		"length":         StopReasonMaxTokens,
		"tool_calls":     StopReasonToolUse,
		"function_call":  StopReasonToolUse,
		"content_filter": "stop_sequence",
		"null":           StopReasonEndTurn,
		"":               StopReasonEndTurn,
	}

	if canonical, exists := mapping[reason]; exists {
		return &canonical
	}

	defaultReason := StopReasonEndTurn

	return &defaultReason
}

// EstimateTokens approximates a token count as ceil(len/4) with a floor
// of one, for responses whose provider reports no usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 1
	}

	return (len(text) + 3) / 4
}

// RemoveFieldsRecursively removes the named fields from nested JSON
// structures.
func RemoveFieldsRecursively(data any, fieldsToRemove []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any)

		for key, value := range v {
			shouldRemove := false

			for _, field := range fieldsToRemove {
				if key == field {
					shouldRemove = true
					break
				}
			}

			if !shouldRemove {
				result[key] = RemoveFieldsRecursively(value, fieldsToRemove)
			}
		}

		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = RemoveFieldsRecursively(item, fieldsToRemove)
		}

		return result
	default:
		return v
	}
}

// TransformTools converts tool declarations from the canonical format to
// the OpenAI function-wrapper shape.
func TransformTools(tools []any) []any {
	transformedTools := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		// Already in OpenAI shape.
		if toolType, hasType := toolMap["type"].(string); hasType && toolType == "function" {
			if _, hasFunction := toolMap["function"]; hasFunction {
				transformedTools = append(transformedTools, tool)
				continue
			}
		}

		name, hasName := toolMap["name"].(string)
		if !hasName {
			continue
		}

		function := map[string]any{"name": name}

		if description, hasDesc := toolMap["description"].(string); hasDesc {
			function["description"] = description
		}

		if inputSchema, hasSchema := toolMap["input_schema"]; hasSchema {
			function["parameters"] = inputSchema
		}

		transformedTools = append(transformedTools, map[string]any{
			"type":     "function",
			"function": function,
		})
	}

	return transformedTools
}

// TransformAssistantMessage converts an assistant message with tool_use
// blocks into the OpenAI content + tool_calls shape.
func TransformAssistantMessage(msgMap map[string]any, content []any) map[string]any {
	transformedMsg := make(map[string]any)
	for k, v := range msgMap {
		transformedMsg[k] = v
	}

	var (
		textContent strings.Builder
		toolCalls   []any
	)

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		blockType, ok := blockMap["type"].(string)
		if !ok {
			continue
		}

		switch blockType {
		case ContentTypeText:
			if text, ok := blockMap["text"].(string); ok {
				textContent.WriteString(text)
			}
		case ContentTypeToolUse:
			id, okID := blockMap["id"].(string)
			name, okName := blockMap["name"].(string)
			if !okID || !okName {
				continue
			}

			var arguments string
			if input := blockMap["input"]; input != nil {
				if inputBytes, err := json.Marshal(input); err == nil {
					arguments = string(inputBytes)
				}
			}

			toolCalls = append(toolCalls, map[string]any{
				"id":   strings.Replace(id, "toolu_", "call_", 1),
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": arguments,
				},
			})
		}
	}

	transformedMsg["content"] = textContent.String()

	if len(toolCalls) > 0 {
		transformedMsg["tool_calls"] = toolCalls
	}

	return transformedMsg
}

// FlattenContentText merges a message's content (string or block list)
// into plain text, ignoring non-text blocks.
func FlattenContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder

		for _, block := range v {
			if blockMap, ok := block.(map[string]any); ok {
				if text, ok := blockMap["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}

		return sb.String()
	default:
		return ""
	}
}
