package providers

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// OpenAIProvider implements the OpenAI-compatible chat-completions
// dialect. OpenRouter-style and other compatible upstreams share it; only
// the endpoint differs, and that is configuration.
type OpenAIProvider struct {
	name string
}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{name: DialectOpenAI}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// TransformRequest converts a canonical request into the OpenAI
// chat-completions shape: system prompt becomes a leading system message,
// content blocks flatten into the message array, tools get the function
// wrapper, max_tokens becomes max_completion_tokens. Dialect defaults
// apply only when the request omits the field.
func (p *OpenAIProvider) TransformRequest(body []byte, opts *RequestOptions) ([]byte, error) {
	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request: %w", err)
	}

	cleaned := p.removeAnthropicSpecificFields(request)

	if systemContent, hasSystem := cleaned["system"]; hasSystem {
		if messages, ok := cleaned["messages"].([]any); ok {
			systemMessage := map[string]any{
				"role":    RoleSystem,
				"content": FlattenContentText(systemContent),
			}
			cleaned["messages"] = append([]any{systemMessage}, messages...)
		}

		delete(cleaned, "system")
	}

	if maxTokens, hasMaxTokens := cleaned["max_tokens"]; hasMaxTokens {
		cleaned["max_completion_tokens"] = maxTokens
		delete(cleaned, "max_tokens")
	} else if opts != nil && opts.MaxTokens > 0 {
		cleaned["max_completion_tokens"] = opts.MaxTokens
	}

	if _, hasTemp := cleaned["temperature"]; !hasTemp && opts != nil && opts.Temperature > 0 {
		cleaned["temperature"] = opts.Temperature
	}

	if messages, ok := cleaned["messages"].([]any); ok {
		cleaned["messages"] = p.transformMessages(messages)
	}

	if tools, ok := cleaned["tools"].([]any); ok {
		transformed := TransformTools(tools)
		cleaned["tools"] = transformed

		if len(transformed) == 0 {
			delete(cleaned, "tools")
			delete(cleaned, "tool_choice")
		}
	}

	return json.Marshal(cleaned)
}

func (p *OpenAIProvider) removeAnthropicSpecificFields(request map[string]any) map[string]any {
	fieldsToRemove := []string{"cache_control", "thinking"}

	if store, hasStore := request["store"]; !hasStore || store != true {
		fieldsToRemove = append(fieldsToRemove, "metadata")
	}

	cleaned := RemoveFieldsRecursively(request, fieldsToRemove).(map[string]any)

	if tools, hasTools := cleaned["tools"]; !hasTools || tools == nil {
		delete(cleaned, "tool_choice")
	} else if toolsArray, ok := tools.([]any); ok && len(toolsArray) == 0 {
		delete(cleaned, "tool_choice")
	}

	return cleaned
}

func (p *OpenAIProvider) transformMessages(messages []any) []any {
	transformedMessages := make([]any, 0, len(messages))

	for _, message := range messages {
		msgMap, ok := message.(map[string]any)
		if !ok {
			transformedMessages = append(transformedMessages, message)
			continue
		}

		role, _ := msgMap["role"].(string)
		content, isBlocks := msgMap["content"].([]any)

		switch {
		case role == RoleUser && isBlocks:
			if toolResults := p.extractToolResults(content); len(toolResults) > 0 {
				transformedMessages = append(transformedMessages, toolResults...)
				continue
			}

			transformedMessages = append(transformedMessages, message)
		case role == RoleAssistant && isBlocks:
			transformedMessages = append(transformedMessages, TransformAssistantMessage(msgMap, content))
		default:
			transformedMessages = append(transformedMessages, message)
		}
	}

	return transformedMessages
}

func (p *OpenAIProvider) extractToolResults(content []any) []any {
	var toolMessages []any

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		if blockType, ok := blockMap["type"].(string); !ok || blockType != ContentTypeToolResult {
			continue
		}

		toolUseID, ok := blockMap["tool_use_id"].(string)
		if !ok {
			continue
		}

		toolMessages = append(toolMessages, map[string]any{
			"role":         RoleTool,
			"tool_call_id": strings.Replace(toolUseID, "toolu_", "call_", 1),
			"content":      FlattenContentText(blockMap["content"]),
		})
	}

	return toolMessages
}

// OpenAI response structures shared by the buffered and non-streaming
// paths.
type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices,omitempty"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type openAIMessage struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TransformResponse converts a full OpenAI response into a canonical
// response body.
func (p *OpenAIProvider) TransformResponse(payload []byte) ([]byte, error) {
	var resp openAIResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.Error != nil {
		return json.Marshal(anthropicResponse{
			ID:    resp.ID,
			Type:  "error",
			Model: resp.Model,
			Error: &anthropicError{
				Type:    mapOpenAIErrorType(resp.Error.Type),
				Message: resp.Error.Message,
			},
		})
	}

	merged, err := p.mergeResponse(&resp)
	if err != nil {
		return nil, err
	}

	merged.Finalize()

	return merged.CanonicalResponse()
}

// MergeChunks collects OpenAI SSE chunk payloads into one merged logical
// response, reassembling tool-call arguments from their fragments.
func (p *OpenAIProvider) MergeChunks(chunks [][]byte) (*Merged, error) {
	merged := &Merged{}
	collector := NewToolCallCollector()

	var text strings.Builder

	parsed := 0

	for _, chunk := range chunks {
		var resp openAIResponse
		if err := json.Unmarshal(chunk, &resp); err != nil {
			continue
		}

		parsed++

		if merged.ID == "" {
			merged.ID = resp.ID
		}

		if merged.Model == "" {
			merged.Model = resp.Model
		}

		if resp.Usage != nil {
			merged.HasUsage = true
			merged.Usage = anthropicUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]

		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}

		if delta != nil {
			if delta.Content != nil {
				text.WriteString(*delta.Content)
			}

			for fragIdx, tc := range delta.ToolCalls {
				index := fragIdx
				if tc.Index != nil {
					index = *tc.Index
				}

				collector.Add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}

		if choice.FinishReason != nil {
			merged.StopReason = *ConvertStopReason(*choice.FinishReason)
		}
	}

	merged.Text = text.String()
	merged.ToolCalls = collector.Finalize()
	merged.Finalize()

	if parsed == 0 && len(chunks) > 0 {
		return merged, SalvageError(p.name, parsed, len(chunks))
	}

	return merged, nil
}

func (p *OpenAIProvider) mergeResponse(resp *openAIResponse) (*Merged, error) {
	merged := &Merged{ID: resp.ID, Model: resp.Model}

	if resp.Usage != nil {
		merged.HasUsage = true
		merged.Usage = anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	if len(resp.Choices) == 0 {
		return merged, SalvageError(p.name, 0, 1)
	}

	choice := resp.Choices[0]

	message := choice.Message
	if message == nil {
		message = choice.Delta
	}

	if message != nil {
		if message.Content != nil {
			merged.Text = *message.Content
		}

		for _, tc := range message.ToolCalls {
			merged.ToolCalls = append(merged.ToolCalls, ToolCall{
				ID:           convertToolCallID(tc.ID),
				Name:         tc.Function.Name,
				Input:        ParseToolArguments(tc.Function.Arguments),
				RawArguments: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != nil {
		merged.StopReason = *ConvertStopReason(*choice.FinishReason)
	}

	return merged, nil
}

// convertToolCallID converts an OpenAI tool call id to the canonical
// prefix.
func convertToolCallID(toolCallID string) string {
	if toolCallID == "" || strings.HasPrefix(toolCallID, "toolu_") {
		return toolCallID
	}

	if strings.HasPrefix(toolCallID, "call_") {
		return "toolu_" + strings.TrimPrefix(toolCallID, "call_")
	}

	return "toolu_" + toolCallID
}

func mapOpenAIErrorType(openaiType string) string {
	mapping := map[string]string{
		"invalid_request_error":    "invalid_request_error",
		"authentication_error":     "authentication_error",
		"permission_error":         "permission_error",
		"not_found_error":          "not_found_error",
		"rate_limit_error":         "rate_limit_error",
		"api_error":                "api_error",
		"overloaded_error":         "overloaded_error",
		"insufficient_quota_error": "billing_error",
	}

	if anthropicType, exists := mapping[openaiType]; exists {
		return anthropicType
	}

	return "api_error"
}

// TransformStream converts one OpenAI streaming chunk into canonical SSE
// events with minimal buffering (direct mode).
func (p *OpenAIProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var resp openAIResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal openai streaming chunk: %w", err)
	}

	var events []byte

	if state.MessageID == "" {
		state.MessageID = resp.ID
	}

	if state.Model == "" {
		state.Model = resp.Model
	}

	if len(resp.Choices) == 0 {
		return events, nil
	}

	choice := resp.Choices[0]

	if !state.MessageStartSent {
		events = append(events, FormatSSEEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            state.MessageID,
				"type":          "message",
				"role":          RoleAssistant,
				"model":         state.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 1},
			},
		})...)
		state.MessageStartSent = true
	}

	if state.ContentBlocks == nil {
		state.ContentBlocks = make(map[int]*ContentBlockState)
	}

	if choice.Delta != nil {
		if len(choice.Delta.ToolCalls) > 0 {
			events = append(events, p.streamToolCalls(choice.Delta.ToolCalls, state)...)
		} else if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			events = append(events, p.streamText(*choice.Delta.Content, state)...)
		}
	}

	if choice.FinishReason != nil {
		events = append(events, p.streamFinish(*choice.FinishReason, resp.Usage, state)...)
	}

	return events, nil
}

func (p *OpenAIProvider) streamText(content string, state *StreamState) []byte {
	var events []byte

	block, exists := state.ContentBlocks[0]
	if !exists {
		block = &ContentBlockState{Type: ContentTypeText}
		state.ContentBlocks[0] = block
	}

	if !block.StartSent {
		events = append(events, FormatSSEEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": ContentTypeText, "text": ""},
		})...)
		block.StartSent = true
	}

	events = append(events, FormatSSEEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": content},
	})...)

	return events
}

func (p *OpenAIProvider) streamToolCalls(toolCalls []openAIToolCall, state *StreamState) []byte {
	var events []byte

	for _, tc := range toolCalls {
		index := len(state.ContentBlocks)
		block := p.findToolBlock(tc, state)

		if block == nil {
			if tc.ID == "" {
				continue
			}

			block = &ContentBlockState{
				Type:       ContentTypeToolUse,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
			}
			if tc.Index != nil {
				block.ToolCallIndex = *tc.Index
			}
			state.ContentBlocks[index] = block
		} else {
			for blockIdx, b := range state.ContentBlocks {
				if b == block {
					index = blockIdx
					break
				}
			}
		}

		if tc.Function.Name != "" {
			block.ToolName = tc.Function.Name
		}

		if !block.StartSent && block.ToolCallID != "" && block.ToolName != "" {
			events = append(events, FormatSSEEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": index,
				"content_block": map[string]any{
					"type":  ContentTypeToolUse,
					"id":    convertToolCallID(block.ToolCallID),
					"name":  block.ToolName,
					"input": map[string]any{},
				},
			})...)
			block.StartSent = true
		}

		if tc.Function.Arguments != "" {
			block.Arguments += tc.Function.Arguments

			events = append(events, FormatSSEEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{
					"type":         "input_json_delta",
					"partial_json": tc.Function.Arguments,
				},
			})...)
		}
	}

	return events
}

func (p *OpenAIProvider) findToolBlock(tc openAIToolCall, state *StreamState) *ContentBlockState {
	if tc.Index != nil {
		for _, block := range state.ContentBlocks {
			if block.Type == ContentTypeToolUse && block.ToolCallIndex == *tc.Index {
				return block
			}
		}
	}

	if tc.ID != "" {
		for _, block := range state.ContentBlocks {
			if block.Type == ContentTypeToolUse && block.ToolCallID == tc.ID {
				return block
			}
		}
	}

	return nil
}

func (p *OpenAIProvider) streamFinish(reason string, usage *openAIUsage, state *StreamState) []byte {
	var events []byte

	for index, block := range state.ContentBlocks {
		if block.StartSent && !block.StopSent {
			events = append(events, FormatSSEEvent("content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": index,
			})...)
			block.StopSent = true
		}
	}

	stopReason := ConvertStopReason(reason)

	messageDelta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}

	if usage != nil {
		messageDelta["usage"] = map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		}
	}

	events = append(events, FormatSSEEvent("message_delta", messageDelta)...)

	// The conversation continues after tool execution, so a tool_use stop
	// must not terminate the stream.
	if *stopReason != StopReasonToolUse {
		events = append(events, FormatSSEEvent("message_stop", map[string]any{
			"type": "message_stop",
		})...)
	}

	return events
}
