package providers

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// CodeWhispererProvider implements the CodeWhisperer conversation-state
// dialect. Unlike the OpenAI and Gemini dialects it has no implicit model
// namespace: every canonical model id must be present in the configured
// mapping table or the request is rejected.
type CodeWhispererProvider struct {
	name string
}

func NewCodeWhispererProvider() *CodeWhispererProvider {
	return &CodeWhispererProvider{name: DialectCodeWhisperer}
}

func (p *CodeWhispererProvider) Name() string {
	return p.name
}

// CodeWhisperer wire structures. The request nests everything under a
// conversationState: prior turns go into history, only the final user turn
// becomes currentMessage.
type cwRequest struct {
	ConversationState cwConversationState `json:"conversationState"`
}

type cwConversationState struct {
	ChatTriggerType string          `json:"chatTriggerType"`
	ConversationID  string          `json:"conversationId"`
	CurrentMessage  cwMessage       `json:"currentMessage"`
	History         []cwHistoryTurn `json:"history,omitempty"`
}

type cwHistoryTurn struct {
	UserInputMessage         *cwUserInputMessage  `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *cwAssistantResponse `json:"assistantResponseMessage,omitempty"`
}

type cwMessage struct {
	UserInputMessage cwUserInputMessage `json:"userInputMessage"`
}

type cwUserInputMessage struct {
	Content string                 `json:"content"`
	ModelID string                 `json:"modelId"`
	Origin  string                 `json:"origin"`
	Context *cwUserInputMsgContext `json:"userInputMessageContext,omitempty"`
}

type cwUserInputMsgContext struct {
	Tools       []cwTool       `json:"tools,omitempty"`
	ToolResults []cwToolResult `json:"toolResults,omitempty"`
}

type cwTool struct {
	ToolSpecification cwToolSpecification `json:"toolSpecification"`
}

type cwToolSpecification struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	InputSchema cwInputSchema `json:"inputSchema"`
}

type cwInputSchema struct {
	JSON any `json:"json"`
}

type cwToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Status    string          `json:"status"`
	Content   []cwToolContent `json:"content"`
}

type cwToolContent struct {
	Text string `json:"text,omitempty"`
}

type cwAssistantResponse struct {
	Content  string      `json:"content"`
	ToolUses []cwToolUse `json:"toolUses,omitempty"`
}

type cwToolUse struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}

// Streaming event shapes. CodeWhisperer emits assistantResponseEvent text
// fragments and toolUseEvent argument fragments keyed by toolUseId.
type cwStreamEvent struct {
	AssistantResponseEvent *cwAssistantEvent `json:"assistantResponseEvent,omitempty"`
	ToolUseEvent           *cwToolUseEvent   `json:"toolUseEvent,omitempty"`
	Error                  *cwError          `json:"error,omitempty"`
}

type cwAssistantEvent struct {
	Content string `json:"content"`
}

type cwToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

type cwError struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// TransformRequest builds the conversationState body. All messages except
// the last are folded into history; the last message becomes currentMessage.
// Models are resolved through the mapping table only, never defaulted.
func (p *CodeWhispererProvider) TransformRequest(body []byte, opts *RequestOptions) ([]byte, error) {
	var request canonicalRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request: %w", err)
	}

	if len(request.Messages) == 0 {
		return nil, fmt.Errorf("codewhisperer request requires at least one message")
	}

	modelID, err := p.resolveModel(request.Model, opts)
	if err != nil {
		return nil, err
	}

	out := cwRequest{
		ConversationState: cwConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
		},
	}

	systemPrefix := ""
	if request.System != nil {
		systemPrefix = FlattenContentText(request.System)
	}

	last := len(request.Messages) - 1
	for i := 0; i < last; i++ {
		turn := p.historyTurn(request.Messages[i], modelID)
		if turn != nil {
			out.ConversationState.History = append(out.ConversationState.History, *turn)
		}
	}

	current := p.userInputMessage(request.Messages[last], modelID)

	// The dialect has no dedicated system field; the system prompt is
	// prefixed into the first user turn.
	if systemPrefix != "" {
		if len(out.ConversationState.History) > 0 && out.ConversationState.History[0].UserInputMessage != nil {
			first := out.ConversationState.History[0].UserInputMessage
			first.Content = systemPrefix + "\n\n" + first.Content
		} else {
			current.Content = systemPrefix + "\n\n" + current.Content
		}
	}

	if len(request.Tools) > 0 {
		if current.Context == nil {
			current.Context = &cwUserInputMsgContext{}
		}

		for _, tool := range request.Tools {
			current.Context.Tools = append(current.Context.Tools, cwTool{
				ToolSpecification: cwToolSpecification{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: cwInputSchema{JSON: tool.InputSchema},
				},
			})
		}
	}

	out.ConversationState.CurrentMessage = cwMessage{UserInputMessage: current}

	return json.Marshal(out)
}

func (p *CodeWhispererProvider) resolveModel(model string, opts *RequestOptions) (string, error) {
	if opts == nil || len(opts.ModelMappings) == 0 {
		return "", fmt.Errorf("%w: %q (no model mappings configured)", ErrUnsupportedModel, model)
	}

	mapped, exists := opts.ModelMappings[model]
	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}

	return mapped, nil
}

func (p *CodeWhispererProvider) historyTurn(msg canonicalMsg, modelID string) *cwHistoryTurn {
	if msg.Role == RoleAssistant {
		response := cwAssistantResponse{}

		switch v := msg.Content.(type) {
		case string:
			response.Content = v
		case []any:
			for _, block := range v {
				blockMap, ok := block.(map[string]any)
				if !ok {
					continue
				}

				switch blockMap["type"] {
				case ContentTypeText:
					text, _ := blockMap["text"].(string)
					response.Content += text
				case ContentTypeToolUse:
					id, _ := blockMap["id"].(string)
					name, _ := blockMap["name"].(string)
					response.ToolUses = append(response.ToolUses, cwToolUse{
						ToolUseID: id,
						Name:      name,
						Input:     blockMap["input"],
					})
				}
			}
		}

		return &cwHistoryTurn{AssistantResponseMessage: &response}
	}

	user := p.userInputMessage(msg, modelID)

	return &cwHistoryTurn{UserInputMessage: &user}
}

func (p *CodeWhispererProvider) userInputMessage(msg canonicalMsg, modelID string) cwUserInputMessage {
	user := cwUserInputMessage{
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}

	switch v := msg.Content.(type) {
	case string:
		user.Content = v
	case []any:
		for _, block := range v {
			blockMap, ok := block.(map[string]any)
			if !ok {
				continue
			}

			switch blockMap["type"] {
			case ContentTypeText:
				text, _ := blockMap["text"].(string)
				user.Content += text
			case ContentTypeToolResult:
				if user.Context == nil {
					user.Context = &cwUserInputMsgContext{}
				}

				id, _ := blockMap["tool_use_id"].(string)
				status := "success"
				if isError, _ := blockMap["is_error"].(bool); isError {
					status = "error"
				}

				user.Context.ToolResults = append(user.Context.ToolResults, cwToolResult{
					ToolUseID: id,
					Status:    status,
					Content:   []cwToolContent{{Text: FlattenContentText(blockMap["content"])}},
				})
			}
		}
	}

	return user
}

// TransformResponse converts a full (non-streaming) CodeWhisperer payload.
// The non-streaming shape is a single assistantResponseMessage.
func (p *CodeWhispererProvider) TransformResponse(payload []byte) ([]byte, error) {
	var resp struct {
		AssistantResponseMessage *cwAssistantResponse `json:"assistantResponseMessage,omitempty"`
		Error                    *cwError             `json:"error,omitempty"`
	}

	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.Error != nil {
		return json.Marshal(anthropicResponse{
			Type: "error",
			Error: &anthropicError{
				Type:    "api_error",
				Message: resp.Error.Message,
			},
		})
	}

	if resp.AssistantResponseMessage == nil {
		return nil, fmt.Errorf("%w: missing assistantResponseMessage", ErrMalformedResponse)
	}

	merged := &Merged{Text: resp.AssistantResponseMessage.Content}

	for _, use := range resp.AssistantResponseMessage.ToolUses {
		input, _ := use.Input.(map[string]any)
		raw := ""
		if serialized, err := json.Marshal(use.Input); err == nil {
			raw = string(serialized)
		}

		merged.ToolCalls = append(merged.ToolCalls, ToolCall{
			ID:           use.ToolUseID,
			Name:         use.Name,
			Input:        input,
			RawArguments: raw,
		})
	}

	merged.Finalize()

	return merged.CanonicalResponse()
}

// MergeChunks reassembles a CodeWhisperer event stream. toolUseEvent input
// fragments are accumulated per toolUseId until the stop marker, then
// parsed as one argument document.
func (p *CodeWhispererProvider) MergeChunks(chunks [][]byte) (*Merged, error) {
	merged := &Merged{}
	collector := NewToolCallCollector()
	indexByID := make(map[string]int)
	parsed := 0

	for _, chunk := range chunks {
		var event cwStreamEvent
		if err := json.Unmarshal(chunk, &event); err != nil {
			continue
		}

		if event.AssistantResponseEvent == nil && event.ToolUseEvent == nil && event.Error == nil {
			continue
		}

		parsed++

		if event.AssistantResponseEvent != nil {
			merged.Text += event.AssistantResponseEvent.Content
		}

		if event.ToolUseEvent != nil {
			use := event.ToolUseEvent

			index, exists := indexByID[use.ToolUseID]
			if !exists {
				index = len(indexByID)
				indexByID[use.ToolUseID] = index
			}

			collector.Add(index, use.ToolUseID, use.Name, use.Input)

			if use.Stop {
				merged.StopReason = StopReasonToolUse
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

// TransformStream converts one event into canonical SSE output (direct
// mode). Tool-use events are not expected here: responses with tools are
// reconstructed in buffered mode.
func (p *CodeWhispererProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var event cwStreamEvent
	if err := json.Unmarshal(chunk, &event); err != nil {
		return nil, fmt.Errorf("unmarshal codewhisperer streaming chunk: %w", err)
	}

	var events []byte

	if !state.MessageStartSent {
		if state.MessageID == "" {
			state.MessageID = "msg_" + uuid.NewString()
		}

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

	if event.AssistantResponseEvent != nil && event.AssistantResponseEvent.Content != "" {
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
			"delta": map[string]any{"type": "text_delta", "text": event.AssistantResponseEvent.Content},
		})...)
	}

	return events, nil
}
