package providers

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// GeminiProvider implements the Google generative-language dialect.
type GeminiProvider struct {
	name string
}

func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{name: DialectGemini}
}

func (p *GeminiProvider) Name() string {
	return p.name
}

// Gemini wire structures.
type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// canonicalRequest is the typed view of an incoming Anthropic-format
// request used by dialects that rebuild the body rather than mutating it.
type canonicalRequest struct {
	Model       string          `json:"model"`
	System      any             `json:"system,omitempty"`
	Messages    []canonicalMsg  `json:"messages"`
	Tools       []canonicalTool `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type canonicalMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type canonicalTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// TransformRequest converts a canonical request into the Gemini shape:
// messages become contents with user/model roles, the system prompt goes
// into systemInstruction, tools become functionDeclarations, token and
// temperature defaults land in generationConfig only when unset.
func (p *GeminiProvider) TransformRequest(body []byte, opts *RequestOptions) ([]byte, error) {
	var request canonicalRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request: %w", err)
	}

	out := geminiRequest{}

	if request.System != nil {
		if text := FlattenContentText(request.System); text != "" {
			out.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: text}},
			}
		}
	}

	for _, msg := range request.Messages {
		content := p.transformMessage(msg)
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(request.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(request.Tools))
		for _, tool := range request.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}

		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	cfg := &geminiGenConfig{}

	switch {
	case request.MaxTokens > 0:
		cfg.MaxOutputTokens = request.MaxTokens
	case opts != nil && opts.MaxTokens > 0:
		cfg.MaxOutputTokens = opts.MaxTokens
	}

	if request.Temperature != nil {
		cfg.Temperature = request.Temperature
	} else if opts != nil && opts.Temperature > 0 {
		t := opts.Temperature
		cfg.Temperature = &t
	}

	if request.TopP != nil {
		cfg.TopP = request.TopP
	}

	if cfg.MaxOutputTokens > 0 || cfg.Temperature != nil || cfg.TopP != nil {
		out.GenerationConfig = cfg
	}

	return json.Marshal(out)
}

func (p *GeminiProvider) transformMessage(msg canonicalMsg) geminiContent {
	role := "user"
	if msg.Role == RoleAssistant {
		role = "model"
	}

	content := geminiContent{Role: role}

	switch v := msg.Content.(type) {
	case string:
		if v != "" {
			content.Parts = append(content.Parts, geminiPart{Text: v})
		}
	case []any:
		for _, block := range v {
			blockMap, ok := block.(map[string]any)
			if !ok {
				continue
			}

			part, ok := p.transformBlock(blockMap)
			if ok {
				content.Parts = append(content.Parts, part)
			}
		}
	}

	return content
}

func (p *GeminiProvider) transformBlock(block map[string]any) (geminiPart, bool) {
	blockType, _ := block["type"].(string)

	switch blockType {
	case ContentTypeText:
		text, _ := block["text"].(string)
		if text == "" {
			return geminiPart{}, false
		}

		return geminiPart{Text: text}, true

	case ContentTypeToolUse:
		name, _ := block["name"].(string)
		args, _ := block["input"].(map[string]any)

		return geminiPart{FunctionCall: &geminiFunctionCall{Name: name, Args: args}}, true

	case ContentTypeToolResult:
		name, _ := block["tool_use_id"].(string)

		return geminiPart{FunctionResponse: &geminiFunctionResponse{
			Name:     strings.TrimPrefix(name, "toolu_"),
			Response: map[string]any{"result": FlattenContentText(block["content"])},
		}}, true

	case "image":
		source, _ := block["source"].(map[string]any)
		mediaType, _ := source["media_type"].(string)
		data, _ := source["data"].(string)
		if data == "" {
			return geminiPart{}, false
		}

		return geminiPart{InlineData: &geminiInlineData{MimeType: mediaType, Data: data}}, true
	}

	return geminiPart{}, false
}

// TransformResponse converts a full Gemini response into a canonical
// response body.
func (p *GeminiProvider) TransformResponse(payload []byte) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.Error != nil {
		return json.Marshal(anthropicResponse{
			ID:    resp.ResponseID,
			Type:  "error",
			Model: resp.ModelVersion,
			Error: &anthropicError{
				Type:    mapGeminiErrorType(resp.Error.Status),
				Message: resp.Error.Message,
			},
		})
	}

	merged, err := p.mergeChunk(&Merged{}, &resp)
	if err != nil {
		return nil, err
	}

	merged.Finalize()

	return merged.CanonicalResponse()
}

// MergeChunks collects Gemini streaming chunks into one merged logical
// response. Gemini chunks carry complete functionCall parts rather than
// fragments, so accumulation is by part, not by argument fragment.
func (p *GeminiProvider) MergeChunks(chunks [][]byte) (*Merged, error) {
	merged := &Merged{}
	parsed := 0

	for _, chunk := range chunks {
		var resp geminiResponse
		if err := json.Unmarshal(chunk, &resp); err != nil {
			continue
		}

		parsed++

		if _, err := p.mergeChunk(merged, &resp); err != nil {
			continue
		}
	}

	merged.Finalize()

	if parsed == 0 && len(chunks) > 0 {
		return merged, SalvageError(p.name, parsed, len(chunks))
	}

	return merged, nil
}

func (p *GeminiProvider) mergeChunk(merged *Merged, resp *geminiResponse) (*Merged, error) {
	if merged.ID == "" {
		merged.ID = resp.ResponseID
	}

	if merged.Model == "" {
		merged.Model = resp.ModelVersion
	}

	if resp.UsageMetadata != nil {
		merged.HasUsage = true
		merged.Usage = anthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(resp.Candidates) == 0 {
		return merged, nil
	}

	candidate := resp.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				merged.Text += part.Text
			}

			if part.FunctionCall != nil {
				raw := ""
				if serialized, err := json.Marshal(part.FunctionCall.Args); err == nil {
					raw = string(serialized)
				}

				merged.ToolCalls = append(merged.ToolCalls, ToolCall{
					ID:           "toolu_" + uuid.NewString(),
					Name:         part.FunctionCall.Name,
					Input:        part.FunctionCall.Args,
					RawArguments: raw,
				})
			}
		}
	}

	if candidate.FinishReason != "" {
		merged.StopReason = convertGeminiStopReason(candidate.FinishReason)
	}

	return merged, nil
}

func convertGeminiStopReason(geminiReason string) string {
	mapping := map[string]string{
		"STOP":                      StopReasonEndTurn,
		"MAX_TOKENS":                StopReasonMaxTokens,
		"SAFETY":                    "stop_sequence",
		"RECITATION":                "stop_sequence",
		"LANGUAGE":                  "stop_sequence",
		"OTHER":                     StopReasonEndTurn,
		"BLOCKLIST":                 "stop_sequence",
		"PROHIBITED_CONTENT":        "stop_sequence",
		"MALFORMED_FUNCTION_CALL":   StopReasonToolUse,
		"FINISH_REASON_UNSPECIFIED": StopReasonEndTurn,
	}

	if canonical, exists := mapping[geminiReason]; exists {
		return canonical
	}

	return StopReasonEndTurn
}

func mapGeminiErrorType(geminiStatus string) string {
	mapping := map[string]string{
		"INVALID_ARGUMENT":   "invalid_request_error",
		"UNAUTHENTICATED":    "authentication_error",
		"PERMISSION_DENIED":  "permission_error",
		"NOT_FOUND":          "not_found_error",
		"RESOURCE_EXHAUSTED": "rate_limit_error",
		"INTERNAL":           "api_error",
		"UNAVAILABLE":        "overloaded_error",
		"DEADLINE_EXCEEDED":  "rate_limit_error",
	}

	if anthropicType, exists := mapping[geminiStatus]; exists {
		return anthropicType
	}

	return "api_error"
}

// TransformStream converts one Gemini streaming chunk into canonical SSE
// events (direct mode). Gemini parts arrive whole, so each functionCall
// becomes a complete tool_use block immediately.
func (p *GeminiProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal gemini streaming chunk: %w", err)
	}

	var events []byte

	if state.MessageID == "" {
		state.MessageID = resp.ResponseID
	}

	if state.Model == "" {
		state.Model = resp.ModelVersion
	}

	if len(resp.Candidates) == 0 {
		return events, nil
	}

	candidate := resp.Candidates[0]

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

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				events = append(events, p.streamText(part.Text, state)...)
			}

			if part.FunctionCall != nil {
				events = append(events, p.streamFunctionCall(part.FunctionCall, state)...)
			}
		}
	}

	if candidate.FinishReason != "" {
		events = append(events, p.streamFinish(candidate.FinishReason, resp.UsageMetadata, state)...)
	}

	return events, nil
}

func (p *GeminiProvider) streamText(text string, state *StreamState) []byte {
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
		"delta": map[string]any{"type": "text_delta", "text": text},
	})...)

	return events
}

func (p *GeminiProvider) streamFunctionCall(call *geminiFunctionCall, state *StreamState) []byte {
	var events []byte

	index := len(state.ContentBlocks)
	if _, textExists := state.ContentBlocks[0]; !textExists {
		// Reserve index 0 for a text block even if none arrives.
		index++
	}

	id := "toolu_" + uuid.NewString()

	state.ContentBlocks[index] = &ContentBlockState{
		Type:       ContentTypeToolUse,
		ToolCallID: id,
		ToolName:   call.Name,
		StartSent:  true,
	}

	events = append(events, FormatSSEEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  ContentTypeToolUse,
			"id":    id,
			"name":  call.Name,
			"input": map[string]any{},
		},
	})...)

	if serialized, err := json.Marshal(call.Args); err == nil {
		events = append(events, FormatSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": string(serialized),
			},
		})...)
	}

	events = append(events, FormatSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})...)

	state.ContentBlocks[index].StopSent = true

	return events
}

func (p *GeminiProvider) streamFinish(reason string, usage *geminiUsageMetadata, state *StreamState) []byte {
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

	stopReason := convertGeminiStopReason(reason)

	messageDelta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}

	if usage != nil {
		messageDelta["usage"] = map[string]any{
			"input_tokens":  usage.PromptTokenCount,
			"output_tokens": usage.CandidatesTokenCount,
		}
	}

	events = append(events, FormatSSEEvent("message_delta", messageDelta)...)

	// The conversation continues after tool execution, so a tool_use stop
	// must not terminate the stream.
	if stopReason != StopReasonToolUse {
		events = append(events, FormatSSEEvent("message_stop", map[string]any{
			"type": "message_stop",
		})...)
	}

	return events
}
