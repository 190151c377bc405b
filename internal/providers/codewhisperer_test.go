package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cwOpts() *RequestOptions {
	return &RequestOptions{
		ModelMappings: map[string]string{
			"claude-sonnet-4": "CLAUDE_SONNET_4_20250514_V1_0",
		},
	}
}

func TestCodeWhispererProvider_TransformRequest_HistorySplit(t *testing.T) {
	provider := NewCodeWhispererProvider()

	anthropicRequest := map[string]any{
		"model": "claude-sonnet-4",
		"messages": []any{
			map[string]any{"role": "user", "content": "What files are here?"},
			map[string]any{"role": "assistant", "content": "I'll list them."},
			map[string]any{"role": "user", "content": "Go ahead."},
		},
	}

	body, err := json.Marshal(anthropicRequest)
	require.NoError(t, err)

	result, err := provider.TransformRequest(body, cwOpts())
	require.NoError(t, err)

	var cwReq map[string]any
	require.NoError(t, json.Unmarshal(result, &cwReq))

	state := cwReq["conversationState"].(map[string]any)
	assert.NotEmpty(t, state["conversationId"])

	// All but the last message land in history.
	history := state["history"].([]any)
	require.Len(t, history, 2)

	firstTurn := history[0].(map[string]any)["userInputMessage"].(map[string]any)
	assert.Equal(t, "What files are here?", firstTurn["content"])
	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", firstTurn["modelId"])

	secondTurn := history[1].(map[string]any)["assistantResponseMessage"].(map[string]any)
	assert.Equal(t, "I'll list them.", secondTurn["content"])

	// Only the final message becomes currentMessage.
	current := state["currentMessage"].(map[string]any)["userInputMessage"].(map[string]any)
	assert.Equal(t, "Go ahead.", current["content"])
}

func TestCodeWhispererProvider_TransformRequest_UnmappedModel(t *testing.T) {
	provider := NewCodeWhispererProvider()

	body := []byte(`{"model":"claude-haiku-3","messages":[{"role":"user","content":"hi"}]}`)

	_, err := provider.TransformRequest(body, cwOpts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	// No mappings configured at all is the same configuration gap.
	_, err = provider.TransformRequest(body, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestCodeWhispererProvider_TransformRequest_ToolSpecifications(t *testing.T) {
	provider := NewCodeWhispererProvider()

	anthropicRequest := map[string]any{
		"model":  "claude-sonnet-4",
		"system": "Be terse",
		"messages": []any{
			map[string]any{"role": "user", "content": "run ls"},
		},
		"tools": []any{
			map[string]any{
				"name":         "bash",
				"description":  "Run a shell command",
				"input_schema": map[string]any{"type": "object"},
			},
		},
	}

	body, err := json.Marshal(anthropicRequest)
	require.NoError(t, err)

	result, err := provider.TransformRequest(body, cwOpts())
	require.NoError(t, err)

	var cwReq map[string]any
	require.NoError(t, json.Unmarshal(result, &cwReq))

	state := cwReq["conversationState"].(map[string]any)
	current := state["currentMessage"].(map[string]any)["userInputMessage"].(map[string]any)

	// The dialect has no system field; the prompt is prefixed into the
	// first user turn.
	assert.Equal(t, "Be terse\n\nrun ls", current["content"])

	context := current["userInputMessageContext"].(map[string]any)
	tools := context["tools"].([]any)
	require.Len(t, tools, 1)

	spec := tools[0].(map[string]any)["toolSpecification"].(map[string]any)
	assert.Equal(t, "bash", spec["name"])
	assert.Equal(t, "Run a shell command", spec["description"])
	assert.Contains(t, spec["inputSchema"].(map[string]any), "json")
}

func TestCodeWhispererProvider_TransformRequest_ToolResults(t *testing.T) {
	provider := NewCodeWhispererProvider()

	anthropicRequest := map[string]any{
		"model": "claude-sonnet-4",
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type":        "tool_result",
						"tool_use_id": "toolu_9",
						"content":     "total 42",
						"is_error":    false,
					},
				},
			},
		},
	}

	body, err := json.Marshal(anthropicRequest)
	require.NoError(t, err)

	result, err := provider.TransformRequest(body, cwOpts())
	require.NoError(t, err)

	var cwReq map[string]any
	require.NoError(t, json.Unmarshal(result, &cwReq))

	state := cwReq["conversationState"].(map[string]any)
	current := state["currentMessage"].(map[string]any)["userInputMessage"].(map[string]any)
	context := current["userInputMessageContext"].(map[string]any)

	results := context["toolResults"].([]any)
	require.Len(t, results, 1)

	tr := results[0].(map[string]any)
	assert.Equal(t, "toolu_9", tr["toolUseId"])
	assert.Equal(t, "success", tr["status"])
	content := tr["content"].([]any)
	assert.Equal(t, "total 42", content[0].(map[string]any)["text"])
}

func TestCodeWhispererProvider_TransformRequest_NoMessages(t *testing.T) {
	provider := NewCodeWhispererProvider()

	_, err := provider.TransformRequest([]byte(`{"model":"claude-sonnet-4","messages":[]}`), cwOpts())
	require.Error(t, err)
}

func TestCodeWhispererProvider_TransformResponse(t *testing.T) {
	provider := NewCodeWhispererProvider()

	payload := `{
		"assistantResponseMessage": {
			"content": "Here you go.",
			"toolUses": [{"toolUseId": "toolu_5", "name": "bash", "input": {"command": "ls"}}]
		}
	}`

	result, err := provider.TransformResponse([]byte(payload))
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(result, &resp))

	assert.Equal(t, "tool_use", resp["stop_reason"])

	content := resp["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "Here you go.", content[0].(map[string]any)["text"])

	toolBlock := content[1].(map[string]any)
	assert.Equal(t, "bash", toolBlock["name"])
	assert.Equal(t, map[string]any{"command": "ls"}, toolBlock["input"])
}

func TestCodeWhispererProvider_MergeChunks_FragmentedToolUse(t *testing.T) {
	provider := NewCodeWhispererProvider()

	chunks := [][]byte{
		[]byte(`{"assistantResponseEvent":{"content":"Let me run that. "}}`),
		[]byte(`{"toolUseEvent":{"toolUseId":"toolu_1","name":"bash","input":"{\"comm"}}`),
		[]byte(`{"toolUseEvent":{"toolUseId":"toolu_1","input":"and\":\"ls\"}"}}`),
		[]byte(`{"toolUseEvent":{"toolUseId":"toolu_1","stop":true}}`),
	}

	merged, err := provider.MergeChunks(chunks)
	require.NoError(t, err)

	assert.Equal(t, "Let me run that. ", merged.Text)
	assert.Equal(t, "tool_use", merged.StopReason)

	require.Len(t, merged.ToolCalls, 1)
	assert.Equal(t, "toolu_1", merged.ToolCalls[0].ID)
	assert.Equal(t, "bash", merged.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"command": "ls"}, merged.ToolCalls[0].Input)
}

func TestCodeWhispererProvider_MergeChunks_TextOnly(t *testing.T) {
	provider := NewCodeWhispererProvider()

	chunks := [][]byte{
		[]byte(`{"assistantResponseEvent":{"content":"First "}}`),
		[]byte(`{"assistantResponseEvent":{"content":"second."}}`),
	}

	merged, err := provider.MergeChunks(chunks)
	require.NoError(t, err)

	assert.Equal(t, "First second.", merged.Text)
	assert.Equal(t, "end_turn", merged.StopReason)
	assert.Empty(t, merged.ToolCalls)
}

func TestCodeWhispererProvider_MergeChunks_AllUnrecognized(t *testing.T) {
	provider := NewCodeWhispererProvider()

	chunks := [][]byte{
		[]byte(`{"somethingElse": true}`),
		[]byte(`garbage`),
	}

	merged, err := provider.MergeChunks(chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	require.NotNil(t, merged)
}

func TestCodeWhispererProvider_TransformStream_Text(t *testing.T) {
	provider := NewCodeWhispererProvider()
	state := &StreamState{Model: "claude-sonnet-4"}

	events, err := provider.TransformStream([]byte(`{"assistantResponseEvent":{"content":"Hi"}}`), state)
	require.NoError(t, err)

	output := string(events)
	assert.Contains(t, output, "event: message_start")
	assert.Contains(t, output, `"text":"Hi"`)

	events, err = provider.TransformStream([]byte(`{"assistantResponseEvent":{"content":" there"}}`), state)
	require.NoError(t, err)

	output = string(events)
	assert.NotContains(t, output, "event: message_start")
	assert.Contains(t, output, `"text":" there"`)
}
