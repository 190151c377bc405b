package router

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRequest(t *testing.T, fields map[string]any) []byte {
	t.Helper()

	body, err := json.Marshal(fields)
	require.NoError(t, err)

	return body
}

func TestClassifier_HaikuIsBackground(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model": "claude-3-5-haiku-20241022",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	})

	assert.Equal(t, CategoryBackground, c.Classify(body))
}

func TestClassifier_ThinkingMode(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model":    "claude-sonnet-4",
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 4096},
		"messages": []any{
			map[string]any{"role": "user", "content": "prove it"},
		},
	})

	assert.Equal(t, CategoryThinking, c.Classify(body))
}

func TestClassifier_ThinkingRequiresExplicitFlag(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		thinking any
		want     Category
	}{
		{"disabled object", map[string]any{"type": "disabled"}, CategoryDefault},
		{"bare true", true, CategoryThinking},
		{"bare false", false, CategoryDefault},
		{"unrecognized string", "off", CategoryDefault},
		{"number", 1, CategoryDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := makeRequest(t, map[string]any{
				"model":    "claude-sonnet-4",
				"thinking": tt.thinking,
				"messages": []any{
					map[string]any{"role": "user", "content": "hi"},
				},
			})

			assert.Equal(t, tt.want, c.Classify(body))
		})
	}
}

func TestClassifier_HaikuBeatsThinking(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model":    "claude-3-5-haiku",
		"thinking": map[string]any{"type": "enabled"},
	})

	assert.Equal(t, CategoryBackground, c.Classify(body))
}

func TestClassifier_LongContext(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model": "claude-sonnet-4",
		"messages": []any{
			map[string]any{"role": "user", "content": strings.Repeat("lorem ipsum dolor sit amet ", 20000)},
		},
	})

	assert.Equal(t, CategoryLongContext, c.Classify(body))
}

func TestClassifier_SearchTool(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		toolName string
		expected Category
	}{
		{"web search tool", "WebSearch", CategorySearch},
		{"search substring", "code_search", CategorySearch},
		{"web substring", "web_fetch", CategorySearch},
		{"unrelated tool", "calculator", CategoryDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := makeRequest(t, map[string]any{
				"model": "claude-sonnet-4",
				"tools": []any{
					map[string]any{"name": tt.toolName, "input_schema": map[string]any{"type": "object"}},
				},
			})

			assert.Equal(t, tt.expected, c.Classify(body))
		})
	}
}

func TestClassifier_Default(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model": "claude-sonnet-4",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	})

	assert.Equal(t, CategoryDefault, c.Classify(body))
}

func TestClassifier_Deterministic(t *testing.T) {
	c := NewClassifier()

	body := makeRequest(t, map[string]any{
		"model": "claude-sonnet-4",
		"tools": []any{
			map[string]any{"name": "WebSearch"},
		},
	})

	first := c.Classify(body)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(body))
	}
}

func TestClassifier_MalformedBody(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, CategoryDefault, c.Classify([]byte("not json")))
}
