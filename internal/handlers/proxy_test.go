package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-gateway/internal/config"
	"github.com/Davincible/claude-gateway/internal/health"
	"github.com/Davincible/claude-gateway/internal/providers"
	"github.com/Davincible/claude-gateway/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type proxyFixture struct {
	handler *ProxyHandler
	store   *health.Store
}

func newProxyFixture(t *testing.T, upstreamURL, dialect string) *proxyFixture {
	t.Helper()

	cfg := &config.Config{
		Providers: []config.Provider{
			{
				Name:    "upstream",
				Dialect: dialect,
				APIBase: upstreamURL,
				APIKey:  "test-key",
			},
		},
		Router: config.RouterConfig{
			Default: config.CategoryRoute{Primary: "upstream,test-model"},
		},
	}

	manager := config.NewManager(t.TempDir())
	require.NoError(t, manager.Save(cfg))

	routes, err := cfg.Routes()
	require.NoError(t, err)

	store := health.NewStore()
	blacklist := health.NewBlacklist()
	engine := router.NewEngine(routes, store, blacklist, testLogger())

	return &proxyFixture{
		handler: NewProxyHandler(manager, engine, providers.NewRegistry(), testLogger()),
		store:   store,
	}
}

func anthropicBody(stream bool, withTools bool) string {
	body := map[string]any{
		"model":      "claude-sonnet-4",
		"max_tokens": 100,
		"stream":     stream,
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	if withTools {
		body["tools"] = []any{
			map[string]any{
				"name":         "get_weather",
				"input_schema": map[string]any{"type": "object"},
			},
		}
	}

	data, _ := json.Marshal(body)

	return string(data)
}

func TestProxyHandler_NonStreamingOpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)

		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		// The router rewrote the model before the dialect transform.
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"test-model","choices":[{"message":{"role":"assistant","content":"Hi!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`)
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(false, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	content := resp["content"].([]any)
	assert.Equal(t, "Hi!", content[0].(map[string]any)["text"])

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(0), snap.FailureCount)
}

func TestProxyHandler_BufferedStreamWithTools(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","model":"test-model","choices":[{"delta":{"role":"assistant","content":"Checking."}}]}`,
		`{"id":"chatcmpl-1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"loca"}}]}}]}`,
		`{"id":"chatcmpl-1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tion\":\"Paris\"}"}}]}}]}`,
		`{"id":"chatcmpl-1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(true, true)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	output := rec.Body.String()

	// The fragmented arguments were reassembled before re-emission.
	assert.Contains(t, output, `"name":"get_weather"`)
	assert.Contains(t, output, "input_json_delta")
	assert.Contains(t, output, `"stop_reason":"tool_use"`)

	// tool_use responses do not close the message.
	assert.NotContains(t, output, "event: message_stop")

	// Reassembling every partial_json fragment yields complete JSON.
	var argsBuilder strings.Builder

	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))

		if event["type"] != "content_block_delta" {
			continue
		}

		delta := event["delta"].(map[string]any)
		if delta["type"] == "input_json_delta" {
			argsBuilder.WriteString(delta["partial_json"].(string))
		}
	}

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(argsBuilder.String()), &args))
	assert.Equal(t, map[string]any{"location": "Paris"}, args)
}

func TestProxyHandler_DirectStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"model\":\"test-model\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(true, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	output := rec.Body.String()
	assert.Contains(t, output, "event: message_start")
	assert.Contains(t, output, `"text":"Hello"`)
	assert.Contains(t, output, "event: message_stop")

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(1), snap.SuccessCount)
}

func TestProxyHandler_DirectStreamAnthropicPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"test-model\"}}\n\n")
		fmt.Fprint(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "anthropic")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(true, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// Passthrough chunks must come back with their SSE framing rebuilt,
	// not as concatenated bare JSON objects.
	output := rec.Body.String()
	assert.Contains(t, output, "event: message_start\ndata: {\"type\":\"message_start\"")
	assert.Contains(t, output, "event: content_block_delta\n")
	assert.Contains(t, output, `"text":"Hello"`)
	assert.Contains(t, output, "event: message_stop\n")
	assert.NotContains(t, output, "}{")

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(1), snap.SuccessCount)
}

func TestProxyHandler_UpstreamServerError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(false, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["type"])

	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "server_error", errObj["type"])
	assert.Equal(t, "upstream", errObj["provider"])

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(1), snap.FailureCount)
	assert.Equal(t, 1, snap.ConsecutiveErrors)
}

func TestProxyHandler_RateLimitRecorded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(false, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	snap := fixture.store.Snapshot("upstream")
	assert.NotNil(t, snap.TempBlacklistTill)
	assert.False(t, snap.Selectable)
}

func TestProxyHandler_UnsupportedModelLeavesHealthUntouched(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an unmapped model")
	}))
	defer upstream.Close()

	// CodeWhisperer requires model mappings; the fixture configures none.
	fixture := newProxyFixture(t, upstream.URL, "codewhisperer")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(false, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(0), snap.FailureCount)
	assert.Equal(t, 0, snap.ConsecutiveErrors)
}

func TestProxyHandler_NetworkFailureRecorded(t *testing.T) {
	// A closed server produces a connection error.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	fixture := newProxyFixture(t, upstream.URL, "openai")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(anthropicBody(false, false)))

	fixture.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	snap := fixture.store.Snapshot("upstream")
	assert.Equal(t, int64(1), snap.FailureCount)
}

func TestHealthHandler(t *testing.T) {
	store := health.NewStore()
	store.RecordSuccess("p1")

	engine := router.NewEngine(router.Routes{}, store, health.NewBlacklist(), testLogger())
	handler := NewHealthHandler(engine, testLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])

	providerList := resp["providers"].([]any)
	require.Len(t, providerList, 1)
	assert.Equal(t, "p1", providerList[0].(map[string]any)["provider_id"])
}
