package handlers

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/goccy/go-json"

	"github.com/Davincible/claude-gateway/internal/config"
	"github.com/Davincible/claude-gateway/internal/metrics"
	"github.com/Davincible/claude-gateway/internal/providers"
	"github.com/Davincible/claude-gateway/internal/router"
)

const defaultUpstreamTimeout = 300 * time.Second

// ProxyHandler is the main request path: route, transform, forward,
// reconstruct. Health state is updated exactly once per attempt; client
// cancellations are not counted against the provider.
type ProxyHandler struct {
	config   *config.Manager
	engine   *router.Engine
	registry *providers.Registry
	client   *http.Client
	logger   *slog.Logger
}

func NewProxyHandler(cfg *config.Manager, engine *router.Engine, registry *providers.Registry, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		config:   cfg,
		engine:   engine,
		registry: registry,
		client:   &http.Client{},
		logger:   logger,
	}
}

// requestTraits is the minimal request view the handler needs for mode
// selection.
type requestTraits struct {
	Stream bool  `json:"stream"`
	Tools  []any `json:"tools"`
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	decision, err := h.engine.Route(body)
	if err != nil {
		if errors.Is(err, router.ErrNoProvidersAvailable) {
			h.httpError(w, http.StatusServiceUnavailable, "no providers available: %v", err)
			return
		}

		h.httpError(w, http.StatusInternalServerError, "routing failed: %v", err)

		return
	}

	providerConfig := cfg.Provider(decision.Provider)
	if providerConfig == nil {
		h.httpError(w, http.StatusInternalServerError, "provider %q not in configuration", decision.Provider)
		return
	}

	dialect, err := h.registry.Get(providerConfig.Dialect)
	if err != nil {
		h.httpError(w, http.StatusInternalServerError, "dialect lookup failed: %v", err)
		return
	}

	opts := &providers.RequestOptions{
		Model:         decision.Model,
		ModelMappings: providerConfig.ModelMappings,
		MaxTokens:     providerConfig.MaxTokens,
		Temperature:   providerConfig.Temperature,
	}

	upstreamBody, err := dialect.TransformRequest(decision.Body, opts)
	if err != nil {
		// A missing model mapping is a configuration gap, not a provider
		// failure; health state stays untouched.
		if errors.Is(err, providers.ErrUnsupportedModel) {
			h.httpError(w, http.StatusBadRequest, "unsupported model: %v", err)
			return
		}

		h.httpError(w, http.StatusBadRequest, "request transformation failed: %v", err)

		return
	}

	var traits requestTraits
	_ = json.Unmarshal(body, &traits)

	timeout := defaultUpstreamTimeout
	if providerConfig.Timeout > 0 {
		timeout = time.Duration(providerConfig.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providerConfig.APIBase, bytes.NewReader(upstreamBody))
	if err != nil {
		h.httpError(w, http.StatusInternalServerError, "failed to create upstream request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	if providerConfig.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+providerConfig.APIKey)
	}

	h.logger.Info("Proxying request",
		"category", string(decision.Category),
		"provider", decision.Provider,
		"model", decision.Model,
		"dialect", providerConfig.Dialect,
		"stream", traits.Stream,
	)

	start := time.Now()

	resp, err := h.client.Do(req)
	if err != nil {
		h.recordOutcome(decision, router.Outcome{
			Canceled:       r.Context().Err() != nil,
			Error:          err.Error(),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		})
		h.httpError(w, http.StatusBadGateway, "upstream request failed: %v", err)

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		h.handleUpstreamError(w, resp, decision, start)
		return
	}

	// Buffered mode whenever tools are declared: tool-call arguments
	// arrive as partial-JSON fragments and must be reassembled before
	// they can be emitted. Non-streaming client requests buffer too.
	buffered := len(traits.Tools) > 0 || !traits.Stream

	if isEventStream(resp) && !buffered {
		h.handleDirectStream(w, resp, dialect, decision, start)
		return
	}

	h.handleBuffered(w, resp, dialect, decision, traits.Stream, start)
}

func (h *ProxyHandler) handleUpstreamError(w http.ResponseWriter, resp *http.Response, decision router.Decision, start time.Time) {
	bodyReader, err := h.decompressReader(resp)
	if err != nil {
		bodyReader = resp.Body
	}

	respBody, _ := io.ReadAll(io.LimitReader(bodyReader, 1<<20))

	kind := h.recordOutcome(decision, router.Outcome{
		HTTPCode:       resp.StatusCode,
		Error:          string(respBody),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	})

	h.logger.Error("Upstream error response",
		"provider", decision.Provider,
		"status", resp.StatusCode,
		"kind", kind,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)

	errBody, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":     kind,
			"message":  strings.TrimSpace(string(respBody)),
			"provider": decision.Provider,
		},
	})
	w.Write(errBody)
}

// handleDirectStream re-emits provider chunks as canonical events with
// minimal buffering.
func (h *ProxyHandler) handleDirectStream(w http.ResponseWriter, resp *http.Response, dialect providers.Provider, decision router.Decision, start time.Time) {
	bodyReader, err := h.decompressReader(resp)
	if err != nil {
		h.recordOutcome(decision, router.Outcome{Error: err.Error(), HTTPCode: resp.StatusCode})
		h.httpError(w, http.StatusBadGateway, "decompression error: %v", err)

		return
	}
	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.StreamReconstruction(dialect.Name(), "direct")

	scanner := bufio.NewScanner(bodyReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	state := &providers.StreamState{Model: decision.Model}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}

		if line == "data: [DONE]" {
			break
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		events, err := dialect.TransformStream([]byte(strings.TrimPrefix(line, "data: ")), state)
		if err != nil {
			h.logger.Error("Stream transformation error", "error", err)
			continue
		}

		if len(events) > 0 {
			w.Write(events)
			h.flushResponse(w)
		}
	}

	if err := scanner.Err(); err != nil {
		h.logger.Error("Stream scanning error", "error", err)
		h.recordOutcome(decision, router.Outcome{
			Canceled:       errors.Is(err, context.Canceled),
			Error:          err.Error(),
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Streaming:      true,
		})

		return
	}

	h.recordOutcome(decision, router.Outcome{
		Success:        true,
		HTTPCode:       http.StatusOK,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Streaming:      true,
	})
}

// handleBuffered collects the full upstream response, merges it into one
// logical response and re-expands it for the client.
func (h *ProxyHandler) handleBuffered(w http.ResponseWriter, resp *http.Response, dialect providers.Provider, decision router.Decision, clientWantsStream bool, start time.Time) {
	bodyReader, err := h.decompressReader(resp)
	if err != nil {
		h.recordOutcome(decision, router.Outcome{Error: err.Error(), HTTPCode: resp.StatusCode})
		h.httpError(w, http.StatusBadGateway, "decompression error: %v", err)

		return
	}
	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	metrics.StreamReconstruction(dialect.Name(), "buffered")

	var (
		output   []byte
		mergeErr error
	)

	if isEventStream(resp) {
		chunks, scanErr := collectSSEChunks(bodyReader)
		if scanErr != nil {
			h.recordOutcome(decision, router.Outcome{
				Canceled:       errors.Is(scanErr, context.Canceled),
				Error:          scanErr.Error(),
				ResponseTimeMs: time.Since(start).Milliseconds(),
				Streaming:      true,
			})
			h.httpError(w, http.StatusBadGateway, "failed to read upstream stream: %v", scanErr)

			return
		}

		merged, err := dialect.MergeChunks(chunks)
		mergeErr = err

		if merged == nil {
			h.recordOutcome(decision, router.Outcome{
				Error:          err.Error(),
				HTTPCode:       resp.StatusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
			})
			h.httpError(w, http.StatusBadGateway, "failed to merge upstream stream: %v", err)

			return
		}

		if merged.Model == "" {
			merged.Model = decision.Model
		}

		if clientWantsStream {
			output = merged.CanonicalEvents()
		} else {
			output, err = merged.CanonicalResponse()
			if err != nil {
				h.httpError(w, http.StatusInternalServerError, "failed to render response: %v", err)
				return
			}
		}
	} else {
		respBody, readErr := io.ReadAll(bodyReader)
		if readErr != nil {
			h.recordOutcome(decision, router.Outcome{
				Canceled:       errors.Is(readErr, context.Canceled),
				Error:          readErr.Error(),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			})
			h.httpError(w, http.StatusBadGateway, "failed to read upstream response: %v", readErr)

			return
		}

		output, err = dialect.TransformResponse(respBody)
		if err != nil {
			mergeErr = err
			output = respBody
		}

		if clientWantsStream {
			// Client asked for a stream but the upstream answered in
			// one piece; re-expand through the merge path.
			merged, err := dialect.MergeChunks([][]byte{respBody})
			if err == nil {
				if merged.Model == "" {
					merged.Model = decision.Model
				}

				output = merged.CanonicalEvents()
			}
		}
	}

	if clientWantsStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(http.StatusOK)
	w.Write(output)
	h.flushResponse(w)

	// A salvaged response still reaches the client, but the parse
	// failure counts against the provider.
	outcome := router.Outcome{
		Success:        mergeErr == nil,
		HTTPCode:       http.StatusOK,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Streaming:      clientWantsStream,
	}
	if mergeErr != nil {
		outcome.Error = mergeErr.Error()
	}

	h.recordOutcome(decision, outcome)
}

func (h *ProxyHandler) recordOutcome(decision router.Decision, outcome router.Outcome) string {
	kind := h.engine.RecordResult(decision.Provider, decision.Model, outcome)
	return string(kind)
}

// collectSSEChunks reads an SSE body and returns the data payloads.
func collectSSEChunks(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var chunks [][]byte

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}

		chunks = append(chunks, []byte(strings.TrimPrefix(line, "data: ")))
	}

	return chunks, scanner.Err()
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (h *ProxyHandler) decompressReader(resp *http.Response) (io.Reader, error) {
	var bodyReader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		bodyReader = gzipReader
	case "br":
		bodyReader = brotli.NewReader(resp.Body)
	}

	return bodyReader, nil
}

func (h *ProxyHandler) flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *ProxyHandler) httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.logger.Error("HTTP Error", "code", code, "message", msg)
	http.Error(w, msg, code)
}
