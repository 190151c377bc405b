package router

import (
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/Davincible/claude-gateway/internal/health"
	"github.com/Davincible/claude-gateway/internal/metrics"
)

// Route is the configured candidate list for one category.
type Route struct {
	Candidates []Candidate
	Strategy   Strategy
}

// Routes maps categories to their configured candidates. Read-only to the
// engine.
type Routes map[Category]Route

// Decision is the result of routing one request: where to send it and the
// canonical body with the model field rewritten for that target.
type Decision struct {
	Category Category
	Provider string
	Model    string
	Body     []byte
}

// Outcome reports how one attempt against a provider went. Canceled
// outcomes (client disconnect, handler timeout) are not provider failures
// and leave health state untouched.
type Outcome struct {
	Success        bool
	Canceled       bool
	HTTPCode       int
	Error          string
	ResponseTimeMs int64
	Streaming      bool
}

// Engine composes the classifier, selector and health store into the
// routing surface: Route picks a destination, RecordResult feeds back how
// the attempt went.
type Engine struct {
	classifier *Classifier
	selector   *Selector
	store      *health.Store
	blacklist  *health.Blacklist
	routes     Routes
	logger     *slog.Logger
}

// NewEngine creates a routing engine over the given routes and health
// state.
func NewEngine(routes Routes, store *health.Store, blacklist *health.Blacklist, logger *slog.Logger) *Engine {
	return &Engine{
		classifier: NewClassifier(),
		selector:   NewSelector(store, blacklist, logger),
		store:      store,
		blacklist:  blacklist,
		routes:     routes,
		logger:     logger,
	}
}

// Route classifies the request and selects a (provider, model) pair. The
// returned body is the canonical request with its model field replaced by
// the selected provider-facing model id.
func (e *Engine) Route(body []byte) (Decision, error) {
	category := e.classifier.Classify(body)

	route, ok := e.routes[category]
	if !ok || len(route.Candidates) == 0 {
		// Unconfigured categories fall through to the default route.
		category = CategoryDefault
		route = e.routes[CategoryDefault]
	}

	candidate, err := e.selector.Select(category, route.Candidates, route.Strategy)
	if err != nil {
		return Decision{}, err
	}

	rewritten, err := rewriteModel(body, candidate.Model)
	if err != nil {
		e.logger.Error("Failed to rewrite model in request body", "error", err)
		rewritten = body
	}

	metrics.RouteDecision(string(category), candidate.Provider, candidate.Model)

	e.logger.Info("Routed request",
		"category", string(category),
		"provider", candidate.Provider,
		"model", candidate.Model,
	)

	return Decision{
		Category: category,
		Provider: candidate.Provider,
		Model:    candidate.Model,
		Body:     rewritten,
	}, nil
}

// RecordResult updates health state for one attempt. It must be called
// exactly once per attempt. The returned kind is empty for successes and
// cancellations.
func (e *Engine) RecordResult(provider, model string, outcome Outcome) health.FailureKind {
	if outcome.Canceled {
		return ""
	}

	key := provider + "/" + model

	if outcome.Success {
		e.store.RecordSuccess(provider)
		e.blacklist.ClearOnSuccess(key)
		e.blacklist.ClearOnSuccess(provider)
		metrics.ProviderOutcome(provider, "success")

		return ""
	}

	kind := e.store.RecordFailure(provider, outcome.Error, outcome.HTTPCode)
	metrics.ProviderOutcome(provider, string(kind))

	if reason, ok := health.FailureKindToReason(kind); ok {
		e.blacklist.Add(key, reason)

		// Credentials are provider-wide, so auth failures exclude every
		// model of the provider, not just the one that failed.
		if reason == health.ReasonAuthFailure {
			e.blacklist.Add(provider, reason)
		}
	}

	e.logger.Warn("Recorded provider failure",
		"provider", provider,
		"model", model,
		"kind", string(kind),
		"http_code", outcome.HTTPCode,
		"error", outcome.Error,
	)

	return kind
}

// Health returns introspection snapshots for every tracked provider.
func (e *Engine) Health() []health.Snapshot {
	return e.store.All()
}

func rewriteModel(body []byte, model string) ([]byte, error) {
	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, err
	}

	request["model"] = model

	return json.Marshal(request)
}
