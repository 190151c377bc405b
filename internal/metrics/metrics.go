// Package metrics exposes Prometheus counters for routing decisions and
// provider outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	routeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claude_gateway",
		Name:      "route_decisions_total",
		Help:      "Routing decisions by category and selected provider/model.",
	}, []string{"category", "provider", "model"})

	providerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claude_gateway",
		Name:      "provider_outcomes_total",
		Help:      "Per-provider request outcomes by result kind.",
	}, []string{"provider", "kind"})

	streamReconstructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claude_gateway",
		Name:      "stream_reconstructions_total",
		Help:      "Stream reconstructions by dialect and mode (direct or buffered).",
	}, []string{"dialect", "mode"})
)

// RouteDecision records one routing decision.
func RouteDecision(category, provider, model string) {
	routeDecisions.WithLabelValues(category, provider, model).Inc()
}

// ProviderOutcome records one attempt outcome. Kind is "success" or a
// failure classification.
func ProviderOutcome(provider, kind string) {
	providerOutcomes.WithLabelValues(provider, kind).Inc()
}

// StreamReconstruction records which reconstruction mode served a
// response.
func StreamReconstruction(dialect, mode string) {
	streamReconstructions.WithLabelValues(dialect, mode).Inc()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
