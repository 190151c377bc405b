package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// TelemetryBlockerMiddleware swallows client telemetry beacons. Clients
// pointed at the gateway still fire their statsig and metrics uploads;
// answering them locally keeps that traffic off the wire without breaking
// the client's expectations.
type TelemetryBlockerMiddleware struct {
	logger *slog.Logger
}

func NewTelemetryBlockerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	tbm := &TelemetryBlockerMiddleware{
		logger: logger,
	}

	return tbm.middleware
}

func (tbm *TelemetryBlockerMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		if tbm.isStatsigRequest(host, r.URL.Path) {
			tbm.logger.Debug("Blocked statsig telemetry", "path", r.URL.Path)
			tbm.sendStatsigResponse(w)

			return
		}

		if tbm.isMetricsRequest(host, r.URL.Path) {
			tbm.logger.Debug("Blocked metrics upload", "path", r.URL.Path)
			tbm.sendMetricsResponse(w)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (tbm *TelemetryBlockerMiddleware) sendStatsigResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"success":true}`))
}

func (tbm *TelemetryBlockerMiddleware) sendMetricsResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}

func (tbm *TelemetryBlockerMiddleware) isStatsigRequest(host, path string) bool {
	if strings.Contains(host, "statsig.anthropic.com") {
		return true
	}

	statsigPaths := []string{
		"/v1/initialize",
		"/v1/log_event",
		"/v1/rgstr",
		"/statsig",
		"/telemetry",
		"/analytics",
	}

	for _, statsigPath := range statsigPaths {
		if strings.HasPrefix(path, statsigPath) {
			return true
		}
	}

	return false
}

func (tbm *TelemetryBlockerMiddleware) isMetricsRequest(host, path string) bool {
	if !strings.Contains(host, "api.anthropic.com") {
		return false
	}

	metricsPaths := []string{
		"/api/claude_code/metrics",
		"/claude_code/metrics",
	}

	for _, metricsPath := range metricsPaths {
		if strings.HasPrefix(path, metricsPath) {
			return true
		}
	}

	return false
}
