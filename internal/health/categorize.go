package health

import (
	"net/http"
	"strings"
)

// FailureKind classifies a provider failure for health bookkeeping.
type FailureKind string

const (
	FailureRateLimit      FailureKind = "rate_limit"
	FailureAuthentication FailureKind = "authentication"
	FailureNetwork        FailureKind = "network"
	FailureGateway        FailureKind = "gateway"
	FailureServerError    FailureKind = "server_error"
	FailureClientError    FailureKind = "client_error"
	FailureUnknown        FailureKind = "unknown"
)

// Categorize maps an error message and HTTP status to a FailureKind.
// Evaluation order matters: rate limit and auth signals win over the
// generic status-code buckets.
func Categorize(errText string, httpCode int) FailureKind {
	msg := strings.ToLower(errText)

	if httpCode == http.StatusTooManyRequests ||
		containsAny(msg, "rate limit", "quota", "exhausted", "too many requests") {
		return FailureRateLimit
	}

	if httpCode == http.StatusUnauthorized || httpCode == http.StatusForbidden ||
		containsAny(msg, "unauthorized", "forbidden", "auth") ||
		(strings.Contains(msg, "token") && containsAny(msg, "invalid", "expired")) {
		return FailureAuthentication
	}

	if containsAny(msg, "network", "connection", "timeout", "econnreset", "enotfound", "dns") {
		return FailureNetwork
	}

	if httpCode == http.StatusBadGateway || httpCode == http.StatusServiceUnavailable ||
		httpCode == http.StatusGatewayTimeout ||
		containsAny(msg, "gateway", "proxy", "upstream", "bad gateway") {
		return FailureGateway
	}

	if httpCode >= 500 {
		return FailureServerError
	}

	if httpCode >= 400 && httpCode < 500 {
		return FailureClientError
	}

	return FailureUnknown
}

// Retryable reports whether a request that failed with this kind is worth
// retrying against a different provider. Client errors repeat identically
// everywhere, so they are not.
func (k FailureKind) Retryable() bool {
	return k != FailureClientError
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}
