package health

import (
	"sync"
	"time"
)

// BlacklistReason names why a candidate was blacklisted at the manager
// level. This lighter-weight variant gates round-robin candidate lists;
// the Store keeps the richer per-class state for introspection.
type BlacklistReason string

const (
	ReasonRateLimit   BlacklistReason = "rate_limit"
	ReasonAuthFailure BlacklistReason = "auth_failure"
	ReasonNetwork     BlacklistReason = "network_error"
	ReasonServerError BlacklistReason = "server_error"
)

// Manager-level blacklist durations. These are intentionally not the same
// as the Store's cooldown table; the two layers gate different call paths.
const (
	rateLimitDuration   = 60 * time.Second
	authDuration        = 300 * time.Second
	authEscalated       = 3600 * time.Second
	networkDuration     = 120 * time.Second
	serverErrorDuration = 180 * time.Second
	authEscalationCount = 3
)

type blacklistEntry struct {
	until        time.Time
	reason       BlacklistReason
	authFailures int
}

// Blacklist is a simplified time-boxed exclusion list keyed by candidate.
// Keys are typically "provider" or "provider/model" so that a single model
// can be excluded without taking out the whole provider.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]*blacklistEntry

	now func() time.Time
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]*blacklistEntry),
		now:     time.Now,
	}
}

// FailureKindToReason maps the detailed failure taxonomy onto the
// manager-level reasons. Kinds with no manager-level policy return false.
func FailureKindToReason(kind FailureKind) (BlacklistReason, bool) {
	switch kind {
	case FailureRateLimit:
		return ReasonRateLimit, true
	case FailureAuthentication:
		return ReasonAuthFailure, true
	case FailureNetwork, FailureGateway:
		return ReasonNetwork, true
	case FailureServerError, FailureUnknown:
		return ReasonServerError, true
	default:
		return "", false
	}
}

// Add blacklists a candidate for the reason's configured duration. Repeated
// auth failures escalate to the near-permanent window.
func (b *Blacklist) Add(key string, reason BlacklistReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &blacklistEntry{}
		b.entries[key] = e
	}

	e.reason = reason

	var d time.Duration

	switch reason {
	case ReasonRateLimit:
		d = rateLimitDuration
	case ReasonAuthFailure:
		e.authFailures++
		d = authDuration
		if e.authFailures >= authEscalationCount {
			d = authEscalated
		}
	case ReasonNetwork:
		d = networkDuration
	case ReasonServerError:
		d = serverErrorDuration
	default:
		d = serverErrorDuration
	}

	e.until = b.now().Add(d)
}

// IsBlacklisted reports whether a candidate is currently excluded.
func (b *Blacklist) IsBlacklisted(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return false
	}

	return b.now().Before(e.until)
}

// ClearOnSuccess removes a candidate's exclusion after a successful call.
// Auth blacklists recover only by expiry: a success on a different key or
// a replaced credential does not prove the old one works.
func (b *Blacklist) ClearOnSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}

	if e.reason == ReasonAuthFailure {
		return
	}

	delete(b.entries, key)
}

// Reason returns the active blacklist reason for a candidate, if any.
func (b *Blacklist) Reason(key string) (BlacklistReason, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || !b.now().Before(e.until) {
		return "", false
	}

	return e.reason, true
}
