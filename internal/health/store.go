package health

import (
	"fmt"
	"sync"
	"time"
)

const (
	// ConsecutiveErrorCeiling is the number of consecutive failures after
	// which a provider enters a timed cooldown.
	ConsecutiveErrorCeiling = 5

	// AuthFailureCeiling is the number of consecutive auth failures after
	// which a provider is permanently blacklisted.
	AuthFailureCeiling = 3

	// EscalationThreshold is the number of network/gateway failures that
	// bumps the backoff level.
	EscalationThreshold = 3

	// MaxBackoffLevel caps backoff escalation.
	MaxBackoffLevel = 3

	errorHistorySize = 10

	genericCooldown    = 60 * time.Second
	rateLimitBlacklist = 300 * time.Second
)

// backoffCooldowns maps backoff level to cooldown duration after repeated
// network/gateway failures. Level 0 carries no cooldown.
var backoffCooldowns = [MaxBackoffLevel + 1]time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// ErrorRecord is one entry in a provider's bounded error history.
type ErrorRecord struct {
	Time     time.Time
	Kind     FailureKind
	HTTPCode int
	Message  string
}

// Entry holds the mutable health state for a single provider.
type Entry struct {
	mu sync.Mutex

	ProviderID string

	ConsecutiveErrors int
	TotalRequests     int64
	SuccessCount      int64
	FailureCount      int64

	Healthy      bool
	CooldownTill time.Time

	PermanentlyBlacklisted bool
	BlacklistReason        string
	TempBlacklistTill      time.Time

	BackoffLevel int

	AuthFailures      int
	NetworkFailures   int
	GatewayFailures   int
	RateLimitFailures int

	LastUsed time.Time

	// Ring buffer of the most recent errors, newest last.
	errorHistory []ErrorRecord
}

// Snapshot is a read-only copy of an Entry for introspection endpoints.
type Snapshot struct {
	ProviderID             string        `json:"provider_id"`
	Healthy                bool          `json:"healthy"`
	Selectable             bool          `json:"selectable"`
	ConsecutiveErrors      int           `json:"consecutive_errors"`
	TotalRequests          int64         `json:"total_requests"`
	SuccessCount           int64         `json:"success_count"`
	FailureCount           int64         `json:"failure_count"`
	BackoffLevel           int           `json:"backoff_level"`
	PermanentlyBlacklisted bool          `json:"permanently_blacklisted"`
	BlacklistReason        string        `json:"blacklist_reason,omitempty"`
	CooldownTill           *time.Time    `json:"cooldown_till,omitempty"`
	TempBlacklistTill      *time.Time    `json:"temp_blacklist_till,omitempty"`
	RecentErrors           []ErrorRecord `json:"recent_errors,omitempty"`
}

// Store tracks health state per provider. Entries are created lazily on
// first reference and never deleted; a process restart is the only full
// reset. Entries for different providers do not contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	now func() time.Time
}

// NewStore creates an empty health store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (s *Store) entry(providerID string) *Entry {
	s.mu.RLock()
	e, ok := s.entries[providerID]
	s.mu.RUnlock()

	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok = s.entries[providerID]; ok {
		return e
	}

	e = &Entry{ProviderID: providerID, Healthy: true}
	s.entries[providerID] = e

	return e
}

// IsSelectable reports whether a provider may currently receive traffic:
// not permanently blacklisted, not inside a temporary blacklist or cooldown
// window, and below the consecutive-error ceiling.
func (s *Store) IsSelectable(providerID string) bool {
	e := s.entry(providerID)

	e.mu.Lock()
	defer e.mu.Unlock()

	return s.selectableLocked(e)
}

func (s *Store) selectableLocked(e *Entry) bool {
	if e.PermanentlyBlacklisted {
		return false
	}

	now := s.now()
	if now.Before(e.TempBlacklistTill) || now.Before(e.CooldownTill) {
		return false
	}

	// An expired cooldown re-opens the provider: keeping the counter at
	// the ceiling would lock it out forever, since it can only recover by
	// serving a successful request.
	if !e.CooldownTill.IsZero() {
		e.CooldownTill = time.Time{}
		e.ConsecutiveErrors = 0
	}

	return e.ConsecutiveErrors < ConsecutiveErrorCeiling
}

// MarkUsed records a selection for least-recently-used tie-breaking.
func (s *Store) MarkUsed(providerID string) {
	e := s.entry(providerID)

	e.mu.Lock()
	e.LastUsed = s.now()
	e.mu.Unlock()
}

// Utilization returns the total request count and last-used time for a
// provider, for load-based selection.
func (s *Store) Utilization(providerID string) (int64, time.Time) {
	e := s.entry(providerID)

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.TotalRequests, e.LastUsed
}

// RecordSuccess resets the failure tracking for a provider. Recovery is
// immediate on the first success, not gradual: consecutive errors and the
// backoff level drop to zero and any cooldown is cleared. A permanent auth
// blacklist survives; fixing credentials is an operator action, not
// something a lucky request proves.
func (s *Store) RecordSuccess(providerID string) {
	e := s.entry(providerID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.TotalRequests++
	e.SuccessCount++
	e.ConsecutiveErrors = 0
	e.AuthFailures = 0
	e.NetworkFailures = 0
	e.GatewayFailures = 0
	e.BackoffLevel = 0
	e.CooldownTill = time.Time{}
	e.Healthy = true
}

// RecordFailure categorizes a failure and applies the matching state
// transition. It returns the kind it recorded.
func (s *Store) RecordFailure(providerID, errText string, httpCode int) FailureKind {
	kind := Categorize(errText, httpCode)
	e := s.entry(providerID)
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.TotalRequests++
	e.FailureCount++
	e.Healthy = false
	e.pushError(ErrorRecord{Time: now, Kind: kind, HTTPCode: httpCode, Message: errText})

	switch kind {
	case FailureAuthentication:
		e.AuthFailures++
		if e.AuthFailures >= AuthFailureCeiling && !e.PermanentlyBlacklisted {
			e.PermanentlyBlacklisted = true
			e.BlacklistReason = fmt.Sprintf("%d consecutive authentication failures (last: %s)",
				e.AuthFailures, errText)
		}

	case FailureRateLimit:
		e.RateLimitFailures++
		e.TempBlacklistTill = now.Add(rateLimitBlacklist)

	case FailureNetwork, FailureGateway:
		if kind == FailureNetwork {
			e.NetworkFailures++
		} else {
			e.GatewayFailures++
		}

		occurrences := e.NetworkFailures
		if kind == FailureGateway {
			occurrences = e.GatewayFailures
		}

		if occurrences >= EscalationThreshold {
			if e.BackoffLevel < MaxBackoffLevel {
				e.BackoffLevel++
			}
			e.CooldownTill = now.Add(backoffCooldowns[e.BackoffLevel])
		}

	default:
		e.ConsecutiveErrors++
		if e.ConsecutiveErrors >= ConsecutiveErrorCeiling {
			e.CooldownTill = now.Add(genericCooldown)
		}
	}

	return kind
}

func (e *Entry) pushError(rec ErrorRecord) {
	e.errorHistory = append(e.errorHistory, rec)
	if len(e.errorHistory) > errorHistorySize {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-errorHistorySize:]
	}
}

// Snapshot returns a copy of the provider's current state.
func (s *Store) Snapshot(providerID string) Snapshot {
	e := s.entry(providerID)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ProviderID:             e.ProviderID,
		Healthy:                e.Healthy,
		Selectable:             s.selectableLocked(e),
		ConsecutiveErrors:      e.ConsecutiveErrors,
		TotalRequests:          e.TotalRequests,
		SuccessCount:           e.SuccessCount,
		FailureCount:           e.FailureCount,
		BackoffLevel:           e.BackoffLevel,
		PermanentlyBlacklisted: e.PermanentlyBlacklisted,
		BlacklistReason:        e.BlacklistReason,
		RecentErrors:           append([]ErrorRecord(nil), e.errorHistory...),
	}

	if !e.CooldownTill.IsZero() {
		t := e.CooldownTill
		snap.CooldownTill = &t
	}

	if !e.TempBlacklistTill.IsZero() {
		t := e.TempBlacklistTill
		snap.TempBlacklistTill = &t
	}

	return snap
}

// All returns snapshots of every tracked provider.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, s.Snapshot(id))
	}

	return snaps
}
