package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBlacklist() (*Blacklist, *fakeClock) {
	clock := newFakeClock()
	b := NewBlacklist()
	b.now = clock.Now

	return b, clock
}

func TestBlacklist_RateLimitExpiry(t *testing.T) {
	b, clock := newTestBlacklist()

	b.Add("p1/model-a", ReasonRateLimit)
	assert.True(t, b.IsBlacklisted("p1/model-a"))
	assert.False(t, b.IsBlacklisted("p1/model-b"))

	clock.Advance(61 * time.Second)
	assert.False(t, b.IsBlacklisted("p1/model-a"))
}

func TestBlacklist_AuthEscalation(t *testing.T) {
	b, clock := newTestBlacklist()

	b.Add("p1", ReasonAuthFailure)
	b.Add("p1", ReasonAuthFailure)

	clock.Advance(301 * time.Second)
	assert.False(t, b.IsBlacklisted("p1"))

	// Third auth failure escalates to the near-permanent window.
	b.Add("p1", ReasonAuthFailure)
	clock.Advance(301 * time.Second)
	assert.True(t, b.IsBlacklisted("p1"))

	clock.Advance(3600 * time.Second)
	assert.False(t, b.IsBlacklisted("p1"))
}

func TestBlacklist_SuccessClearsExceptAuth(t *testing.T) {
	b, _ := newTestBlacklist()

	b.Add("p1", ReasonNetwork)
	b.ClearOnSuccess("p1")
	assert.False(t, b.IsBlacklisted("p1"))

	b.Add("p2", ReasonAuthFailure)
	b.ClearOnSuccess("p2")
	assert.True(t, b.IsBlacklisted("p2"))
}

func TestBlacklist_Reason(t *testing.T) {
	b, _ := newTestBlacklist()

	b.Add("p1", ReasonServerError)

	reason, ok := b.Reason("p1")
	assert.True(t, ok)
	assert.Equal(t, ReasonServerError, reason)

	_, ok = b.Reason("p2")
	assert.False(t, ok)
}

func TestFailureKindToReason(t *testing.T) {
	tests := []struct {
		kind   FailureKind
		reason BlacklistReason
		ok     bool
	}{
		{FailureRateLimit, ReasonRateLimit, true},
		{FailureAuthentication, ReasonAuthFailure, true},
		{FailureNetwork, ReasonNetwork, true},
		{FailureGateway, ReasonNetwork, true},
		{FailureServerError, ReasonServerError, true},
		{FailureUnknown, ReasonServerError, true},
		{FailureClientError, "", false},
	}

	for _, tt := range tests {
		reason, ok := FailureKindToReason(tt.kind)
		assert.Equal(t, tt.ok, ok, string(tt.kind))
		assert.Equal(t, tt.reason, reason, string(tt.kind))
	}
}
