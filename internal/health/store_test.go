package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := newFakeClock()
	s := NewStore()
	s.now = clock.Now

	return s, clock
}

func TestStore_SelectableByDefault(t *testing.T) {
	s, _ := newTestStore()

	assert.True(t, s.IsSelectable("p1"))
}

func TestStore_AuthEscalationToPermanentBlacklist(t *testing.T) {
	s, _ := newTestStore()

	for i := 0; i < 2; i++ {
		kind := s.RecordFailure("p1", "unauthorized", 401)
		assert.Equal(t, FailureAuthentication, kind)
	}

	snap := s.Snapshot("p1")
	assert.False(t, snap.PermanentlyBlacklisted)

	s.RecordFailure("p1", "unauthorized", 401)

	snap = s.Snapshot("p1")
	assert.True(t, snap.PermanentlyBlacklisted)
	assert.NotEmpty(t, snap.BlacklistReason)
	assert.False(t, s.IsSelectable("p1"))
}

func TestStore_SuccessResetsAuthCounter(t *testing.T) {
	s, _ := newTestStore()

	s.RecordFailure("p1", "forbidden", 403)
	s.RecordFailure("p1", "forbidden", 403)
	s.RecordSuccess("p1")

	// The threshold now requires three fresh consecutive failures.
	s.RecordFailure("p1", "forbidden", 403)
	s.RecordFailure("p1", "forbidden", 403)
	assert.False(t, s.Snapshot("p1").PermanentlyBlacklisted)

	s.RecordFailure("p1", "forbidden", 403)
	assert.True(t, s.Snapshot("p1").PermanentlyBlacklisted)
}

func TestStore_RateLimitTemporaryBlacklist(t *testing.T) {
	s, clock := newTestStore()

	s.RecordFailure("p1", "rate limit exceeded", 429)
	assert.False(t, s.IsSelectable("p1"))

	clock.Advance(299 * time.Second)
	assert.False(t, s.IsSelectable("p1"))

	clock.Advance(2 * time.Second)
	assert.True(t, s.IsSelectable("p1"))
}

func TestStore_ConsecutiveErrorCooldown(t *testing.T) {
	s, clock := newTestStore()

	for i := 0; i < ConsecutiveErrorCeiling-1; i++ {
		s.RecordFailure("p1", "weird failure", 0)
		assert.True(t, s.IsSelectable("p1"), "still degraded, not cooled down")
	}

	s.RecordFailure("p1", "weird failure", 0)
	assert.False(t, s.IsSelectable("p1"))

	clock.Advance(61 * time.Second)
	// Cooldown expiry re-opens the provider.
	assert.True(t, s.IsSelectable("p1"))
}

func TestStore_NetworkBackoffEscalation(t *testing.T) {
	s, clock := newTestStore()

	s.RecordFailure("p1", "connection refused", 0)
	s.RecordFailure("p1", "connection refused", 0)
	assert.Equal(t, 0, s.Snapshot("p1").BackoffLevel)
	assert.True(t, s.IsSelectable("p1"))

	s.RecordFailure("p1", "connection refused", 0)
	snap := s.Snapshot("p1")
	assert.Equal(t, 1, snap.BackoffLevel)
	assert.False(t, s.IsSelectable("p1"))
	require.NotNil(t, snap.CooldownTill)
	assert.Equal(t, clock.Now().Add(1*time.Minute), *snap.CooldownTill)

	clock.Advance(2 * time.Minute)
	assert.True(t, s.IsSelectable("p1"))

	s.RecordFailure("p1", "connection refused", 0)
	snap = s.Snapshot("p1")
	assert.Equal(t, 2, snap.BackoffLevel)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *snap.CooldownTill)

	s.RecordFailure("p1", "connection refused", 0)
	snap = s.Snapshot("p1")
	assert.Equal(t, 3, snap.BackoffLevel)
	assert.Equal(t, clock.Now().Add(10*time.Minute), *snap.CooldownTill)

	// Level is capped.
	s.RecordFailure("p1", "connection refused", 0)
	assert.Equal(t, 3, s.Snapshot("p1").BackoffLevel)
}

func TestStore_SuccessResetsBackoff(t *testing.T) {
	s, clock := newTestStore()

	for i := 0; i < 3; i++ {
		s.RecordFailure("p1", "connection refused", 0)
	}
	assert.Equal(t, 1, s.Snapshot("p1").BackoffLevel)

	clock.Advance(2 * time.Minute)
	s.RecordSuccess("p1")

	snap := s.Snapshot("p1")
	assert.Equal(t, 0, snap.BackoffLevel)
	assert.True(t, snap.Healthy)
	assert.Nil(t, snap.CooldownTill)
}

func TestStore_ErrorHistoryBounded(t *testing.T) {
	s, _ := newTestStore()

	for i := 0; i < 25; i++ {
		s.RecordFailure("p1", "boom", 500)
	}

	snap := s.Snapshot("p1")
	assert.Len(t, snap.RecentErrors, 10)
	assert.Equal(t, int64(25), snap.FailureCount)
}

func TestStore_IndependentProviders(t *testing.T) {
	s, _ := newTestStore()

	s.RecordFailure("p1", "rate limit", 429)
	assert.False(t, s.IsSelectable("p1"))
	assert.True(t, s.IsSelectable("p2"))
}
