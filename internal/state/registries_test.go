package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInFlightSerialization(t *testing.T) {
	r := New()
	r.UpsertSession(Session{AccountID: "acct-1", Status: SessionReady})

	require.True(t, r.TrySetInFlight("acct-1"))
	require.False(t, r.TrySetInFlight("acct-1"), "a second CRITICAL op must not be admitted while one is in flight")

	r.ClearInFlight("acct-1")
	require.True(t, r.TrySetInFlight("acct-1"), "in-flight flag must release once cleared")
}

func TestInstanceDefensiveCopy(t *testing.T) {
	r := New()
	r.UpsertInstance(BrowserInstance{AccountID: "acct-1", Port: 9222, Status: BrowserRunning})

	got, ok := r.Instance("acct-1")
	require.True(t, ok)
	got.Status = BrowserCrashed

	again, ok := r.Instance("acct-1")
	require.True(t, ok)
	assert.Equal(t, BrowserRunning, again.Status, "mutating a returned copy must not affect the registry")
}

func TestBreakerDefaultsClosed(t *testing.T) {
	r := New()
	b := r.Breaker("tab-1", "CRITICAL")
	assert.Equal(t, BreakerClosed, b.State)
	assert.Equal(t, 0, b.ConsecutiveFail)
}
