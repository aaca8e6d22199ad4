package cdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradovate-relay/internal/config"
	"tradovate-relay/internal/state"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := state.New()
	b := NewBreaker(r, map[config.OpClass]config.CircuitPolicy{
		config.OpClassCritical: {FailureThreshold: 2, OpenDuration: time.Minute, HalfOpenProbes: 1},
	})

	require.True(t, b.Allow("tab-1", config.OpClassCritical))
	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)
	require.True(t, b.Allow("tab-1", config.OpClassCritical), "breaker should stay closed below threshold")

	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)
	assert.False(t, b.Allow("tab-1", config.OpClassCritical), "breaker should open at threshold")
}

func TestBreakerHalfOpenAfterCooldownThenCloses(t *testing.T) {
	r := state.New()
	frozen := time.Now()
	b := NewBreaker(r, map[config.OpClass]config.CircuitPolicy{
		config.OpClassCritical: {FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbes: 1},
	})
	b.now = func() time.Time { return frozen }

	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)
	assert.False(t, b.Allow("tab-1", config.OpClassCritical))

	b.now = func() time.Time { return frozen.Add(2 * time.Second) }
	assert.True(t, b.Allow("tab-1", config.OpClassCritical), "breaker should move to half-open once the open duration elapses")

	b.RecordResult("tab-1", config.OpClassCritical, OutcomeSuccess)
	assert.True(t, b.Allow("tab-1", config.OpClassCritical))

	rec := r.Breaker("tab-1", string(config.OpClassCritical))
	assert.Equal(t, state.BreakerClosed, rec.State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	r := state.New()
	frozen := time.Now()
	b := NewBreaker(r, map[config.OpClass]config.CircuitPolicy{
		config.OpClassCritical: {FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbes: 2},
	})
	b.now = func() time.Time { return frozen }
	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)

	b.now = func() time.Time { return frozen.Add(2 * time.Second) }
	require.True(t, b.Allow("tab-1", config.OpClassCritical))
	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)

	assert.False(t, b.Allow("tab-1", config.OpClassCritical), "a half-open probe failure must reopen the breaker")
}

func TestBreakerHalfOpenAdmitsOnlyOneConcurrentTrial(t *testing.T) {
	r := state.New()
	frozen := time.Now()
	b := NewBreaker(r, map[config.OpClass]config.CircuitPolicy{
		config.OpClassCritical: {FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbes: 1},
	})
	b.now = func() time.Time { return frozen }
	b.RecordResult("tab-1", config.OpClassCritical, OutcomeTransportError)

	b.now = func() time.Time { return frozen.Add(2 * time.Second) }
	require.True(t, b.Allow("tab-1", config.OpClassCritical), "first caller claims the half-open trial")
	assert.False(t, b.Allow("tab-1", config.OpClassCritical), "a second concurrent caller must not also get a trial")

	b.RecordResult("tab-1", config.OpClassCritical, OutcomeSuccess)
	assert.True(t, b.Allow("tab-1", config.OpClassCritical), "breaker closed, next caller proceeds normally")
}

func TestBreakerJSErrorIsNotATransportFailure(t *testing.T) {
	r := state.New()
	b := NewBreaker(r, map[config.OpClass]config.CircuitPolicy{
		config.OpClassImportant: {FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenProbes: 1},
	})
	b.RecordResult("tab-1", config.OpClassImportant, OutcomeJSError)
	assert.True(t, b.Allow("tab-1", config.OpClassImportant), "a JS-level failure must not trip the transport breaker")
}
