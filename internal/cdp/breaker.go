package cdp

import (
	"fmt"
	"time"

	"tradovate-relay/internal/config"
	"tradovate-relay/internal/state"
)

// ErrBreakerOpen is returned when an operation is rejected outright
// because its (tab, op_class) breaker is OPEN.
var ErrBreakerOpen = fmt.Errorf("cdp: circuit breaker open")

// Breaker evaluates and updates the per-(tab, op_class) circuit
// breaker state held in the shared registries.
type Breaker struct {
	registries *state.Registries
	policies   map[config.OpClass]config.CircuitPolicy
	now        func() time.Time
}

// NewBreaker constructs a Breaker backed by the given registries and
// policy table.
func NewBreaker(r *state.Registries, policies map[config.OpClass]config.CircuitPolicy) *Breaker {
	return &Breaker{registries: r, policies: policies, now: time.Now}
}

// Allow reports whether an operation of opClass against tabID may
// proceed, transitioning OPEN -> HALF_OPEN once the open duration has
// elapsed.
func (b *Breaker) Allow(tabID string, opClass config.OpClass) bool {
	policy := b.policyFor(opClass)
	return b.registries.BreakerAllow(tabID, string(opClass), b.now(), policy.OpenDuration)
}

// RecordResult feeds an operation's outcome back into the breaker,
// advancing the state machine.
func (b *Breaker) RecordResult(tabID string, opClass config.OpClass, outcome Outcome) {
	rec := b.registries.Breaker(tabID, string(opClass))
	policy := b.policyFor(opClass)

	success := outcome == OutcomeSuccess || outcome == OutcomeJSError // a JS error is not a transport failure

	switch rec.State {
	case state.BreakerHalfOpen:
		rec.Probing = false
		if success {
			rec.HalfOpenProbes++
			if rec.HalfOpenProbes >= policy.HalfOpenProbes {
				rec.State = state.BreakerClosed
				rec.ConsecutiveFail = 0
			}
		} else {
			rec.State = state.BreakerOpen
			rec.OpenedAt = b.now()
			rec.HalfOpenProbes = 0
		}
	default:
		if success {
			rec.ConsecutiveFail = 0
		} else {
			rec.ConsecutiveFail++
			if rec.ConsecutiveFail >= policy.FailureThreshold {
				rec.State = state.BreakerOpen
				rec.OpenedAt = b.now()
			}
		}
	}
	b.registries.UpdateBreaker(rec)
}

func (b *Breaker) policyFor(opClass config.OpClass) config.CircuitPolicy {
	if p, ok := b.policies[opClass]; ok {
		return p
	}
	return config.CircuitPolicy{FailureThreshold: 5, OpenDuration: 10 * time.Second, HalfOpenProbes: 1}
}
