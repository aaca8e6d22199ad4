package cdp

import (
	"context"
	"time"

	"tradovate-relay/internal/config"
)

// RetryPolicies maps operation class to its retry/backoff policy table.
type RetryPolicies map[config.OpClass]config.RetryPolicy

// Attempt runs fn up to the configured max attempts for opClass, each
// attempt bounded by the class's per-attempt timeout, sleeping with
// exponential backoff between attempts. Only OutcomeTransportError is
// retried: a JS_ERROR means the operation ran and failed on its own
// terms, retrying it would resubmit an order or repeat a side effect,
// so it is returned immediately.
func (p RetryPolicies) Attempt(ctx context.Context, opClass config.OpClass, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	policy, ok := p[opClass]
	if !ok {
		policy = config.RetryPolicy{MaxAttempts: 1}
	}
	backoff := policy.InitialBackoff
	var lastOutcome Outcome
	var lastErr error
	for attempt := 1; attempt <= maxInt(policy.MaxAttempts, 1); attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.PerAttemptTimeout)
		}
		outcome, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		lastOutcome, lastErr = outcome, err
		if outcome != OutcomeTransportError {
			return outcome, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, policy)
	}
	return lastOutcome, lastErr
}

func nextBackoff(cur time.Duration, p config.RetryPolicy) time.Duration {
	if cur == 0 {
		return p.InitialBackoff
	}
	next := time.Duration(float64(cur) * p.BackoffMultiple)
	if p.MaxBackoff > 0 && next > p.MaxBackoff {
		return p.MaxBackoff
	}
	return next
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
