package cdp

import (
	"context"
	"fmt"

	"tradovate-relay/internal/config"
)

// Evaluator composes classification, retry/backoff, and the circuit
// breaker into the single safe entry point every operation calls
// (C4). Callers never talk to Transport directly.
type Evaluator struct {
	transports func(tabID string) (*Transport, error)
	retries    RetryPolicies
	breaker    *Breaker
}

// NewEvaluator builds an Evaluator. transportFor resolves a tab id to
// its live Transport (owned by the session/supervisor layer).
func NewEvaluator(transportFor func(tabID string) (*Transport, error), retries RetryPolicies, breaker *Breaker) *Evaluator {
	return &Evaluator{transports: transportFor, retries: retries, breaker: breaker}
}

// Eval runs expression against tabID under opClass's retry and
// circuit-breaker policy. expectedType, when non-empty, is the
// RemoteObject "type" the caller expects back (e.g. "boolean"); a
// mismatch is classified as a JS-level failure. Returns the outcome,
// the decoded value on success, and an error describing any JS or
// transport failure.
func (e *Evaluator) Eval(ctx context.Context, tabID string, opClass config.OpClass, expression string, expectedType string) (Outcome, interface{}, error) {
	if !e.breaker.Allow(tabID, opClass) {
		return OutcomeTransportError, nil, fmt.Errorf("%w: tab=%s class=%s", ErrBreakerOpen, tabID, opClass)
	}

	var value interface{}
	outcome, err := e.retries.Attempt(ctx, opClass, func(attemptCtx context.Context) (Outcome, error) {
		t, terr := e.transports(tabID)
		if terr != nil {
			return OutcomeTransportError, &TransportError{Op: "resolve transport", Err: terr}
		}
		res := t.Evaluate(attemptCtx, expression)
		out, cerr := Classify(res, expectedType)
		if out == OutcomeSuccess {
			value = res.Value
		}
		return out, cerr
	})

	e.breaker.RecordResult(tabID, opClass, outcome)
	return outcome, value, err
}
