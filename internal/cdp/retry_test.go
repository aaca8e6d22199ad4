package cdp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradovate-relay/internal/config"
)

func TestAttemptRetriesOnlyTransportErrors(t *testing.T) {
	policies := RetryPolicies{
		config.OpClassImportant: {MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiple: 1},
	}
	calls := 0
	outcome, err := policies.Attempt(context.Background(), config.OpClassImportant, func(context.Context) (Outcome, error) {
		calls++
		return OutcomeJSError, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeJSError, outcome)
	assert.Equal(t, 1, calls, "a JS error must not be retried")
}

func TestAttemptRetriesTransportErrorsUpToMax(t *testing.T) {
	policies := RetryPolicies{
		config.OpClassNonCritical: {MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiple: 1},
	}
	calls := 0
	outcome, err := policies.Attempt(context.Background(), config.OpClassNonCritical, func(context.Context) (Outcome, error) {
		calls++
		return OutcomeTransportError, errors.New("socket closed")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeTransportError, outcome)
	assert.Equal(t, 3, calls)
}

func TestAttemptStopsRetryingOnceSuccessful(t *testing.T) {
	policies := RetryPolicies{
		config.OpClassNonCritical: {MaxAttempts: 5, InitialBackoff: time.Millisecond, BackoffMultiple: 1},
	}
	calls := 0
	outcome, err := policies.Attempt(context.Background(), config.OpClassNonCritical, func(context.Context) (Outcome, error) {
		calls++
		if calls < 2 {
			return OutcomeTransportError, errors.New("transient")
		}
		return OutcomeSuccess, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 2, calls)
}

func TestAttemptSingleAttemptPolicyNeverRetries(t *testing.T) {
	policies := RetryPolicies{
		config.OpClassCritical: {MaxAttempts: 1},
	}
	calls := 0
	_, _ = policies.Attempt(context.Background(), config.OpClassCritical, func(context.Context) (Outcome, error) {
		calls++
		return OutcomeTransportError, errors.New("boom")
	})
	assert.Equal(t, 1, calls, "a MaxAttempts of 1 must call fn exactly once")
}
