package execcoord

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradovate-relay/internal/orders"
)

func tpPtr(v float64) *float64 { return &v }

func composeFixed(intent orders.NormalizedOrderIntent) ComposeFunc {
	return func(ctx context.Context, accountID string) (orders.NormalizedOrderIntent, error) {
		return intent, nil
	}
}

func TestExecuteRunsLegsInCausalOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		mu.Lock()
		seen = append(seen, leg)
		mu.Unlock()
		return nil
	}
	c := New(submit, 4, zerolog.Nop())
	intent := orders.NormalizedOrderIntent{Symbol: "ESM6", TakeProfit: tpPtr(1), StopLoss: tpPtr(2)}

	report := c.Execute(context.Background(), "sig-1", []string{"acct-1"}, composeFixed(intent), time.Second)

	require.Len(t, report.Accounts, 1)
	gotLegs := make([]string, len(report.Accounts[0].Legs))
	for i, l := range report.Accounts[0].Legs {
		gotLegs[i] = l.Leg
	}
	assert.Equal(t, []string{"ENTRY", "TAKE_PROFIT", "STOP_LOSS"}, gotLegs)
	assert.Equal(t, []string{"ENTRY", "TAKE_PROFIT", "STOP_LOSS"}, seen)
}

func TestExecuteAbortsRemainingLegsOnFailure(t *testing.T) {
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		if leg == "ENTRY" {
			return fmt.Errorf("rejected")
		}
		return nil
	}
	c := New(submit, 4, zerolog.Nop())
	intent := orders.NormalizedOrderIntent{Symbol: "ESM6", TakeProfit: tpPtr(1), StopLoss: tpPtr(2)}

	report := c.Execute(context.Background(), "sig-1", []string{"acct-1"}, composeFixed(intent), time.Second)

	legs := report.Accounts[0].Legs
	require.Len(t, legs, 3)
	assert.Equal(t, LegFailed, legs[0].Status)
	assert.Equal(t, LegSkipped, legs[1].Status)
	assert.Equal(t, LegSkipped, legs[2].Status)
}

func TestExecuteIsolatesFailureToOneAccount(t *testing.T) {
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		if accountID == "acct-bad" {
			return fmt.Errorf("rejected")
		}
		return nil
	}
	c := New(submit, 4, zerolog.Nop())
	intent := orders.NormalizedOrderIntent{Symbol: "ESM6"}

	report := c.Execute(context.Background(), "sig-1", []string{"acct-bad", "acct-good"}, composeFixed(intent), time.Second)

	byAccount := map[string]AccountExecution{}
	for _, a := range report.Accounts {
		byAccount[a.AccountID] = a
	}
	assert.Equal(t, LegFailed, byAccount["acct-bad"].Legs[0].Status)
	assert.Equal(t, LegSubmitted, byAccount["acct-good"].Legs[0].Status)
}

func TestExecuteMarksPartialOnDeadline(t *testing.T) {
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	c := New(submit, 1, zerolog.Nop())
	intent := orders.NormalizedOrderIntent{Symbol: "ESM6"}

	report := c.Execute(context.Background(), "sig-1", []string{"acct-1", "acct-2", "acct-3"}, composeFixed(intent), 10*time.Millisecond)
	assert.True(t, report.Partial)
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	c := New(submit, 2, zerolog.Nop())
	accounts := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	c.Execute(context.Background(), "sig-1", accounts, composeFixed(orders.NormalizedOrderIntent{Symbol: "ESM6"}), time.Second)

	assert.LessOrEqual(t, maxInFlight, 2)
}

func TestExecuteAbortsAccountOnComposeFailure(t *testing.T) {
	submitCalled := false
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		submitCalled = true
		return nil
	}
	c := New(submit, 4, zerolog.Nop())
	compose := func(ctx context.Context, accountID string) (orders.NormalizedOrderIntent, error) {
		return orders.NormalizedOrderIntent{}, fmt.Errorf("missing market data snapshot")
	}

	report := c.Execute(context.Background(), "sig-1", []string{"acct-1"}, compose, time.Second)

	require.Len(t, report.Accounts[0].Legs, 1)
	assert.Equal(t, LegFailed, report.Accounts[0].Legs[0].Status)
	assert.False(t, submitCalled, "a failed compose must never reach submit")
}
