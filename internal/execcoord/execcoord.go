// Package execcoord implements the execution coordinator (C11):
// fan-out of one routed signal across its target accounts with
// bounded concurrency, causal entry -> take-profit -> stop-loss
// ordering within each account, ExecutionReport aggregation, and
// deadline-based partial completion. Grounded on the teacher's
// internal/amqp MessageHandler (per-type buffered channels, dedicated
// worker goroutines) for the fan-out shape, and
// internal/ledger.statsBroadcaster for periodic aggregation.
package execcoord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradovate-relay/internal/orders"
)

// LegStatus is the outcome of one order leg submission.
type LegStatus string

const (
	LegSubmitted LegStatus = "SUBMITTED"
	LegFailed    LegStatus = "FAILED"
	LegSkipped   LegStatus = "SKIPPED" // deadline hit, or an earlier leg for the account failed, before this leg could run
)

// LegResult records one leg's submission outcome for one account.
type LegResult struct {
	Leg    string
	Status LegStatus
	Err    string
}

// AccountExecution is one account's full leg sequence result.
type AccountExecution struct {
	AccountID string
	Legs      []LegResult
}

// SkippedAccount records an account that was routed to but never
// dispatched, along with why (e.g. its port is the protected port).
type SkippedAccount struct {
	AccountID string
	Reason    string
}

// ExecutionReport aggregates every target account's execution for one
// signal.
type ExecutionReport struct {
	ExecutionID string
	SignalID    string
	At          time.Time
	Accounts    []AccountExecution
	Skipped     []SkippedAccount // routed accounts never dispatched (e.g. PortProtected)
	Partial     bool             // true if the deadline was hit before every account finished
}

// SubmitFunc submits one order leg against accountID and returns an
// error on failure. The entry leg's caller passes the composed
// NormalizedOrderIntent; bracket legs pass the same intent so the
// submitter can read TakeProfit/StopLoss off it.
type SubmitFunc func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error

// ComposeFunc resolves a Signal into an account's own
// NormalizedOrderIntent, reading that account's live market-data
// snapshot through its session. Composition is per-account rather than
// once for the whole fan-out, since each account's session is the one
// with an authoritative bid/ask read.
type ComposeFunc func(ctx context.Context, accountID string) (orders.NormalizedOrderIntent, error)

// Coordinator fans a composed order out across accounts.
type Coordinator struct {
	submit      SubmitFunc
	concurrency int
	log         zerolog.Logger
}

// New builds a Coordinator bounded to concurrency simultaneous
// account executions.
func New(submit SubmitFunc, concurrency int, log zerolog.Logger) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{submit: submit, concurrency: concurrency, log: log.With().Str("component", "execcoord").Logger()}
}

// Execute composes and submits an order against every account in
// accounts, respecting deadline. compose is called once per account,
// immediately before that account's ENTRY leg, so each account trades
// against its own session's market-data snapshot rather than a single
// snapshot taken before fan-out. Within each account, legs run in
// causal order: ENTRY, then TAKE_PROFIT (if set), then STOP_LOSS (if
// set); a failed leg (including a failed compose) aborts the remaining
// legs for that account only, not other accounts. skipped carries
// accounts the caller already excluded from dispatch (e.g. a
// protected-port account filtered out before routing reached the
// coordinator); it is surfaced verbatim on the returned report.
func (c *Coordinator) Execute(ctx context.Context, signalID string, accounts []string, compose ComposeFunc, deadline time.Duration, skipped ...SkippedAccount) ExecutionReport {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sem := make(chan struct{}, c.concurrency)
	results := make([]AccountExecution, len(accounts))
	var wg sync.WaitGroup
	var partial bool
	var partialMu sync.Mutex

	for i, accountID := range accounts {
		wg.Add(1)
		go func(i int, accountID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cctx.Done():
				partialMu.Lock()
				partial = true
				partialMu.Unlock()
				results[i] = AccountExecution{AccountID: accountID, Legs: []LegResult{{Leg: "ENTRY", Status: LegSkipped}}}
				return
			}
			exec, hitDeadline := c.executeAccount(cctx, accountID, compose)
			if hitDeadline {
				partialMu.Lock()
				partial = true
				partialMu.Unlock()
			}
			results[i] = exec
		}(i, accountID)
	}
	wg.Wait()

	return ExecutionReport{
		ExecutionID: uuid.NewString(),
		SignalID:    signalID,
		At:          time.Now(),
		Accounts:    results,
		Skipped:     skipped,
		Partial:     partial,
	}
}

func (c *Coordinator) executeAccount(ctx context.Context, accountID string, compose ComposeFunc) (AccountExecution, bool) {
	exec := AccountExecution{AccountID: accountID}

	intent, err := compose(ctx, accountID)
	if err != nil {
		exec.Legs = append(exec.Legs, LegResult{Leg: "ENTRY", Status: LegFailed, Err: err.Error()})
		return exec, false
	}

	legs := []string{"ENTRY"}
	if intent.TakeProfit != nil {
		legs = append(legs, "TAKE_PROFIT")
	}
	if intent.StopLoss != nil {
		legs = append(legs, "STOP_LOSS")
	}

	hitDeadline := false
	aborted := false
	for _, leg := range legs {
		if aborted {
			exec.Legs = append(exec.Legs, LegResult{Leg: leg, Status: LegSkipped})
			continue
		}
		select {
		case <-ctx.Done():
			hitDeadline = true
			aborted = true
			exec.Legs = append(exec.Legs, LegResult{Leg: leg, Status: LegSkipped})
			continue
		default:
		}
		if err := c.submit(ctx, accountID, intent, leg); err != nil {
			exec.Legs = append(exec.Legs, LegResult{Leg: leg, Status: LegFailed, Err: err.Error()})
			aborted = true
			continue
		}
		exec.Legs = append(exec.Legs, LegResult{Leg: leg, Status: LegSubmitted})
	}
	return exec, hitDeadline
}
