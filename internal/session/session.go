// Package session implements the account session (C8): the binding
// of an account identity to a ready, script-injected tab, the
// serialization of CRITICAL operations so at most one is in flight per
// account at a time while IMPORTANT and NON_CRITICAL operations on the
// same session proceed concurrently, and the typed page-driver
// operations (§4.8/§6.2) every caller invokes instead of talking to
// cdp.Evaluator directly: placing a bracket, exiting a position,
// updating the watched symbol, reading the account table, reading the
// console log, and reading a market-data snapshot. The per-account
// worker bookkeeping is adapted from the teacher's internal/strategy
// Engine (keyed map of running workers, Start/Stop), generalized from
// per-strategy-run workers to per-account-session workers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradovate-relay/internal/cdp"
	"tradovate-relay/internal/config"
	"tradovate-relay/internal/orders"
	"tradovate-relay/internal/state"
)

// ErrSessionBusy is returned when a CRITICAL operation is requested
// against a session that already has one in flight.
var ErrSessionBusy = fmt.Errorf("session: a critical operation is already in flight")

// ErrSessionNotReady is returned when an operation is requested
// against a session that hasn't reached READY.
var ErrSessionNotReady = fmt.Errorf("session: account session is not ready")

// ErrScriptsStale is returned when a typed operation is attempted
// against a tab whose injected page-script version doesn't match the
// version this Manager was built against (§3: "a tab is attached iff
// injected_scripts_version == current_page_script_version").
var ErrScriptsStale = fmt.Errorf("session: tab's injected scripts are stale")

// Result is a completed operation's outcome.
type Result struct {
	Value interface{}
	Err   error
}

// Manager owns the registered worker binding for every account
// session, mirroring the teacher's Engine.runs map.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*worker
	registries    *state.Registries
	evaluator     *cdp.Evaluator
	scriptVersion string
	log           zerolog.Logger
}

type worker struct {
	accountID string
	tabID     string
}

// NewManager builds a session Manager. evaluator is used by the typed
// page-driver methods (PlaceBracket, ExitPosition, etc); scriptVersion
// is the page-script content hash every bound tab must carry before a
// typed operation is allowed to run against it.
func NewManager(registries *state.Registries, evaluator *cdp.Evaluator, scriptVersion string, log zerolog.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]*worker),
		registries:    registries,
		evaluator:     evaluator,
		scriptVersion: scriptVersion,
		log:           log.With().Str("component", "session").Logger(),
	}
}

// Start binds accountID to tabID and marks the session READY in the
// registry.
func (m *Manager) Start(accountID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[accountID]; exists {
		return
	}
	m.sessions[accountID] = &worker{accountID: accountID, tabID: tabID}

	m.registries.UpsertSession(state.Session{
		AccountID: accountID,
		TabID:     tabID,
		Status:    state.SessionReady,
	})
}

// Stop tears down accountID's session binding.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, accountID)
}

// Submit runs run against accountID's bound tab under opClass's
// concurrency rule. For CRITICAL operations, Submit first claims the
// session's in-flight slot via the registry; if another CRITICAL op is
// already running it returns ErrSessionBusy immediately rather than
// queuing behind it. IMPORTANT and NON_CRITICAL operations carry no
// such exclusion and may run concurrently with each other and with the
// session's in-flight CRITICAL op. run always executes to completion
// even if ctx is cancelled first (trading side effects are not rolled
// back once submitted); a cancelled caller simply stops waiting on the
// result.
func (m *Manager) Submit(ctx context.Context, accountID string, opClass config.OpClass, run func(ctx context.Context, tabID string) (interface{}, error)) (interface{}, error) {
	m.mu.Lock()
	w, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotReady
	}

	critical := opClass == config.OpClassCritical
	if critical {
		if !m.registries.TrySetInFlight(accountID) {
			return nil, ErrSessionBusy
		}
	}

	id := uuid.NewString()
	resultCh := make(chan Result, 1)
	go func() {
		// The in-flight slot must not clear until run actually finishes,
		// not when Submit returns early on ctx cancellation — otherwise a
		// second CRITICAL op could be admitted while this one is still
		// executing in the background, breaking the one-in-flight
		// invariant on the exact deadline-cancellation path spec.md §5
		// calls out.
		value, err := run(context.Background(), w.tabID)
		if critical {
			m.registries.ClearInFlight(accountID)
		}
		resultCh <- Result{Value: value, Err: err}
	}()

	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		m.log.Debug().Str("account", accountID).Str("op", id).Msg("caller gave up waiting, op continues in background")
		return nil, ctx.Err()
	}
}

// TabFor returns the tab id currently bound to accountID's session.
func (m *Manager) TabFor(accountID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[accountID]
	if !ok {
		return "", false
	}
	return w.tabID, true
}

// requireAttached enforces §3's attachment invariant: a tab is
// attached iff its registry-recorded ScriptHash matches the version
// this Manager was built against. An empty scriptVersion (no version
// configured) treats every tab as attached, so tests and
// single-binary deployments that never set scriptVersion are
// unaffected.
func (m *Manager) requireAttached(tabID string) error {
	if m.scriptVersion == "" {
		return nil
	}
	tab, ok := m.registries.Tab(tabID)
	if !ok || tab.ScriptHash != m.scriptVersion {
		return fmt.Errorf("%w: tab=%s", ErrScriptsStale, tabID)
	}
	return nil
}

// invoke wraps the common path every typed page-driver call shares:
// verify attachment, submit under opClass, evaluate expression, and
// classify the result against expectedType.
func (m *Manager) invoke(ctx context.Context, accountID string, opClass config.OpClass, expression, expectedType string) (interface{}, error) {
	tabID, ok := m.TabFor(accountID)
	if !ok {
		return nil, ErrSessionNotReady
	}
	if err := m.requireAttached(tabID); err != nil {
		return nil, err
	}
	return m.Submit(ctx, accountID, opClass, func(ctx context.Context, tabID string) (interface{}, error) {
		outcome, value, err := m.evaluator.Eval(ctx, tabID, opClass, expression, expectedType)
		if err != nil {
			return nil, err
		}
		if outcome != cdp.OutcomeSuccess {
			return nil, fmt.Errorf("session: %s returned outcome %s", expression, outcome)
		}
		return value, nil
	})
}

// PlaceBracket submits intent's entry order, along with its
// contingent take-profit/stop-loss bracket, via the page driver's
// autoTrade function (§6.2, a CRITICAL op). The bracket legs are
// passed as absolute prices rather than tick offsets: the composer
// already resolved them against the market snapshot at signal time
// (§4.10), and re-deriving tick offsets here would let a moving market
// silently re-base them.
func (m *Manager) PlaceBracket(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent) (interface{}, error) {
	return m.invoke(ctx, accountID, config.OpClassCritical, buildAutoTradeJS(intent), "")
}

// ExitPosition closes an open position in symbol via the page driver's
// clickExitForSymbol function (§6.2, a CRITICAL op). actionAlias names
// the exit action the page exposes for this symbol (e.g. "Exit Market",
// "Cancel/Flatten").
func (m *Manager) ExitPosition(ctx context.Context, accountID, symbol, actionAlias string) (interface{}, error) {
	expr := fmt.Sprintf("clickExitForSymbol(%s, %s)", jsString(symbol), jsString(actionAlias))
	return m.invoke(ctx, accountID, config.OpClassCritical, expr, "")
}

// UpdateSymbol changes the watched/active symbol selector on the page
// via the page driver's updateSymbol function (§6.2, an IMPORTANT op).
func (m *Manager) UpdateSymbol(ctx context.Context, accountID, selector, value string) (interface{}, error) {
	expr := fmt.Sprintf("updateSymbol(%s, %s)", jsString(selector), jsString(value))
	return m.invoke(ctx, accountID, config.OpClassImportant, expr, "")
}

// GetMarketData reads the current bid/ask for symbol from the page
// driver's getMarketData function (§6.2, an IMPORTANT op) and returns
// it as an orders.MarketSnapshot. A missing or malformed snapshot is a
// hard error (§4.10): callers must never fall back to stale or
// caller-supplied prices.
func (m *Manager) GetMarketData(ctx context.Context, accountID, symbol string) (orders.MarketSnapshot, error) {
	expr := fmt.Sprintf("getMarketData(%s)", jsString(symbol))
	value, err := m.invoke(ctx, accountID, config.OpClassImportant, expr, "object")
	if err != nil {
		return orders.MarketSnapshot{}, fmt.Errorf("session: market data snapshot for %s: %w", symbol, err)
	}
	snapshot, err := decodeMarketSnapshot(value)
	if err != nil {
		return orders.MarketSnapshot{}, fmt.Errorf("session: market data snapshot for %s: %w", symbol, err)
	}
	return snapshot, nil
}

// decodeMarketSnapshot converts getMarketData's {bidPrice, offerPrice}
// shape, as returned through the JSON round trip of Runtime.evaluate's
// returnByValue result, into an orders.MarketSnapshot.
func decodeMarketSnapshot(value interface{}) (orders.MarketSnapshot, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return orders.MarketSnapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	var decoded struct {
		BidPrice   float64 `json:"bidPrice"`
		OfferPrice float64 `json:"offerPrice"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return orders.MarketSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if decoded.BidPrice <= 0 || decoded.OfferPrice <= 0 {
		return orders.MarketSnapshot{}, fmt.Errorf("missing bid/ask in snapshot")
	}
	return orders.MarketSnapshot{Bid: decoded.BidPrice, Ask: decoded.OfferPrice}, nil
}

// ReadAccountTable reads the page driver's rendered account summary
// table via its getAccountTable function (§6.2, an IMPORTANT op).
func (m *Manager) ReadAccountTable(ctx context.Context, accountID string) (interface{}, error) {
	return m.invoke(ctx, accountID, config.OpClassImportant, "getAccountTable()", "object")
}

// ReadConsoleLog reads the page driver's injected console-buffer
// variable (§6.2, a NON_CRITICAL op): a best-effort diagnostic read
// that never blocks a CRITICAL op and is never retried beyond its
// single NON_CRITICAL attempt.
func (m *Manager) ReadConsoleLog(ctx context.Context, accountID string) (interface{}, error) {
	return m.invoke(ctx, accountID, config.OpClassNonCritical, "window.__relayConsoleBuffer", "")
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// buildAutoTradeJS renders the page driver's autoTrade call (§6.2) for
// intent.
func buildAutoTradeJS(intent orders.NormalizedOrderIntent) string {
	action := "Buy"
	if intent.Side == orders.SideSell {
		action = "Sell"
	}
	tp := "null"
	if intent.TakeProfit != nil {
		tp = fmt.Sprintf("%.*f", intent.Precision, *intent.TakeProfit)
	}
	sl := "null"
	if intent.StopLoss != nil {
		sl = fmt.Sprintf("%.*f", intent.Precision, *intent.StopLoss)
	}
	entry := "null"
	if intent.OrderType != orders.OrderMarket {
		entry = fmt.Sprintf("%.*f", intent.Precision, intent.EntryPrice)
	}
	return fmt.Sprintf(
		"autoTrade(%q, %d, %q, %s, %s, %g, %q, %s)",
		intent.Symbol, intent.Quantity, action, tp, sl, intent.TickSize, string(intent.OrderType), entry,
	)
}
