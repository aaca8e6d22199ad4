package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradovate-relay/internal/config"
	"tradovate-relay/internal/execcoord"
	"tradovate-relay/internal/orders"
	"tradovate-relay/internal/router"
	"tradovate-relay/internal/startup"
	"tradovate-relay/internal/state"
	"tradovate-relay/internal/telemetry"
)

const testProtectedPort = 9333

func newTestServer() *Server {
	registries := state.New()
	registries.UpsertSession(state.Session{AccountID: "acct-1", Status: state.SessionReady})
	registries.UpsertInstance(state.BrowserInstance{AccountID: "acct-1", Port: 10001})
	registries.UpsertSession(state.Session{AccountID: "acct-protected", Status: state.SessionReady})
	registries.UpsertInstance(state.BrowserInstance{AccountID: "acct-protected", Port: testProtectedPort})

	monitor := startup.NewMonitor(config.StartupBudgets{}, zerolog.Nop(), nil)
	monitor.Register("acct-1", startup.ModeActive)

	rt := router.New(map[string][]string{
		"trend-break":    {"acct-1"},
		"protected-only":  {"acct-protected"},
	})

	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		return nil
	}
	coord := execcoord.New(submit, 2, zerolog.Nop())

	events := telemetry.NewLog(prometheus.NewRegistry(), time.Hour, zerolog.Nop())

	marketData := func(ctx context.Context, accountID, symbol string) (orders.MarketSnapshot, error) {
		return orders.MarketSnapshot{Bid: 5000.00, Ask: 5000.25}, nil
	}

	return New(registries, monitor, rt, coord, orders.Config{}, marketData, events, time.Second, testProtectedPort, zerolog.Nop())
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSignalRoutesThroughConfiguredAccounts(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(signalRequest{StrategyTag: "trend-break", Root: "ES", Side: "BUY"})
	req := httptest.NewRequest(http.MethodPost, "/api/signal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report execcoord.ExecutionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Accounts, 1)
	assert.Equal(t, "acct-1", report.Accounts[0].AccountID)
}

func TestHandleSignalUnroutedTagReturnsBadRequest(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(signalRequest{StrategyTag: "unmapped", Root: "ES", Side: "BUY"})
	req := httptest.NewRequest(http.MethodPost, "/api/signal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTradeUnknownAccountReturnsBadRequest(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(tradeRequest{Accounts: []string{"ghost"}, Root: "ES", Side: "BUY"})
	req := httptest.NewRequest(http.MethodPost, "/api/trade", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSignalOmitsProtectedPortAccountFromDispatch(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(signalRequest{StrategyTag: "protected-only", Root: "ES", Side: "BUY"})
	req := httptest.NewRequest(http.MethodPost, "/api/signal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var report execcoord.ExecutionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "acct-protected", report.Skipped[0].AccountID)
	assert.Equal(t, "PortProtected", report.Skipped[0].Reason)
	assert.Empty(t, report.Accounts, "a protected-port account must never reach the coordinator")
}

func TestHandleSignalFailsAccountOnMissingMarketDataSnapshot(t *testing.T) {
	s := newTestServer()
	s.marketData = func(ctx context.Context, accountID, symbol string) (orders.MarketSnapshot, error) {
		return orders.MarketSnapshot{}, assert.AnError
	}
	body, _ := json.Marshal(signalRequest{StrategyTag: "trend-break", Root: "ES", Side: "BUY"})
	req := httptest.NewRequest(http.MethodPost, "/api/signal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var report execcoord.ExecutionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Accounts, 1)
	require.Len(t, report.Accounts[0].Legs, 1)
	assert.Equal(t, execcoord.LegFailed, report.Accounts[0].Legs[0].Status, "a missing market-data snapshot must fail the account's execution, not submit a trade with stale data")
}

func TestHandleErrorsClear(t *testing.T) {
	s := newTestServer()
	s.events.Record(telemetry.Event{Type: "test"})

	req := httptest.NewRequest(http.MethodPost, "/api/errors/clear", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/errors", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}
