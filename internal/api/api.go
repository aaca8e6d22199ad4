// Package api implements the control surface (C12): health, error
// inspection, signal submission, startup-monitoring inspection and
// control, and direct trade submission. Routing style (path params,
// method-gated handlers, JSON request/response structs) is grounded on
// cenayang-market/go-orchestrator's handler shape, retargeted to an
// actual gorilla/mux router per the domain-stack decision to carry
// that dependency forward from the rest of the pack.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tradovate-relay/internal/execcoord"
	"tradovate-relay/internal/orders"
	"tradovate-relay/internal/router"
	"tradovate-relay/internal/startup"
	"tradovate-relay/internal/state"
	"tradovate-relay/internal/telemetry"
)

// MarketDataFunc reads the live bid/ask for symbol through accountID's
// session. Wired from main.go as session.Manager.GetMarketData, kept
// as a narrow function type here so this package never needs to
// import internal/session directly.
type MarketDataFunc func(ctx context.Context, accountID, symbol string) (orders.MarketSnapshot, error)

// Server wires the control surface's handlers to the relay's
// subsystems.
type Server struct {
	registries    *state.Registries
	monitor       *startup.Monitor
	router        *router.Router
	coord         *execcoord.Coordinator
	orderCfg      orders.Config
	marketData    MarketDataFunc
	events        *telemetry.Log
	log           zerolog.Logger
	deadline      time.Duration
	startedAt     time.Time
	protectedPort int
}

// New builds the control surface Server. protectedPort is the
// supervisor's reserved port: any routed account bound to it is
// filtered out of dispatch and reported under the response's
// "skipped" list rather than ever reaching the execution coordinator.
// marketData reads the live bid/ask an account's session observes;
// every order composed through this Server reads one of these
// snapshots rather than trusting caller-supplied prices.
func New(registries *state.Registries, monitor *startup.Monitor, rt *router.Router, coord *execcoord.Coordinator, orderCfg orders.Config, marketData MarketDataFunc, events *telemetry.Log, deadline time.Duration, protectedPort int, log zerolog.Logger) *Server {
	return &Server{
		registries:    registries,
		monitor:       monitor,
		router:        rt,
		coord:         coord,
		orderCfg:      orderCfg,
		marketData:    marketData,
		events:        events,
		deadline:      deadline,
		protectedPort: protectedPort,
		log:           log.With().Str("component", "api").Logger(),
		startedAt:     time.Now(),
	}
}

// composeFor builds a per-account execcoord.ComposeFunc for sig: each
// account reads its own market-data snapshot via marketData before
// orders.Compose resolves the final intent (§4.10). A missing snapshot
// fails only that account's execution, not the whole fan-out.
func (s *Server) composeFor(sig orders.Signal) execcoord.ComposeFunc {
	return func(ctx context.Context, accountID string) (orders.NormalizedOrderIntent, error) {
		snapshot, err := s.marketData(ctx, accountID, sig.Root)
		if err != nil {
			return orders.NormalizedOrderIntent{}, err
		}
		return orders.Compose(sig, s.orderCfg, snapshot, time.Now())
	}
}

// filterProtectedPort splits accounts into the ones safe to dispatch
// and the ones bound to the protected port, which must never be
// reached by the execution coordinator (invariant #1).
func (s *Server) filterProtectedPort(accounts []string) (dispatch []string, skipped []execcoord.SkippedAccount) {
	for _, accountID := range accounts {
		if inst, ok := s.registries.Instance(accountID); ok && inst.Port == s.protectedPort {
			skipped = append(skipped, execcoord.SkippedAccount{AccountID: accountID, Reason: "PortProtected"})
			continue
		}
		dispatch = append(dispatch, accountID)
	}
	return dispatch, skipped
}

// Router builds the gorilla/mux router exposing every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/errors", s.handleListErrors).Methods(http.MethodGet)
	r.HandleFunc("/api/errors/clear", s.handleClearErrors).Methods(http.MethodPost)
	r.HandleFunc("/api/signal", s.handleSignal).Methods(http.MethodPost)
	r.HandleFunc("/api/startup-monitoring", s.handleStartupMonitoring).Methods(http.MethodGet)
	r.HandleFunc("/api/startup-monitoring/control", s.handleStartupControl).Methods(http.MethodPost)
	r.HandleFunc("/api/trade", s.handleTrade).Methods(http.MethodPost)
	r.Use(corsMiddleware)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sessionHealth is one entry of the health response's sessions array.
type sessionHealth struct {
	Account  string            `json:"account"`
	Phase    string            `json:"phase"`
	LastSeen time.Time         `json:"last_seen"`
	Circuits map[string]string `json:"circuits"`
}

// healthResponse matches the control surface's documented health
// shape: an overall score/status/uptime, an error summary and rate
// breakdown drawn from telemetry, and per-session phase/circuit state.
type healthResponse struct {
	SystemHealth struct {
		Score         int    `json:"score"`
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	} `json:"system_health"`
	ErrorSummary struct {
		Total      int                        `json:"total"`
		BySeverity map[telemetry.Severity]int `json:"by_severity"`
		ByCategory map[string]int             `json:"by_category"`
	} `json:"error_summary"`
	ErrorRates map[telemetry.Severity]float64 `json:"error_rates"`
	Sessions   []sessionHealth                `json:"sessions"`
}

// healthWindow bounds how far back the error summary driving the
// health score looks.
const healthWindow = 15 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.registries.Sessions()
	breakers := s.registries.Breakers()
	byTab := make(map[string]map[string]string)
	for _, b := range breakers {
		if byTab[b.TabID] == nil {
			byTab[b.TabID] = make(map[string]string)
		}
		byTab[b.TabID][b.OpClass] = string(b.State)
	}

	sum := s.events.Summarize(healthWindow)
	score := telemetry.Score(sum)

	var resp healthResponse
	resp.SystemHealth.Score = score
	resp.SystemHealth.Status = telemetry.StatusForScore(score)
	resp.SystemHealth.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	resp.ErrorSummary.Total = sum.Total
	resp.ErrorSummary.BySeverity = sum.BySeverity
	resp.ErrorSummary.ByCategory = sum.ByCategory
	resp.ErrorRates = make(map[telemetry.Severity]float64, len(sum.BySeverity))
	windowMinutes := healthWindow.Minutes()
	for sev, n := range sum.BySeverity {
		resp.ErrorRates[sev] = float64(n) / windowMinutes
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sessionHealth{
			Account:  sess.AccountID,
			Phase:    string(sess.Status),
			LastSeen: sess.EnteredAt,
			Circuits: byTab[sess.TabID],
		})
	}

	code := http.StatusOK
	if resp.SystemHealth.Status == "CRITICAL" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	var window time.Duration
	if mins := r.URL.Query().Get("window"); mins != "" {
		if n, err := strconv.Atoi(mins); err == nil && n > 0 {
			window = time.Duration(n) * time.Minute
		}
	}
	events := s.events.EventsWindow(category, window)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

type clearErrorsRequest struct {
	Hours float64 `json:"hours"`
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	var req clearErrorsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	remaining := s.events.Clear(time.Duration(req.Hours * float64(time.Hour)))
	writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

// signalRequest is the inbound webhook-shaped trading instruction. It
// carries no bid/ask: those are always read fresh from the dispatched
// account's own session (§4.10), never trusted from the caller.
type signalRequest struct {
	StrategyTag  string   `json:"strategy_tag"`
	Root         string   `json:"root"`
	Side         string   `json:"side"`
	Quantity     int      `json:"quantity"`
	EntryPrice   float64  `json:"entry_price"`
	OrderType    string   `json:"order_type"`
	TakeProfit   *float64 `json:"take_profit"`
	StopLoss     *float64 `json:"stop_loss"`
	EnableTP     *bool    `json:"enable_tp"`
	EnableSL     *bool    `json:"enable_sl"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed signal payload: " + err.Error()})
		return
	}

	accounts, err := s.router.Route(req.StrategyTag)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sig := orders.Signal{
		StrategyTag:  req.StrategyTag,
		Root:         req.Root,
		Side:         orders.Side(req.Side),
		Quantity:     req.Quantity,
		EntryPrice:   req.EntryPrice,
		ExplicitType: orders.OrderType(req.OrderType),
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
		EnableTP:     req.EnableTP,
		EnableSL:     req.EnableSL,
	}

	dispatch, skipped := s.filterProtectedPort(accounts)
	if len(dispatch) == 0 && len(skipped) > 0 {
		writeJSON(w, http.StatusConflict, execcoord.ExecutionReport{SignalID: req.StrategyTag, Skipped: skipped})
		return
	}

	report := s.coord.Execute(r.Context(), req.StrategyTag, dispatch, s.composeFor(sig), s.deadline, skipped...)
	status := http.StatusOK
	if report.Partial {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStartupMonitoring(w http.ResponseWriter, r *http.Request) {
	sessions := s.registries.Sessions()
	phases := make(map[string]string, len(sessions))
	for _, sess := range sessions {
		if phase, ok := s.monitor.Phase(sess.AccountID); ok {
			phases[sess.AccountID] = string(phase)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"phases": phases})
}

type startupControlRequest struct {
	AccountID string `json:"account_id"`
	Mode      string `json:"mode"`
}

func (s *Server) handleStartupControl(w http.ResponseWriter, r *http.Request) {
	var req startupControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed control payload: " + err.Error()})
		return
	}
	switch req.Mode {
	case string(startup.ModeDisabled), string(startup.ModePassive), string(startup.ModeActive):
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid mode"})
		return
	}
	s.monitor.Register(req.AccountID, startup.Mode(req.Mode))
	w.WriteHeader(http.StatusNoContent)
}

// tradeRequest is a direct, out-of-band trade submission, bypassing
// the strategy router and targeting an explicit account set.
type tradeRequest struct {
	Accounts   []string `json:"accounts"`
	Root       string   `json:"root"`
	Side       string   `json:"side"`
	Quantity   int      `json:"quantity"`
	EntryPrice float64  `json:"entry_price"`
	OrderType  string   `json:"order_type"`
	TakeProfit *float64 `json:"take_profit"`
	StopLoss   *float64 `json:"stop_loss"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed trade payload: " + err.Error()})
		return
	}
	if len(req.Accounts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "accounts is required for a direct trade"})
		return
	}
	for _, accountID := range req.Accounts {
		if _, ok := s.registries.Session(accountID); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown account: " + accountID})
			return
		}
	}

	sig := orders.Signal{
		Root:         req.Root,
		Side:         orders.Side(req.Side),
		Quantity:     req.Quantity,
		EntryPrice:   req.EntryPrice,
		ExplicitType: orders.OrderType(req.OrderType),
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
	}

	dispatch, skipped := s.filterProtectedPort(req.Accounts)
	ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
	defer cancel()
	report := s.coord.Execute(ctx, "direct-trade", dispatch, s.composeFor(sig), s.deadline, skipped...)
	writeJSON(w, http.StatusOK, report)
}
