// Command relay is the daemon entry point: it wires configuration,
// the shared state registries, the process supervisor, the startup
// monitor, account sessions, the signal router, the order composer,
// the execution coordinator, the per-account queue, persistence,
// telemetry, and the HTTP control surface together, then waits for a
// shutdown signal. Wiring order and signal-handling shutdown sequence
// are grounded on the teacher's cmd/trading-system/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradovate-relay/internal/api"
	"tradovate-relay/internal/cdp"
	"tradovate-relay/internal/config"
	"tradovate-relay/internal/execcoord"
	"tradovate-relay/internal/orders"
	"tradovate-relay/internal/persistence"
	"tradovate-relay/internal/queue"
	"tradovate-relay/internal/router"
	"tradovate-relay/internal/scripts"
	"tradovate-relay/internal/session"
	"tradovate-relay/internal/startup"
	"tradovate-relay/internal/state"
	"tradovate-relay/internal/supervisor"
	"tradovate-relay/internal/telemetry"
	"tradovate-relay/internal/wsstatus"
)

// tabTransports resolves an account id (doubling as its tab id, since
// this relay keeps exactly one driven tab per account) to the live
// cdp.Transport dialed against its DevTools endpoint.
type tabTransports struct {
	mu    sync.RWMutex
	byTab map[string]*cdp.Transport
}

func newTabTransports() *tabTransports { return &tabTransports{byTab: make(map[string]*cdp.Transport)} }

func (t *tabTransports) set(tabID string, tr *cdp.Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTab[tabID] = tr
}

func (t *tabTransports) resolve(tabID string) (*cdp.Transport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.byTab[tabID]
	if !ok {
		return nil, fmt.Errorf("cdp: no transport dialed for tab %s", tabID)
	}
	return tr, nil
}

// accountSnapshotState is the bit of per-account state the recovery
// snapshot needs that isn't already sitting in the registries: the
// last symbol and signal id seen in a bracket_leg_logged event for the
// account. Those events come only from the AMQP audit queue's consumer,
// and the legs the submit path publishes carry no signal id, so
// lastSignalID is set only when a restored snapshot already held one.
type accountSnapshotState struct {
	lastSymbol   string
	lastSignalID string
}

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the relay's YAML configuration")
	dotenvPath := flag.String("dotenv", ".env", "path to the dotenv overlay (protected port, secrets)")
	snapshotPath := flag.String("snapshot", "relay-snapshot.json", "path to the recovery snapshot file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath, *dotenvPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(2)
	}

	registries := state.New()

	reg := prometheus.NewRegistry()
	events := telemetry.NewLog(reg, 24*time.Hour, log)

	accountPorts := make(map[string]int)
	accountModes := make(map[string]startup.Mode)
	for _, acct := range cfg.Accounts {
		accountPorts[acct.AccountID] = acct.Port
		accountModes[acct.AccountID] = startup.Mode(acct.Mode)
	}

	chromeBinary := envOr("RELAY_CHROME_BINARY", "/usr/bin/google-chrome")
	userDataDirBase := envOr("RELAY_CHROME_USER_DATA_DIR", "/tmp/relay-chrome-profiles")
	sup := supervisor.New(registries, cfg.ProtectedPort, supervisor.NewLsofPortLister(), supervisor.NewExecKiller(), supervisor.NewChromeLauncher(chromeBinary, userDataDirBase), cfg.RestartWindow.MaxAttempts, cfg.RestartWindow.Window, log)

	// stop is closed on shutdown to end the dashboard hub's Run loop and
	// the background sweepers started further down.
	stop := make(chan struct{})

	var auditLog *persistence.AuditLog
	if cfg.PostgresDSN != "" {
		if al, err := persistence.NewAuditLog(context.Background(), cfg.PostgresDSN); err != nil {
			log.Error().Err(err).Msg("failed to connect audit log, continuing without it")
		} else {
			auditLog = al
			defer al.Close()
		}
	}

	var fanout *telemetry.Fanout
	if cfg.NATSUrl != "" {
		if f, err := telemetry.NewFanout(cfg.NATSUrl, "relay.events", log); err != nil {
			log.Error().Err(err).Msg("failed to connect telemetry fanout, continuing without it")
		} else {
			fanout = f
			defer f.Close()
		}
	}

	hub := wsstatus.NewHub(log)

	var snapMu sync.Mutex
	snapState := make(map[string]*accountSnapshotState)

	// writeSnapshot renders the registries' current sessions and
	// circuit state, plus the last symbol/signal each account traded,
	// into the recovery snapshot on disk. WriteAtomic's temp-file-plus-
	// rename means a crash mid-write never corrupts the file a restart
	// reads back.
	writeSnapshot := func() {
		snap := persistence.SessionSnapshot{TakenAt: time.Now(), Entries: map[string]persistence.SnapshotEntry{}}
		snapMu.Lock()
		extra := make(map[string]accountSnapshotState, len(snapState))
		for k, v := range snapState {
			extra[k] = *v
		}
		snapMu.Unlock()

		for _, s := range registries.Sessions() {
			entry := persistence.SnapshotEntry{
				TabID:  s.TabID,
				Status: string(s.Status),
				Mode:   s.Mode,
			}
			if e, ok := extra[s.AccountID]; ok {
				entry.LastSymbol = e.lastSymbol
				entry.LastSignalID = e.lastSignalID
			}
			circuits := make(map[string]string, 3)
			for _, opClass := range []config.OpClass{config.OpClassCritical, config.OpClassImportant, config.OpClassNonCritical} {
				rec := registries.Breaker(s.TabID, string(opClass))
				circuits[string(opClass)] = string(rec.State)
			}
			entry.Circuits = circuits
			snap.Entries[s.AccountID] = entry
		}
		if err := persistence.WriteAtomic(*snapshotPath, snap); err != nil {
			log.Warn().Err(err).Msg("failed to write recovery snapshot")
		}
	}

	// record is the single fan-out point every operational event passes
	// through: the in-memory ring buffer the control surface reads,
	// the optional Postgres audit trail, the optional NATS fanout for
	// external subscribers, the dashboard websocket hub, and the
	// recovery snapshot on disk.
	record := func(e telemetry.Event) {
		events.Record(e)

		if e.Type == "bracket_leg_logged" {
			symbol, _ := e.Detail["symbol"].(string)
			signalID, _ := e.Detail["signal"].(string)
			if symbol != "" || signalID != "" {
				snapMu.Lock()
				st, ok := snapState[e.AccountID]
				if !ok {
					st = &accountSnapshotState{}
					snapState[e.AccountID] = st
				}
				if symbol != "" {
					st.lastSymbol = symbol
				}
				if signalID != "" {
					st.lastSignalID = signalID
				}
				snapMu.Unlock()
			}
		}

		if auditLog != nil {
			detail, _ := json.Marshal(e.Detail)
			if err := auditLog.LogEvent(context.Background(), e.AccountID, e.Type, detail); err != nil {
				log.Warn().Err(err).Msg("failed to write audit log entry")
			}
		}
		if fanout != nil {
			if err := fanout.Publish(e); err != nil {
				log.Warn().Err(err).Msg("failed to publish telemetry fanout event")
			}
		}
		hub.Broadcast(wsstatus.StatusDoc{Kind: e.Type, At: e.At, Payload: e})
		writeSnapshot()
	}

	// monitor is declared before assignment because its onEvent callback
	// closes over it: a FAILED transition on an ACTIVE-mode account
	// drives a restart through the supervisor and re-registers the
	// account for a fresh startup run; a PASSIVE-mode account only
	// observes the same failure via telemetry and is never restarted.
	var monitor *startup.Monitor
	var transports *tabTransports
	var evaluator *cdp.Evaluator
	var healthProbe *cdp.HealthProbe
	var sessions *session.Manager
	var bundle scripts.Bundle
	monitor = startup.NewMonitor(cfg.StartupBudgets, log, func(e startup.Event) {
		record(telemetry.Event{
			At: e.At, AccountID: e.AccountID, Type: "startup_phase",
			Detail: map[string]interface{}{"from": e.From, "to": e.To, "soft": e.Soft, "reason": e.Reason},
		})
		if e.To != startup.PhaseFailed || accountModes[e.AccountID] != startup.ModeActive {
			return
		}
		go func(accountID string) {
			port := accountPorts[accountID]
			log.Warn().Str("account", accountID).Msg("startup failed in ACTIVE mode, attempting restart")
			wsEndpoint, err := sup.Restart(accountID, port)
			if err != nil {
				log.Error().Err(err).Str("account", accountID).Msg("restart attempt failed or exceeded the restart window")
				record(telemetry.Event{AccountID: accountID, Type: "restart_failed", Detail: map[string]interface{}{"error": err.Error()}})
				return
			}
			record(telemetry.Event{AccountID: accountID, Type: "restart_attempted"})
			monitor.Register(accountID, accountModes[accountID])
			driveStartup(accountID, wsEndpoint, bundle, monitor, transports, evaluator, healthProbe, sessions, registries, record, log)
		}(e.AccountID)
	})

	transports = newTabTransports()
	breaker := cdp.NewBreaker(registries, toCircuitPolicies(cfg.CircuitPolicies))
	evaluator = cdp.NewEvaluator(transports.resolve, cdp.RetryPolicies(cfg.RetryPolicies), breaker)
	healthProbe = cdp.NewHealthProbe(evaluator, cfg.TradingHost, cfg.RequiredPageFunctions, cfg.LoginPathHints, cfg.HealthProbeInterval, cfg.HealthProbeTimeout)

	bundle, err = scripts.Load(context.Background(), cfg.ScriptBundleLocation)
	if err != nil {
		log.Error().Err(err).Msg("failed to load page script bundle; tabs will come up without injected scripts")
	}

	sessions = session.NewManager(registries, evaluator, bundle.Hash, log)
	rt := router.New(cfg.StrategyRouting)

	orderCfg := orders.Config{
		DefaultEnableTP: cfg.DefaultEnableTP,
		DefaultEnableSL: cfg.DefaultEnableSL,
	}

	// The per-account AMQP queue is an audit-trail sink, not the
	// execution path: the entry leg's CDP call must return its outcome
	// synchronously to the execution coordinator, which a fire-and-
	// forget publish cannot give us. Every dispatched leg is still
	// published to its account's queue so an external consumer (or a
	// future crash-recovery replay) has a durable record independent of
	// the in-memory ExecutionReport.
	var publisher *queue.Publisher
	if cfg.AMQPURL != "" {
		if bus, err := queue.Connect(cfg.AMQPURL, log); err != nil {
			log.Error().Err(err).Msg("failed to connect to the bracket-leg queue; continuing without an audit publish sink")
		} else if pub, err := queue.NewPublisher(bus); err != nil {
			log.Error().Err(err).Msg("failed to open the bracket-leg publisher channel")
		} else {
			publisher = pub
			if consumer, err := queue.NewConsumer(bus, log); err != nil {
				log.Error().Err(err).Msg("failed to open the bracket-leg consumer channel")
			} else {
				for _, acct := range cfg.Accounts {
					accountID := acct.AccountID
					if err := consumer.ConsumeAccount(context.Background(), accountID, func(ctx context.Context, leg queue.BracketLeg) error {
						record(telemetry.Event{AccountID: leg.AccountID, Type: "bracket_leg_logged", Detail: map[string]interface{}{"leg": leg.Leg, "signal": leg.SignalID, "symbol": leg.Symbol}})
						return nil
					}); err != nil {
						log.Error().Err(err).Str("account", accountID).Msg("failed to register bracket-leg consumer")
					}
				}
			}
		}
	}

	snapshot, err := persistence.ReadSnapshot(*snapshotPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read recovery snapshot, starting clean")
	}
	const snapshotRecoveryWindow = time.Hour
	recent := !snapshot.TakenAt.IsZero() && time.Since(snapshot.TakenAt) < snapshotRecoveryWindow
	for accountID, entry := range snapshot.Entries {
		log.Info().Str("account", accountID).Str("tab", entry.TabID).Msg("recovered session entry from snapshot")
		if !recent {
			continue
		}
		if entry.LastSymbol != "" || entry.LastSignalID != "" {
			snapState[accountID] = &accountSnapshotState{lastSymbol: entry.LastSymbol, lastSignalID: entry.LastSignalID}
		}
		for opClass, breakerState := range entry.Circuits {
			registries.UpdateBreaker(state.BreakerRecord{
				TabID:    entry.TabID,
				OpClass:  opClass,
				State:    state.BreakerState(breakerState),
				OpenedAt: snapshot.TakenAt,
			})
		}
	}

	for _, acct := range cfg.Accounts {
		monitor.Register(acct.AccountID, startup.Mode(acct.Mode))
		if acct.Mode == string(startup.ModeDisabled) {
			continue
		}
		wsEndpoint, err := sup.Launch(acct.AccountID, acct.Port)
		if err != nil {
			log.Error().Err(err).Str("account", acct.AccountID).Msg("failed to launch browser instance")
			record(telemetry.Event{AccountID: acct.AccountID, Type: "launch_failed", Detail: map[string]interface{}{"error": err.Error()}})
			monitor.Fail(acct.AccountID, err.Error())
			continue
		}
		go driveStartup(acct.AccountID, wsEndpoint, bundle, monitor, transports, evaluator, healthProbe, sessions, registries, record, log)
	}

	// The composed order's JS call runs through the session's typed
	// PlaceBracket method, which enforces the script-attachment
	// invariant and the one-CRITICAL-op-in-flight rule before ever
	// reaching the page. That call already carries the TP/SL prices, so
	// the TAKE_PROFIT and STOP_LOSS legs make no page call of their own:
	// they are only published to the audit queue and always return nil.
	submit := func(ctx context.Context, accountID string, intent orders.NormalizedOrderIntent, leg string) error {
		var err error
		if leg == "ENTRY" {
			_, err = sessions.PlaceBracket(ctx, accountID, intent)
		}
		if publisher != nil {
			price := intent.EntryPrice
			if leg == "TAKE_PROFIT" && intent.TakeProfit != nil {
				price = *intent.TakeProfit
			} else if leg == "STOP_LOSS" && intent.StopLoss != nil {
				price = *intent.StopLoss
			}
			publishErr := publisher.PublishLeg(ctx, queue.BracketLeg{
				AccountID: accountID,
				Leg:       leg,
				Symbol:    intent.Symbol,
				Side:      string(intent.Side),
				OrderType: string(intent.OrderType),
				Price:     price,
			})
			if publishErr != nil {
				log.Warn().Err(publishErr).Str("account", accountID).Str("leg", leg).Msg("failed to publish bracket leg to audit queue")
			}
		}
		return err
	}
	coord := execcoord.New(submit, 8, log)

	srv := api.New(registries, monitor, rt, coord, orderCfg, sessions.GetMarketData, events, 10*time.Second, cfg.ProtectedPort, log)

	topRouter := mux.NewRouter()
	topRouter.HandleFunc("/ws/status", hub.ServeWS)
	topRouter.PathPrefix("/").Handler(srv.Router())

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: topRouter}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler(reg)}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control surface server error")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	go hub.Run(stop)
	go monitor.RunSweeper(time.Second, stop)
	go events.RunRetentionSweeper(time.Minute, stop)

	log.Info().Msg("relay operational")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, closing connections")
	writeSnapshot()
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func toCircuitPolicies(policies map[config.OpClass]config.CircuitPolicy) map[config.OpClass]config.CircuitPolicy {
	return policies
}

// driveStartup advances accountID through the startup phases (C7)
// after the supervisor has spawned its browser and resolved its
// DevTools websocket endpoint: dial the tab's transport, confirm the
// page is alive, inject the page-script bundle, confirm the page shows
// no login form and exposes every required page function, and hand the
// ready tab off to the session manager. Credential injection is out of
// scope; accounts are expected to run against already-authenticated
// browser profiles, so AUTHENTICATING only verifies that expectation
// rather than driving a login flow itself.
func driveStartup(accountID, wsEndpoint string, bundle scripts.Bundle, monitor *startup.Monitor, transports *tabTransports, evaluator *cdp.Evaluator, healthProbe *cdp.HealthProbe, sessions *session.Manager, registries *state.Registries, record func(telemetry.Event), log zerolog.Logger) {
	fail := func(reason string) {
		monitor.Fail(accountID, reason)
		record(telemetry.Event{AccountID: accountID, Type: "startup_failed", Detail: map[string]interface{}{"reason": reason}})
	}

	if err := monitor.Advance(accountID); err != nil { // REGISTERED -> LAUNCHING
		log.Error().Err(err).Str("account", accountID).Msg("startup: cannot advance past REGISTERED")
		return
	}
	if err := monitor.Advance(accountID); err != nil { // LAUNCHING -> CONNECTING
		fail(err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	transport, err := cdp.Dial(ctx, wsEndpoint, log)
	if err != nil {
		fail(fmt.Sprintf("devtools dial failed: %s", err))
		return
	}
	transports.set(accountID, transport)

	if err := monitor.Advance(accountID); err != nil { // CONNECTING -> LOADING_PAGE
		fail(err.Error())
		return
	}

	outcome, _, err := evaluator.Eval(ctx, accountID, config.OpClassImportant, "document.readyState", "string")
	if err != nil || outcome != cdp.OutcomeSuccess {
		fail("page did not respond to a basic eval before the LOADING_PAGE budget elapsed")
		return
	}

	if bundle.Source != "" {
		if _, _, err := evaluator.Eval(ctx, accountID, config.OpClassImportant, bundle.Source, ""); err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("startup: page script injection failed, continuing without it")
		}
	}

	if err := monitor.Advance(accountID); err != nil { // LOADING_PAGE -> AUTHENTICATING
		fail(err.Error())
		return
	}

	// AUTHENTICATING only advances to READY once the page shows no
	// login form and exposes every required page function: a browser
	// profile that lost its session cookie would otherwise sail through
	// to READY and fail every subsequent trade instead of failing
	// startup where the supervisor's restart/backoff policy applies.
	report := healthProbe.CheckHealth(ctx, accountID)
	if report.DerivedStatus == cdp.HealthMisauthenticated {
		fail("login form detected on page, account requires interactive re-authentication")
		return
	}
	if !report.URLMatchesExpectedHost || !report.RequiredPageFunctionsPresent {
		fail("page did not reach an authenticated, fully-loaded state before the AUTHENTICATING budget elapsed")
		return
	}

	if err := monitor.Advance(accountID); err != nil { // AUTHENTICATING -> READY
		fail(err.Error())
		return
	}

	registries.UpsertTab(state.Tab{
		TabID:        accountID,
		AccountID:    accountID,
		WSEndpoint:   wsEndpoint,
		Status:       state.TabReady,
		ScriptHash:   bundle.Hash,
		LastHealthOK: time.Now(),
	})
	sessions.Start(accountID, accountID)
	record(telemetry.Event{AccountID: accountID, Type: "session_ready"})

	go healthProbe.Run(context.Background(), accountID, func(report cdp.HealthReport) {
		record(telemetry.Event{
			AccountID: accountID, Type: "health_probe",
			Detail: map[string]interface{}{"status": string(report.DerivedStatus), "basic_eval_ok": report.BasicEvalOK, "document_ready": report.DocumentReady},
		})
		if t, ok := registries.Tab(accountID); ok {
			t.LastHealthOK = time.Now()
			if report.DerivedStatus == cdp.HealthUnresponsive || report.DerivedStatus == cdp.HealthMisauthenticated {
				t.Status = state.TabDead
			} else {
				t.Status = state.TabReady
			}
			registries.UpsertTab(t)
		}
	})
}
