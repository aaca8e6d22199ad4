// Package telemetry implements C14: a structured, append-only
// in-memory event log with derived counters, Prometheus metrics, NATS
// fan-out of execution reports and health events, and a background
// retention sweep. The retention ticker is grounded on the teacher's
// internal/ledger startLedgerHealthChecker/performMaintenanceTasks
// pattern: a goroutine owns a ticker and periodically prunes state.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Severity classifies an Event for the health-score derivation and
// the /api/errors severity breakdown. The zero value, "", is treated
// as SeverityInfo.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Event is one structured operational event.
type Event struct {
	At        time.Time
	AccountID string
	Type      string
	Severity  Severity
	Detail    map[string]interface{}
}

// normalizedSeverity returns e.Severity, defaulting to SeverityInfo.
func (e Event) normalizedSeverity() Severity {
	if e.Severity == "" {
		return SeverityInfo
	}
	return e.Severity
}

// Log is the append-only in-memory event log backing /api/errors. It
// also owns the Prometheus counters, which change only through
// ObserveOp, ObserveCircuitTrip, ObserveRestart and SetStartupPhase;
// recording an event does not update them. Persistent storage of the same
// events lives in internal/persistence's AuditLog; this is the
// fast-path, in-memory mirror the control surface reads directly.
type Log struct {
	mu     sync.RWMutex
	events []Event
	horizon time.Duration

	opsTotal      *prometheus.CounterVec
	opFailures    *prometheus.CounterVec
	circuitTrips  *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	startupPhase  *prometheus.GaugeVec

	log zerolog.Logger
}

// NewLog builds a Log with retention horizon and registers its
// Prometheus collectors against reg.
func NewLog(reg prometheus.Registerer, horizon time.Duration, log zerolog.Logger) *Log {
	l := &Log{
		horizon: horizon,
		log:     log.With().Str("component", "telemetry").Logger(),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ops_total", Help: "Operations attempted, by class.",
		}, []string{"op_class"}),
		opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_op_failures_total", Help: "Operations that failed, by class and outcome.",
		}, []string{"op_class", "outcome"}),
		circuitTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_circuit_trips_total", Help: "Circuit breaker OPEN transitions, by account and op class.",
		}, []string{"account_id", "op_class"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_restarts_total", Help: "Browser instance restarts, by account.",
		}, []string{"account_id"}),
		startupPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_startup_phase", Help: "Current startup phase per account, as an ordinal.",
		}, []string{"account_id"}),
	}
	reg.MustRegister(l.opsTotal, l.opFailures, l.circuitTrips, l.restarts, l.startupPhase)
	return l
}

// Record appends e to the log and writes it to the structured logger;
// it does not update any Prometheus counter.
func (l *Log) Record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()

	l.log.Info().
		Str("account", e.AccountID).
		Str("event_type", e.Type).
		Time("at", e.At).
		Fields(e.Detail).
		Msg("relay event")
}

// ObserveOp updates the op-class counters for one completed
// operation.
func (l *Log) ObserveOp(opClass, outcome string, failed bool) {
	l.opsTotal.WithLabelValues(opClass).Inc()
	if failed {
		l.opFailures.WithLabelValues(opClass, outcome).Inc()
	}
}

// ObserveCircuitTrip increments the circuit-trip counter.
func (l *Log) ObserveCircuitTrip(accountID, opClass string) {
	l.circuitTrips.WithLabelValues(accountID, opClass).Inc()
}

// ObserveRestart increments the restart counter.
func (l *Log) ObserveRestart(accountID string) {
	l.restarts.WithLabelValues(accountID).Inc()
}

// SetStartupPhase records the ordinal of an account's current startup
// phase for dashboarding.
func (l *Log) SetStartupPhase(accountID string, ordinal float64) {
	l.startupPhase.WithLabelValues(accountID).Set(ordinal)
}

// Events returns a defensive-copy snapshot of the in-memory log.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsWindow returns a defensive copy of events of type category (if
// non-empty) that occurred within the last window (if positive).
func (l *Log) EventsWindow(category string, window time.Duration) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	out := make([]Event, 0)
	for _, e := range l.events {
		if category != "" && e.Type != category {
			continue
		}
		if window > 0 && e.At.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Summary reports the health-score inputs: total events and counts by
// severity and by category (Type), over the last window (the full log
// when window is zero).
type Summary struct {
	Total      int
	BySeverity map[Severity]int
	ByCategory map[string]int
}

// Summarize computes a Summary over the last window (or the whole log
// when window is zero).
func (l *Log) Summarize(window time.Duration) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	sum := Summary{BySeverity: map[Severity]int{}, ByCategory: map[string]int{}}
	for _, e := range l.events {
		if window > 0 && e.At.Before(cutoff) {
			continue
		}
		sum.Total++
		sum.BySeverity[e.normalizedSeverity()]++
		sum.ByCategory[e.Type]++
	}
	return sum
}

// Score derives the spec's 0-100 health score from a Summary: start at
// 100, subtract 10 per critical, 5 per error, 1 per warning, floored
// at 0.
func Score(sum Summary) int {
	score := 100 - 10*sum.BySeverity[SeverityCritical] - 5*sum.BySeverity[SeverityError] - sum.BySeverity[SeverityWarning]
	if score < 0 {
		score = 0
	}
	return score
}

// StatusForScore buckets a score into the spec's four health bands.
func StatusForScore(score int) string {
	switch {
	case score >= 90:
		return "HEALTHY"
	case score >= 70:
		return "DEGRADED"
	case score >= 50:
		return "WARNING"
	default:
		return "CRITICAL"
	}
}

// Clear drops events older than horizon hours and returns the event
// count remaining. An horizon of zero drops every event.
func (l *Log) Clear(horizon time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if horizon <= 0 {
		l.events = nil
		return 0
	}
	cutoff := time.Now().Add(-horizon)
	kept := l.events[:0]
	for _, e := range l.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.events = kept
	return len(l.events)
}

// sweepRetention prunes events older than l.horizon.
func (l *Log) sweepRetention() {
	cutoff := time.Now().Add(-l.horizon)
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	for _, e := range l.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.events = kept
}

// RunRetentionSweeper blocks, pruning events older than the configured
// horizon on the given interval until stop is closed.
func (l *Log) RunRetentionSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.sweepRetention()
		}
	}
}
