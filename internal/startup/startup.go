// Package startup drives the per-account startup phase state machine
// (C7): REGISTERED -> LAUNCHING -> CONNECTING -> LOADING_PAGE ->
// AUTHENTICATING -> READY, with a terminal FAILED state and soft/hard
// timeouts per phase. Modeled on the teacher's ledger health-checker:
// a goroutine owns the phase and a ticker re-evaluates it against its
// deadline.
package startup

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradovate-relay/internal/config"
)

// Phase is one step of the startup state machine.
type Phase string

const (
	PhaseRegistered    Phase = "REGISTERED"
	PhaseLaunching     Phase = "LAUNCHING"
	PhaseConnecting    Phase = "CONNECTING"
	PhaseLoadingPage   Phase = "LOADING_PAGE"
	PhaseAuthenticating Phase = "AUTHENTICATING"
	PhaseReady         Phase = "READY"
	PhaseFailed        Phase = "FAILED"
)

// Mode is the monitoring mode for an account.
type Mode string

const (
	ModeDisabled Mode = "DISABLED"
	ModePassive  Mode = "PASSIVE"
	ModeActive   Mode = "ACTIVE"
)

var transitions = map[Phase]Phase{
	PhaseRegistered:     PhaseLaunching,
	PhaseLaunching:      PhaseConnecting,
	PhaseConnecting:     PhaseLoadingPage,
	PhaseLoadingPage:    PhaseAuthenticating,
	PhaseAuthenticating: PhaseReady,
}

// Event describes one phase transition or failure, ready to be
// published to telemetry/wsstatus.
type Event struct {
	AccountID string
	From      Phase
	To        Phase
	Soft      bool // true when this event is a soft-timeout warning, not a transition
	At        time.Time
	Reason    string
}

// Monitor tracks the startup phase for every registered account.
type Monitor struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	budgets  config.StartupBudgets
	log      zerolog.Logger
	onEvent  func(Event)
	now      func() time.Time
}

type accountState struct {
	phase       Phase
	mode        Mode
	phaseSince  time.Time
	softWarned  bool
	lastErr     string
}

// NewMonitor builds a startup Monitor. onEvent is called for every
// phase transition and soft-timeout warning.
func NewMonitor(budgets config.StartupBudgets, log zerolog.Logger, onEvent func(Event)) *Monitor {
	return &Monitor{
		accounts: make(map[string]*accountState),
		budgets:  budgets,
		log:      log.With().Str("component", "startup").Logger(),
		onEvent:  onEvent,
		now:      time.Now,
	}
}

// Register adds accountID to the monitor in REGISTERED phase with the
// given monitoring mode.
func (m *Monitor) Register(accountID string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = &accountState{phase: PhaseRegistered, mode: mode, phaseSince: m.now()}
}

// Phase returns the current phase for accountID.
func (m *Monitor) Phase(accountID string) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.accounts[accountID]
	if !ok {
		return "", false
	}
	return s.phase, true
}

// Advance moves accountID to the next phase in sequence. Returns an
// error if accountID is unknown or already terminal.
func (m *Monitor) Advance(accountID string) error {
	m.mu.Lock()
	s, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("startup: unknown account %s", accountID)
	}
	if s.phase == PhaseFailed || s.phase == PhaseReady {
		m.mu.Unlock()
		return fmt.Errorf("startup: account %s already terminal at %s", accountID, s.phase)
	}
	next, ok := transitions[s.phase]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("startup: no transition defined from %s", s.phase)
	}
	from := s.phase
	s.phase = next
	s.phaseSince = m.now()
	s.softWarned = false
	m.mu.Unlock()

	m.emit(Event{AccountID: accountID, From: from, To: next, At: m.now()})
	return nil
}

// Fail marks accountID FAILED with reason, a terminal transition.
func (m *Monitor) Fail(accountID, reason string) {
	m.mu.Lock()
	s, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := s.phase
	s.phase = PhaseFailed
	s.lastErr = reason
	m.mu.Unlock()

	m.emit(Event{AccountID: accountID, From: from, To: PhaseFailed, At: m.now(), Reason: reason})
}

func (m *Monitor) emit(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

func (m *Monitor) budgetFor(phase Phase) (soft, hard time.Duration) {
	switch phase {
	case PhaseRegistered:
		return m.budgets.Registered.Soft, m.budgets.Registered.Hard
	case PhaseLaunching:
		return m.budgets.Launching.Soft, m.budgets.Launching.Hard
	case PhaseConnecting:
		return m.budgets.Connecting.Soft, m.budgets.Connecting.Hard
	case PhaseLoadingPage:
		return m.budgets.LoadingPage.Soft, m.budgets.LoadingPage.Hard
	case PhaseAuthenticating:
		return m.budgets.Authenticating.Soft, m.budgets.Authenticating.Hard
	default:
		return 0, 0
	}
}

// Sweep checks every non-terminal account's current phase against its
// soft/hard budget, emitting a soft-timeout warning once and failing
// the account outright once the hard budget is exceeded. Intended to
// be called on a ticker from the owning goroutine (see RunSweeper).
func (m *Monitor) Sweep() {
	type overdue struct {
		accountID string
		reason    string
	}
	var toFail []overdue
	var toWarn []string

	m.mu.Lock()
	for accountID, s := range m.accounts {
		if s.mode == ModeDisabled {
			continue
		}
		if s.phase == PhaseFailed || s.phase == PhaseReady {
			continue
		}
		soft, hard := m.budgetFor(s.phase)
		elapsed := m.now().Sub(s.phaseSince)
		if hard > 0 && elapsed >= hard {
			toFail = append(toFail, overdue{accountID, fmt.Sprintf("phase %s exceeded hard budget %s", s.phase, hard)})
			continue
		}
		if soft > 0 && elapsed >= soft && !s.softWarned {
			s.softWarned = true
			toWarn = append(toWarn, accountID)
		}
	}
	m.mu.Unlock()

	for _, a := range toWarn {
		phase, _ := m.Phase(a)
		m.emit(Event{AccountID: a, From: phase, To: phase, Soft: true, At: m.now(), Reason: "soft timeout"})
	}
	for _, o := range toFail {
		m.Fail(o.accountID, o.reason)
	}
}

// RunSweeper blocks, calling Sweep on the given interval until stop is
// closed.
func (m *Monitor) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
