// Package state holds the shared in-memory registries for browser
// instances, tabs, account sessions, and circuit breakers. Each
// registry is a keyed map guarded by its own mutex; records reference
// each other only by id (account id, tab id, session id), never by
// pointer, so no registry holds a cycle into another.
package state

import (
	"sync"
	"time"
)

// BrowserInstanceStatus is the lifecycle status of a supervised
// browser process.
type BrowserInstanceStatus string

const (
	BrowserStarting BrowserInstanceStatus = "STARTING"
	BrowserRunning  BrowserInstanceStatus = "RUNNING"
	BrowserCrashed  BrowserInstanceStatus = "CRASHED"
	BrowserStopped  BrowserInstanceStatus = "STOPPED"
)

// BrowserInstance is one supervised Chrome process bound to an
// account's port.
type BrowserInstance struct {
	AccountID    string
	Port         int
	PID          int
	Status       BrowserInstanceStatus
	LaunchedAt   time.Time
	RestartCount int
	LastError    string
}

// TabStatus is the readiness state of a single browser tab.
type TabStatus string

const (
	TabConnecting TabStatus = "CONNECTING"
	TabReady      TabStatus = "READY"
	TabDead       TabStatus = "DEAD"
)

// Tab is one DevTools-controlled browser tab.
type Tab struct {
	TabID        string
	AccountID    string
	WSEndpoint   string
	Status       TabStatus
	ScriptHash   string
	LastHealthOK time.Time
}

// SessionStatus is the account session's readiness.
type SessionStatus string

const (
	SessionRegistered    SessionStatus = "REGISTERED"
	SessionLaunching     SessionStatus = "LAUNCHING"
	SessionConnecting    SessionStatus = "CONNECTING"
	SessionLoadingPage   SessionStatus = "LOADING_PAGE"
	SessionAuthenticating SessionStatus = "AUTHENTICATING"
	SessionReady         SessionStatus = "READY"
	SessionFailed        SessionStatus = "FAILED"
)

// Session is the binding of an account identity to a ready tab.
type Session struct {
	AccountID  string
	TabID      string
	Status     SessionStatus
	Mode       string // DISABLED | PASSIVE | ACTIVE
	EnteredAt  time.Time
	InFlight   bool
	LastError  string
}

// BreakerState is the circuit breaker's three-state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerRecord is the per-(tab, op_class) circuit breaker state.
type BreakerRecord struct {
	TabID           string
	OpClass         string
	State           BreakerState
	ConsecutiveFail int
	OpenedAt        time.Time
	HalfOpenProbes  int
	Probing         bool // a HALF_OPEN trial is currently in flight
}

// Registries is the full set of shared state tables.
type Registries struct {
	instancesMu sync.RWMutex
	instances   map[string]*BrowserInstance // keyed by account id

	tabsMu sync.RWMutex
	tabs   map[string]*Tab // keyed by tab id

	sessionsMu sync.RWMutex
	sessions   map[string]*Session // keyed by account id

	breakersMu sync.RWMutex
	breakers   map[string]*BreakerRecord // keyed by tabID + "|" + opClass
}

// New returns an empty set of registries.
func New() *Registries {
	return &Registries{
		instances: make(map[string]*BrowserInstance),
		tabs:      make(map[string]*Tab),
		sessions:  make(map[string]*Session),
		breakers:  make(map[string]*BreakerRecord),
	}
}

func breakerKey(tabID, opClass string) string { return tabID + "|" + opClass }

// UpsertInstance stores a copy of the given instance record.
func (r *Registries) UpsertInstance(i BrowserInstance) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()
	cp := i
	r.instances[i.AccountID] = &cp
}

// Instance returns a defensive copy of the record for accountID.
func (r *Registries) Instance(accountID string) (BrowserInstance, bool) {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()
	i, ok := r.instances[accountID]
	if !ok {
		return BrowserInstance{}, false
	}
	return *i, true
}

// Instances returns a defensive-copy snapshot of every instance.
func (r *Registries) Instances() []BrowserInstance {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()
	out := make([]BrowserInstance, 0, len(r.instances))
	for _, i := range r.instances {
		out = append(out, *i)
	}
	return out
}

// UpsertTab stores a copy of the given tab record.
func (r *Registries) UpsertTab(t Tab) {
	r.tabsMu.Lock()
	defer r.tabsMu.Unlock()
	cp := t
	r.tabs[t.TabID] = &cp
}

// Tab returns a defensive copy of the tab record for tabID.
func (r *Registries) Tab(tabID string) (Tab, bool) {
	r.tabsMu.RLock()
	defer r.tabsMu.RUnlock()
	t, ok := r.tabs[tabID]
	if !ok {
		return Tab{}, false
	}
	return *t, true
}

// RemoveTab deletes the tab record for tabID.
func (r *Registries) RemoveTab(tabID string) {
	r.tabsMu.Lock()
	defer r.tabsMu.Unlock()
	delete(r.tabs, tabID)
}

// UpsertSession stores a copy of the given session record.
func (r *Registries) UpsertSession(s Session) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	cp := s
	r.sessions[s.AccountID] = &cp
}

// Session returns a defensive copy of the session record for accountID.
func (r *Registries) Session(accountID string) (Session, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	s, ok := r.sessions[accountID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns a defensive-copy snapshot of every session.
func (r *Registries) Sessions() []Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// TrySetInFlight atomically marks the session in-flight if it wasn't
// already; returns false if a CRITICAL op is already running.
func (r *Registries) TrySetInFlight(accountID string) bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	s, ok := r.sessions[accountID]
	if !ok || s.InFlight {
		return false
	}
	s.InFlight = true
	return true
}

// ClearInFlight marks the session no longer in-flight.
func (r *Registries) ClearInFlight(accountID string) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if s, ok := r.sessions[accountID]; ok {
		s.InFlight = false
	}
}

// Breaker returns a defensive copy of the breaker record for the given
// tab and operation class, creating a CLOSED record if none exists.
func (r *Registries) Breaker(tabID, opClass string) BreakerRecord {
	key := breakerKey(tabID, opClass)
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &BreakerRecord{TabID: tabID, OpClass: opClass, State: BreakerClosed}
		r.breakers[key] = b
	}
	return *b
}

// BreakerAllow atomically decides whether a call of the given (tab,
// opClass) may proceed, admitting OPEN -> HALF_OPEN transitions and
// latching HALF_OPEN so at most one trial is in flight at a time.
func (r *Registries) BreakerAllow(tabID, opClass string, now time.Time, openDuration time.Duration) bool {
	key := breakerKey(tabID, opClass)
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &BreakerRecord{TabID: tabID, OpClass: opClass, State: BreakerClosed}
		r.breakers[key] = b
	}
	switch b.State {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.Probing {
			return false
		}
		b.Probing = true
		return true
	case BreakerOpen:
		if now.Sub(b.OpenedAt) >= openDuration {
			b.State = BreakerHalfOpen
			b.HalfOpenProbes = 0
			b.Probing = true
			return true
		}
		return false
	default:
		return true
	}
}

// UpdateBreaker replaces the stored breaker record.
func (r *Registries) UpdateBreaker(b BreakerRecord) {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	cp := b
	r.breakers[breakerKey(b.TabID, b.OpClass)] = &cp
}

// Breakers returns a defensive-copy snapshot of every breaker record.
func (r *Registries) Breakers() []BreakerRecord {
	r.breakersMu.RLock()
	defer r.breakersMu.RUnlock()
	out := make([]BreakerRecord, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, *b)
	}
	return out
}
