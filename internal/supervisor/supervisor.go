// Package supervisor launches, monitors, and restarts the Chrome
// processes bound to each account's port, refusing outright to touch
// the one port the operator has marked protected.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tradovate-relay/internal/state"
)

// ErrPortProtected is returned whenever any operation would have
// killed or rebound the configured protected port.
var ErrPortProtected = fmt.Errorf("supervisor: refusing to touch the protected port")

// ErrRestartWindowExceeded is returned when an account has already
// used up its restart budget for the current rolling window.
var ErrRestartWindowExceeded = fmt.Errorf("supervisor: restart attempts exceeded for window")

// PortLister finds the PID currently bound to a TCP port. Implemented
// with lsof/netstat the way the teacher's killProcessUsingPort does;
// kept as an interface so tests can fake it.
type PortLister interface {
	PIDForPort(port int) (int, error)
}

// ProcessKiller terminates a PID. A thin seam over os.Process.Kill so
// tests can fake it.
type ProcessKiller interface {
	Kill(pid int) error
}

// Launcher starts a new Chrome process bound to port and returns its
// PID and DevTools websocket endpoint.
type Launcher interface {
	Launch(accountID string, port int) (pid int, wsEndpoint string, err error)
}

// Supervisor owns the browser instance registry and the restart
// limiter for every configured account.
type Supervisor struct {
	registries    *state.Registries
	protectedPort int
	ports         PortLister
	killer        ProcessKiller
	launcher      Launcher
	log           zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per account id
	window   time.Duration
	maxAttempts int
}

// New builds a Supervisor. protectedPort must never appear as any
// account's port (internal/config.Validate already enforces this at
// load time; this is the runtime backstop).
func New(registries *state.Registries, protectedPort int, ports PortLister, killer ProcessKiller, launcher Launcher, maxAttempts int, window time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		registries:    registries,
		protectedPort: protectedPort,
		ports:         ports,
		killer:        killer,
		launcher:      launcher,
		log:           log.With().Str("component", "supervisor").Logger(),
		limiters:      make(map[string]*rate.Limiter),
		window:        window,
		maxAttempts:   maxAttempts,
	}
}

// ClearPort kills whatever process currently holds port, unless port
// is the protected port, in which case it refuses and returns
// ErrPortProtected without calling PIDForPort or Kill. Grounded on the
// teacher's killProcessUsingPort, inverted for the one port that must
// never be touched.
func (s *Supervisor) ClearPort(port int) error {
	if port == s.protectedPort {
		s.log.Error().Int("port", port).Msg("refusing to clear the protected port")
		return ErrPortProtected
	}
	pid, err := s.ports.PIDForPort(port)
	if err != nil {
		// Nothing bound to the port is not an error condition for us.
		return nil
	}
	if pid <= 0 {
		return nil
	}
	s.log.Info().Int("port", port).Int("pid", pid).Msg("clearing port conflict")
	return s.killer.Kill(pid)
}

// Launch clears the account's port (refusing if it happens to equal
// the protected port) and starts a fresh Chrome process for it,
// recording the resulting instance in the registry.
func (s *Supervisor) Launch(accountID string, port int) (string, error) {
	if port == s.protectedPort {
		return "", ErrPortProtected
	}
	if err := s.ClearPort(port); err != nil {
		return "", err
	}
	pid, wsEndpoint, err := s.launcher.Launch(accountID, port)
	if err != nil {
		s.registries.UpsertInstance(state.BrowserInstance{
			AccountID: accountID, Port: port, Status: state.BrowserCrashed, LastError: err.Error(),
		})
		return "", fmt.Errorf("supervisor: launch account %s: %w", accountID, err)
	}
	s.registries.UpsertInstance(state.BrowserInstance{
		AccountID:  accountID,
		Port:       port,
		PID:        pid,
		Status:     state.BrowserRunning,
		LaunchedAt: time.Now(),
	})
	return wsEndpoint, nil
}

// limiterFor returns (creating if needed) the per-account restart
// limiter: maxAttempts tokens refilled over window.
func (s *Supervisor) limiterFor(accountID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[accountID]
	if !ok {
		every := s.window / time.Duration(maxInt(s.maxAttempts, 1))
		l = rate.NewLimiter(rate.Every(every), s.maxAttempts)
		s.limiters[accountID] = l
	}
	return l
}

// Restart relaunches accountID's browser instance if the account has
// not exceeded its restart budget for the rolling window, and bumps
// the registry's restart counter on success.
func (s *Supervisor) Restart(accountID string, port int) (string, error) {
	limiter := s.limiterFor(accountID)
	if !limiter.Allow() {
		return "", ErrRestartWindowExceeded
	}
	endpoint, err := s.Launch(accountID, port)
	if err != nil {
		return "", err
	}
	inst, _ := s.registries.Instance(accountID)
	inst.RestartCount++
	s.registries.UpsertInstance(inst)
	return endpoint, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// execKiller is the default ProcessKiller backed by os/exec (kill -9
// on posix; used over os.FindProcess+Process.Kill because the
// teacher's own killProcessUsingPort shells out rather than tracking
// *os.Process handles across restarts).
type execKiller struct{}

// NewExecKiller returns the default, OS-shell-based process killer.
func NewExecKiller() ProcessKiller { return execKiller{} }

func (execKiller) Kill(pid int) error {
	cmd := exec.Command("kill", "-9", fmt.Sprintf("%d", pid))
	return cmd.Run()
}
