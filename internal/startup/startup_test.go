package startup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradovate-relay/internal/config"
)

func TestAdvanceWalksPhasesInOrder(t *testing.T) {
	m := NewMonitor(config.StartupBudgets{}, testLogger(), nil)
	m.Register("acct-1", ModeActive)

	order := []Phase{PhaseLaunching, PhaseConnecting, PhaseLoadingPage, PhaseAuthenticating, PhaseReady}
	for _, want := range order {
		require.NoError(t, m.Advance("acct-1"))
		got, ok := m.Phase("acct-1")
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	err := m.Advance("acct-1")
	require.Error(t, err, "READY is terminal, no further advance should succeed")
}

func TestFailIsTerminal(t *testing.T) {
	m := NewMonitor(config.StartupBudgets{}, testLogger(), nil)
	m.Register("acct-1", ModeActive)
	m.Fail("acct-1", "tab crashed")

	phase, ok := m.Phase("acct-1")
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, phase)

	err := m.Advance("acct-1")
	assert.Error(t, err)
}

func TestSweepFailsOnHardTimeout(t *testing.T) {
	var events []Event
	m := NewMonitor(config.StartupBudgets{
		Connecting: config.PhaseBudget{Soft: time.Second, Hard: 2 * time.Second},
	}, testLogger(), func(e Event) { events = append(events, e) })

	frozen := time.Now()
	m.now = func() time.Time { return frozen }
	m.Register("acct-1", ModeActive)
	require.NoError(t, m.Advance("acct-1")) // -> LAUNCHING
	require.NoError(t, m.Advance("acct-1")) // -> CONNECTING

	m.now = func() time.Time { return frozen.Add(3 * time.Second) }
	m.Sweep()

	phase, _ := m.Phase("acct-1")
	assert.Equal(t, PhaseFailed, phase)

	var sawFail bool
	for _, e := range events {
		if e.To == PhaseFailed {
			sawFail = true
		}
	}
	assert.True(t, sawFail)
}

func TestSweepFailsLaunchingPhaseOnHardTimeout(t *testing.T) {
	// A browser whose pid is never observed on its port must still be
	// hard-failed: LAUNCHING carries a budget just like every other
	// non-terminal phase.
	m := NewMonitor(config.StartupBudgets{
		Launching: config.PhaseBudget{Soft: time.Second, Hard: 2 * time.Second},
	}, testLogger(), nil)

	frozen := time.Now()
	m.now = func() time.Time { return frozen }
	m.Register("acct-1", ModeActive)
	require.NoError(t, m.Advance("acct-1")) // -> LAUNCHING

	m.now = func() time.Time { return frozen.Add(3 * time.Second) }
	m.Sweep()

	phase, _ := m.Phase("acct-1")
	assert.Equal(t, PhaseFailed, phase)
}

func TestSweepWarnsOnceOnSoftTimeout(t *testing.T) {
	var softWarnings int
	m := NewMonitor(config.StartupBudgets{
		Connecting: config.PhaseBudget{Soft: time.Second, Hard: time.Hour},
	}, testLogger(), func(e Event) {
		if e.Soft {
			softWarnings++
		}
	})

	frozen := time.Now()
	m.now = func() time.Time { return frozen }
	m.Register("acct-1", ModeActive)
	require.NoError(t, m.Advance("acct-1"))
	require.NoError(t, m.Advance("acct-1"))

	m.now = func() time.Time { return frozen.Add(2 * time.Second) }
	m.Sweep()
	m.Sweep()

	assert.Equal(t, 1, softWarnings, "soft-timeout warning must fire exactly once per phase")
}

func TestSweepSkipsDisabledAccounts(t *testing.T) {
	var events []Event
	m := NewMonitor(config.StartupBudgets{
		Connecting: config.PhaseBudget{Soft: time.Millisecond, Hard: time.Millisecond},
	}, testLogger(), func(e Event) { events = append(events, e) })

	frozen := time.Now()
	m.now = func() time.Time { return frozen }
	m.Register("acct-1", ModeDisabled)
	require.NoError(t, m.Advance("acct-1"))
	require.NoError(t, m.Advance("acct-1"))

	m.now = func() time.Time { return frozen.Add(time.Second) }
	m.Sweep()

	phase, _ := m.Phase("acct-1")
	assert.Equal(t, PhaseConnecting, phase, "a DISABLED account must never be failed by the sweeper")
}
