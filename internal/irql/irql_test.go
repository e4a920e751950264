package irql

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/climbkernel/kcore/internal/arch"
)

func stubHooks(pins, unpins, dpcs, apcs, resched *int) Hooks {
	return Hooks{
		PinCurrentThread:   func() { *pins++ },
		UnpinCurrentThread: func() { *unpins++ },
		DrainDPCs:          func() { *dpcs++ },
		DrainAPCs:          func() { *apcs++ },
		RescheduleIfNeeded: func() { *resched++ },
	}
}

func TestRaiseLowerRoundTrip(t *testing.T) {
	var pins, unpins, dpcs, apcs, resched int
	// Simulate bootstage completion by forcing Passive directly.
	s2 := New(stubHooks(&pins, &unpins, &dpcs, &apcs, &resched))
	s2.forceLevel(Passive)

	old := s2.Raise(Dispatch)
	require.Equal(t, Dispatch, s2.Get())
	require.Equal(t, 1, pins)

	s2.Lower(old)
	require.Equal(t, Passive, s2.Get())
	require.Equal(t, 1, unpins)
	require.Equal(t, 1, dpcs)
	require.Equal(t, 1, resched)
}

func TestRaiseBelowCurrentPanics(t *testing.T) {
	var pins, unpins, dpcs, apcs, resched int
	s := New(stubHooks(&pins, &unpins, &dpcs, &apcs, &resched))
	s.forceLevel(Dispatch)
	require.Panics(t, func() { s.Raise(Passive) })
}

func TestLowerAboveCurrentPanics(t *testing.T) {
	var pins, unpins, dpcs, apcs, resched int
	s := New(stubHooks(&pins, &unpins, &dpcs, &apcs, &resched))
	s.forceLevel(Passive)
	require.Panics(t, func() { s.Lower(Dispatch) })
}

func TestHighDisablesInterrupts(t *testing.T) {
	var pins, unpins, dpcs, apcs, resched int
	s := New(stubHooks(&pins, &unpins, &dpcs, &apcs, &resched))
	s.forceLevel(Passive)
	old := s.Raise(High)
	require.Equal(t, High, s.Get())
	require.False(t, arch.InterruptsEnabled())
	s.Lower(old)
	require.Equal(t, Passive, s.Get())
	require.True(t, arch.InterruptsEnabled())
}

func TestEqualRaiseIsNoop(t *testing.T) {
	var pins, unpins, dpcs, apcs, resched int
	s := New(stubHooks(&pins, &unpins, &dpcs, &apcs, &resched))
	s.forceLevel(Dispatch)
	old := s.Raise(Dispatch)
	require.Equal(t, 0, pins)
	require.Equal(t, Dispatch, LevelOf(old))
}

// forceLevel is test-only: sets the current level without going through
// Raise, used to put the state machine in a non-None starting point
// without needing a full bootstage simulation.
func (s *State) forceLevel(l Level) {
	s.current = int32(l)
}
