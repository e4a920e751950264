package apc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueSetsPendingBitAndWakes(t *testing.T) {
	woken := false
	th := NewThread(func() { woken = true }, nil)
	a := &APC{Type: Kernel, Fn: func(a1, a2 any) {}}
	require.NoError(t, th.Enqueue(a))
	require.True(t, woken)
	require.Equal(t, Kernel.pendingBit(), th.PendingMask())
}

func TestDeliverOrderSpecialThenKernel(t *testing.T) {
	th := NewThread(nil, nil)
	var order []string
	th.Enqueue(&APC{Type: Kernel, Fn: func(a1, a2 any) { order = append(order, "kernel") }})
	th.Enqueue(&APC{Type: SpecialKernel, Fn: func(a1, a2 any) { order = append(order, "special") }})

	n := th.Deliver()
	require.Equal(t, 2, n)
	require.Equal(t, []string{"special", "kernel"}, order)
	require.Zero(t, th.PendingMask())
}

func TestKernelDisableBlocksKernelAPCs(t *testing.T) {
	th := NewThread(nil, nil)
	ran := false
	th.Enqueue(&APC{Type: Kernel, Fn: func(a1, a2 any) { ran = true }})
	th.RaiseKernelDisable()
	th.Deliver()
	require.False(t, ran)

	th.LowerKernelDisable()
	th.Deliver()
	require.True(t, ran)
}

func TestEventAPCOnlyDeliversAfterSignal(t *testing.T) {
	th := NewThread(nil, nil)
	ran := false
	ev := &APC{Type: Event, Fn: func(a1, a2 any) { ran = true }}
	th.Enqueue(ev)
	th.Deliver()
	require.False(t, ran, "unsignalled event APC must not deliver")

	ev.Signal()
	th.Deliver()
	require.True(t, ran)
}

func TestCancelPreventsDelivery(t *testing.T) {
	th := NewThread(nil, nil)
	ran := false
	a := &APC{Type: Kernel, Fn: func(a1, a2 any) { ran = true }}
	th.Enqueue(a)
	a.Cancel()
	th.Deliver()
	require.False(t, ran)
	require.Zero(t, th.PendingMask())
}

func TestEnqueueOnDyingThreadFails(t *testing.T) {
	th := NewThread(nil, nil)
	th.MarkDying()
	err := th.Enqueue(&APC{Type: Kernel})
	require.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestEnqueueOnIdleThreadFails(t *testing.T) {
	th := NewThread(nil, nil)
	th.MarkIdle(true)
	err := th.Enqueue(&APC{Type: Kernel})
	require.ErrorIs(t, err, ErrTargetUnavailable)
}
