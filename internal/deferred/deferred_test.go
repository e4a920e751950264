package deferred

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueFiresAfterDelay(t *testing.T) {
	q := New(nil, nil)
	defer q.Close()

	var fired int32
	q.Enqueue(10, func(a1, a2 any) { atomic.StoreInt32(&fired, 1) }, nil, nil)

	require.Never(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, 5*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestCancelPreventsFiring(t *testing.T) {
	q := New(nil, nil)
	defer q.Close()

	var fired int32
	h := q.Enqueue(10, func(a1, a2 any) { atomic.StoreInt32(&fired, 1) }, nil, nil)
	h.Cancel()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&fired))
}

func TestEarlierEventFiresFirst(t *testing.T) {
	q := New(nil, nil)
	defer q.Close()

	order := make(chan string, 2)
	q.Enqueue(50, func(a1, a2 any) { order <- "late" }, nil, nil)
	q.Enqueue(5, func(a1, a2 any) { order <- "early" }, nil, nil)

	require.Equal(t, "early", <-order)
	require.Equal(t, "late", <-order)
}

func TestLenTracksPending(t *testing.T) {
	q := New(nil, nil)
	defer q.Close()
	require.Zero(t, q.Len())
	q.Enqueue(1000, func(a1, a2 any) {}, nil, nil)
	require.Equal(t, 1, q.Len())
}
