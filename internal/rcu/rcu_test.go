package rcu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSynchronizeAdvancesGeneration(t *testing.T) {
	d := NewDomain(nil)
	r := &ReaderState{}
	d.RegisterReader(r)

	before := d.Generation()
	d.Synchronize()
	require.Equal(t, before+1, d.Generation())
}

func TestSynchronizeWaitsForActiveReader(t *testing.T) {
	d := NewDomain(nil)
	r := &ReaderState{}
	d.RegisterReader(r)
	r.ReadLock(d.Generation())

	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("synchronize must not complete while a reader is active")
	case <-time.After(20 * time.Millisecond):
	}

	r.ReadUnlock(d.Generation())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("synchronize never completed after reader exited")
	}
}

func TestCallAfterRunsPostGracePeriod(t *testing.T) {
	d := NewDomain(nil)
	r := &ReaderState{}
	d.RegisterReader(r)

	ran := false
	d.CallAfter(func() { ran = true })
	require.Equal(t, 1, d.PendingCallbacks())

	d.Synchronize()
	require.True(t, ran)
	require.Zero(t, d.PendingCallbacks())
}

func TestReadUnlockWithoutLockPanics(t *testing.T) {
	r := &ReaderState{}
	require.Panics(t, func() { r.ReadUnlock(0) })
}

func TestNestedReadLockUnlock(t *testing.T) {
	d := NewDomain(nil)
	r := &ReaderState{}
	gen := d.Generation()
	r.ReadLock(gen)
	r.ReadLock(gen)
	nesting, _ := r.snapshot()
	require.Equal(t, 2, nesting)
	r.ReadUnlock(gen)
	nesting, _ = r.snapshot()
	require.Equal(t, 1, nesting)
	r.ReadUnlock(gen)
	nesting, seen := r.snapshot()
	require.Zero(t, nesting)
	require.Equal(t, gen, seen)
}

func TestConcurrentCallAfterIsRaceFree(t *testing.T) {
	d := NewDomain(nil)
	d.RegisterReader(&ReaderState{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.CallAfter(func() {})
		}()
	}
	wg.Wait()
	require.Equal(t, 20, d.PendingCallbacks())
}
