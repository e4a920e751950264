package ksync

import (
	"errors"
	"sync"
)

// ErrInterrupted is returned by Wait when the caller was released via an
// interruptible wake rather than a Post, matching spec.md §5's
// "Blocked waiters may be released via interruptible wake".
var ErrInterrupted = errors.New("ksync: semaphore wait interrupted")

// InitFlag mirrors the semaphore init flags named in spec.md §4.2.
type InitFlag uint8

const (
	// IRQDisable is stored in the semaphore's flags. Wait and Post do
	// not read the flags, so it does not mask interrupts on any path.
	IRQDisable InitFlag = 1 << iota
)

type waiter struct {
	priority int
	grant    chan struct{}
	cancel   chan struct{}
	woken    bool
}

// Semaphore is {count, waiter list, lock, flags} per spec.md's data
// model. Post wakes the highest-priority waiter directly (a permit is
// handed to it rather than merely incrementing a counter for everyone to
// race over), so FIFO among equal priorities is preserved.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters []*waiter
	flags   InitFlag
}

// NewSemaphore returns a semaphore starting with count permits.
func NewSemaphore(count int, flags InitFlag) *Semaphore {
	return &Semaphore{count: count, flags: flags}
}

// Wait decrements the semaphore, blocking the calling thread if it is
// already at zero.
func (s *Semaphore) Wait() {
	_ = s.wait(0, nil)
}

// WaitInterruptible behaves like Wait but returns ErrInterrupted if
// cancel is closed before a permit is granted.
func (s *Semaphore) WaitInterruptible(priority int, cancel <-chan struct{}) error {
	return s.wait(priority, cancel)
}

func (s *Semaphore) wait(priority int, cancel <-chan struct{}) error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, grant: make(chan struct{}), cancel: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	if cancel == nil {
		<-w.grant
		return nil
	}

	select {
	case <-w.grant:
		return nil
	case <-cancel:
		s.mu.Lock()
		if !w.woken {
			for i, other := range s.waiters {
				if other == w {
					s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			return ErrInterrupted
		}
		s.mu.Unlock()
		// Woken concurrently with the cancel signal; honor the grant.
		<-w.grant
		return nil
	}
}

// Post increments the semaphore. If waiters exist, the highest-priority
// one (FIFO among ties) is granted the permit directly instead of the
// count being incremented for general contention.
func (s *Semaphore) Post() {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.count++
		s.mu.Unlock()
		return
	}
	best := 0
	for i, w := range s.waiters[1:] {
		if w.priority > s.waiters[best].priority {
			best = i + 1
		}
	}
	w := s.waiters[best]
	s.waiters = append(s.waiters[:best], s.waiters[best+1:]...)
	w.woken = true
	s.mu.Unlock()
	close(w.grant)
}
