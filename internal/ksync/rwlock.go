package ksync

import "sync"

// MaxReadersAdmittedWhileWriterWaits bounds how many additional readers
// may still acquire the lock after a writer starts waiting, matching
// spec.md §4.2's "writers have priority after a bounded number of
// readers to prevent writer starvation". Grounded on the reader/writer
// fairness contract tested by other_examples/.../dijkstracula-go-ilock.
const MaxReadersAdmittedWhileWriterWaits = 4

// RWLock is a blocking (not spinning) reader/writer lock: readers are
// counted, the writer is exclusive, and acquisitions may suspend the
// calling thread — it is meant to be held across voluntary yields, so it
// does not raise IRQL the way Spinlock does.
type RWLock struct {
	mu sync.Mutex
	rc *sync.Cond

	readers             int
	writerHeld          bool
	writersWaiting       int
	readersSinceWriterQ  int
}

// NewRWLock returns a ready-to-use lock.
func NewRWLock() *RWLock {
	l := &RWLock{}
	l.rc = sync.NewCond(&l.mu)
	return l
}

// RLock blocks until a shared hold is granted.
func (l *RWLock) RLock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.writerHeld || (l.writersWaiting > 0 && l.readersSinceWriterQ >= MaxReadersAdmittedWhileWriterWaits) {
		l.rc.Wait()
	}
	l.readers++
	if l.writersWaiting > 0 {
		l.readersSinceWriterQ++
	}
}

// RUnlock releases a shared hold.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		panic("ksync: runlock without a held read lock")
	}
	l.readers--
	if l.readers == 0 {
		l.rc.Broadcast()
	}
}

// Lock blocks until an exclusive hold is granted.
func (l *RWLock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writersWaiting++
	for l.writerHeld || l.readers > 0 {
		l.rc.Wait()
	}
	l.writersWaiting--
	if l.writersWaiting == 0 {
		l.readersSinceWriterQ = 0
	}
	l.writerHeld = true
}

// Unlock releases an exclusive hold.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writerHeld {
		panic("ksync: unlock without a held write lock")
	}
	l.writerHeld = false
	l.rc.Broadcast()
}
