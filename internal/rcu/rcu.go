// Package rcu implements the generation-counted read-copy-update
// subsystem from spec.md §4.7: a global generation counter, per-CPU
// nesting/seen-gen tracking, and bucketed callbacks. Synchronize runs
// the grace-period wait on the caller's goroutine; there is no separate
// grace-period worker.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/config"
)

// ReaderState is the per-CPU (or per-thread, depending on caller
// granularity) read-side bookkeeping: nesting depth and the last
// generation this reader observed with nesting back at zero.
type ReaderState struct {
	mu       sync.Mutex
	nesting  int
	startGen uint64
	seenGen  uint64
}

// ReadLock enters (or re-enters, if nested) a read-side critical
// section, recording the generation in effect on the outermost entry.
func (r *ReaderState) ReadLock(currentGen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nesting == 0 {
		r.startGen = currentGen
	}
	r.nesting++
}

// ReadUnlock exits a critical section, publishing seenGen on the
// outermost unlock.
func (r *ReaderState) ReadUnlock(currentGen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nesting == 0 {
		panic("rcu: read_unlock without a matching read_lock")
	}
	r.nesting--
	if r.nesting == 0 {
		r.seenGen = currentGen
	}
}

func (r *ReaderState) snapshot() (nesting int, seenGen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nesting, r.seenGen
}

type callback struct {
	fn         func()
	targetGen  uint64
}

// Domain is one RCU domain: a generation counter, the set of readers it
// tracks, and the bucketed callback lists drained as generations
// complete.
type Domain struct {
	mu sync.Mutex

	gen     uint64
	readers []*ReaderState

	buckets [config.RCUBuckets][]callback

	logger *zap.Logger
}

// NewDomain returns an RCU domain with no registered readers.
func NewDomain(logger *zap.Logger) *Domain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Domain{logger: logger.Named("rcu")}
}

// RegisterReader adds r to the set this domain's grace-period waits
// track. Call once per CPU/thread at boot.
func (d *Domain) RegisterReader(r *ReaderState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = append(d.readers, r)
}

// Generation returns the current global generation G.
func (d *Domain) Generation() uint64 { return atomic.LoadUint64(&d.gen) }

func bucketFor(gen uint64) int { return int(gen) & (config.RCUBuckets - 1) }

// CallAfter schedules fn to run once the generation after the current
// one has completed a full grace period — the bucket assignment from
// spec.md's "callbacks are placed in one of RCU_BUCKETS buckets indexed
// by (G+1) mod BUCKETS".
func (d *Domain) CallAfter(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.gen + 1
	b := bucketFor(target)
	d.buckets[b] = append(d.buckets[b], callback{fn: fn, targetGen: target})
}

// Synchronize advances the generation and blocks until every registered
// reader has observed it, then invokes (and drains) the completed
// bucket's callbacks in FIFO order.
func (d *Domain) Synchronize() {
	d.mu.Lock()
	target := d.gen + 1
	atomic.StoreUint64(&d.gen, target)
	d.mu.Unlock()

	d.waitForQuiescence(target)

	d.mu.Lock()
	b := bucketFor(target)
	due := d.buckets[b]
	d.buckets[b] = nil
	d.mu.Unlock()

	for _, cb := range due {
		if cb.targetGen == target {
			cb.fn()
		} else {
			// a stale entry from a prior wraparound sharing this bucket
			// index; reschedule it rather than drop it.
			d.mu.Lock()
			d.buckets[bucketFor(cb.targetGen)] = append(d.buckets[bucketFor(cb.targetGen)], cb)
			d.mu.Unlock()
		}
	}
}

// waitForQuiescence blocks until every reader is quiescent: it is
// outside any read-side critical section, or it last left one at a
// generation >= target.
func (d *Domain) waitForQuiescence(target uint64) {
	for {
		d.mu.Lock()
		readers := d.readers
		d.mu.Unlock()

		allQuiet := true
		for _, r := range readers {
			nesting, seen := r.snapshot()
			if nesting > 0 && seen < target {
				allQuiet = false
				break
			}
		}
		if allQuiet {
			return
		}
		runtime.Gosched()
	}
}

// PendingCallbacks reports how many callbacks are queued across all
// buckets, for diagnostics and tests.
func (d *Domain) PendingCallbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.buckets {
		n += len(b)
	}
	return n
}
