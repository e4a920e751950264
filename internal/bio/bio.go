// Package bio implements the five-level MLFQ block I/O scheduler from
// spec.md §4.10: enqueue with coalescing, starvation-boost promotion,
// and threshold-triggered immediate dispatch.
package bio

import (
	"container/list"
	"sync"

	"github.com/google/uuid"

	"github.com/climbkernel/kcore/internal/config"
)

// Priority mirrors BACKGROUND..URGENT.
type Priority int

const (
	Background Priority = iota
	Low
	Medium
	High
	Urgent
)

// Request is one block I/O request moving through the scheduler.
// CorrelationID lets logs and tracing follow one request across
// coalescing, boosting, and eventual dispatch, since a coalesced
// request's identity otherwise dissolves into whichever iterator
// absorbed it.
type Request struct {
	CorrelationID uuid.UUID
	LBA           uint64
	SectorCount   uint64
	Priority      Priority
	EnqueueTime   int64 // ms
	IsAggregate   bool
	Skip          bool
	BoostCount    int

	elem *list.Element
}

// NewRequest allocates a Request with a fresh correlation id.
func NewRequest(lba, sectorCount uint64, prio Priority) *Request {
	return &Request{CorrelationID: uuid.New(), LBA: lba, SectorCount: sectorCount, Priority: prio}
}

// Ops is the device's capability table from spec.md §9's "capability
// tables" design note: a plain struct of function pointers rather than
// an inheritance hierarchy.
type Ops struct {
	ShouldCoalesce   func(iter, candidate *Request) bool
	DoCoalesce       func(iter, candidate *Request)
	SubmitBioAsync   func(r *Request)
	SkipScheduling   bool
	DispatchThreshold int
	TickMs           int64

	// Reorder lets a device reshuffle a queue's pending requests beyond
	// coalescing and boosting (elevator-style seek ordering, etc).
	// Falls back to noopReorder when unset, preserving the hook without
	// guessing a device-specific policy.
	Reorder func(s *Scheduler)

	// MaxWaitMs/MinWaitMs override config.DefaultBioMaxWaitMs/MinWaitMs
	// for this device when non-zero, since real devices tune their own
	// starvation thresholds rather than sharing one global table.
	MaxWaitMs [config.BioSchedLevels]uint64
	MinWaitMs uint64

	// BoostOccupanceLimit bounds how many requests a starvation boost
	// may land in a given level; a zero entry means unbounded. Keeps a
	// boost storm from one starved level from saturating another.
	BoostOccupanceLimit [config.BioSchedLevels]uint64
}

// noopReorder is the default Ops.Reorder hook: no device-specific
// reordering policy.
func noopReorder(s *Scheduler) {}

// Scheduler is a single device's five-level MLFQ, one lock protecting
// all queues, per spec.md §5's "Bio scheduler: single lock per device."
type Scheduler struct {
	mu     sync.Mutex
	queues [config.BioSchedLevels]*list.List
	dirty  [config.BioSchedLevels]bool
	total  int
	ops    *Ops
	nowMs  func() int64
}

// NewScheduler builds a scheduler bound to a device's ops table. A nil
// nowMs is replaced by a clock that always returns 0.
func NewScheduler(ops *Ops, nowMs func() int64) *Scheduler {
	if nowMs == nil {
		nowMs = func() int64 { return 0 }
	}
	s := &Scheduler{ops: ops, nowMs: nowMs}
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s
}

// Enqueue implements spec.md §4.10's five-step enqueue contract.
func (s *Scheduler) Enqueue(r *Request) {
	if s.ops.SkipScheduling || r.Priority == Urgent {
		s.ops.SubmitBioAsync(r)
		return
	}

	s.mu.Lock()
	r.EnqueueTime = s.nowMs()
	r.elem = s.queues[r.Priority].PushBack(r)
	s.dirty[r.Priority] = true
	s.total++
	s.coalesceLocked()

	var dispatch *Request
	if s.total > s.ops.DispatchThreshold {
		dispatch = s.popHighestLocked()
	}
	s.boostLocked()
	s.mu.Unlock()

	if dispatch != nil {
		s.ops.SubmitBioAsync(dispatch)
	}
}

// coalesceLocked runs up to MaxCoalesces rounds of same-queue and
// then adjacent-queue coalescing, per spec.md §4.10 step 3.
func (s *Scheduler) coalesceLocked() {
	for round := 0; round < config.BioSchedMaxCoalesces; round++ {
		changedAny := false
		for p := 0; p < config.BioSchedLevels; p++ {
			if !s.dirty[p] {
				continue
			}
			changedAny = s.coalesceWithinQueueLocked(Priority(p)) || changedAny
			s.dirty[p] = false
		}
		for p := 0; p < config.BioSchedLevels-1; p++ {
			changedAny = s.coalesceAdjacentLocked(Priority(p), Priority(p+1)) || changedAny
		}
		if !changedAny {
			return
		}
	}
}

func (s *Scheduler) coalesceWithinQueueLocked(p Priority) bool {
	q := s.queues[p]
	changed := false
	for e := q.Front(); e != nil; e = e.Next() {
		iter := e.Value.(*Request)
		if iter.Skip {
			continue
		}
		n := 0
		for c := e.Next(); c != nil && n < config.BioSchedCoalesceScanLimit; c, n = c.Next(), n+1 {
			cand := c.Value.(*Request)
			if cand.Skip {
				continue
			}
			if s.ops.ShouldCoalesce(iter, cand) {
				s.ops.DoCoalesce(iter, cand)
				iter.IsAggregate = true
				cand.Skip = true
				changed = true
			}
		}
	}
	return changed
}

// coalesceAdjacentLocked folds candidates from the lower queue into
// iters in the higher queue.
func (s *Scheduler) coalesceAdjacentLocked(lower, higher Priority) bool {
	changed := false
	hq := s.queues[higher]
	lq := s.queues[lower]
	for he := hq.Front(); he != nil; he = he.Next() {
		iter := he.Value.(*Request)
		if iter.Skip {
			continue
		}
		n := 0
		for le := lq.Front(); le != nil && n < config.BioSchedCoalesceScanLimit; n++ {
			cand := le.Value.(*Request)
			next := le.Next()
			if !cand.Skip && s.ops.ShouldCoalesce(iter, cand) {
				s.ops.DoCoalesce(iter, cand)
				iter.IsAggregate = true
				cand.Skip = true
				changed = true
			}
			le = next
		}
	}
	return changed
}

// popHighestLocked removes and returns the head of the highest
// non-empty queue, skipping entries marked Skip (folded into another
// aggregate).
func (s *Scheduler) popHighestLocked() *Request {
	for p := config.BioSchedLevels - 1; p >= 0; p-- {
		q := s.queues[p]
		var next *list.Element
		for e := q.Front(); e != nil; e = next {
			next = e.Next()
			r := e.Value.(*Request)
			q.Remove(e)
			s.total--
			if r.Skip {
				continue
			}
			return r
		}
	}
	return nil
}

// boostLocked walks every queue promoting starved requests: eligible
// when now > enqueue_time + max_wait_time[prio] >> boost_count,
// clamped by BOOST_SHIFT_LIMIT and min_wait_ms; each eligible boost
// steps by 1 + boostDepth(boost_count), capped one level below
// BIO_SCHED_MAX (URGENT) and gated by the target level's
// BoostOccupanceLimit. Queues are walked from the highest boostable
// level down, so a request promoted in this pass is not examined again
// until the next pass.
func (s *Scheduler) boostLocked() {
	now := s.nowMs()
	for p := config.BioSchedLevels - 2; p >= 0; p-- {
		q := s.queues[p]
		var next *list.Element
		for e := q.Front(); e != nil; e = next {
			next = e.Next()
			r := e.Value.(*Request)
			if r.Skip {
				continue
			}
			if s.eligibleForBoost(r, now, Priority(p)) {
				s.promote(q, e, r)
			}
		}
	}
}

func (s *Scheduler) eligibleForBoost(r *Request, now int64, p Priority) bool {
	shift := r.BoostCount
	if shift > config.BioSchedBoostShiftLimit {
		shift = config.BioSchedBoostShiftLimit
	}
	base := s.ops.MaxWaitMs[p]
	if base == 0 {
		base = config.DefaultBioMaxWaitMs[p]
	}
	minWait := s.ops.MinWaitMs
	if minWait == 0 {
		minWait = config.DefaultBioMinWaitMs
	}
	maxWait := base >> uint(shift)
	if maxWait < minWait {
		maxWait = minWait
	}
	return now > r.EnqueueTime+int64(maxWait)
}

// boostDepth is the staircase the original header's get_boost_depth
// applies on top of the base +1 step: deeper starvation earns a bigger
// jump per boost.
func boostDepth(boostCount int) int {
	switch {
	case boostCount >= 3:
		return 2
	case boostCount >= 1:
		return 1
	default:
		return 0
	}
}

func (s *Scheduler) promote(q *list.List, e *list.Element, r *Request) {
	step := 1 + boostDepth(r.BoostCount)
	newPrio := int(r.Priority) + step
	// Boosting never lands a request in URGENT: URGENT bypasses the
	// queue entirely at enqueue time, so the highest a boost may reach
	// is one level below it.
	if newPrio > config.BioSchedMax-1 {
		newPrio = config.BioSchedMax - 1
	}
	if newPrio == int(r.Priority) {
		r.BoostCount++
		return
	}
	if limit := s.ops.BoostOccupanceLimit[newPrio]; limit > 0 && uint64(s.queues[newPrio].Len()) >= limit {
		r.BoostCount++
		return
	}
	q.Remove(e)
	r.Priority = Priority(newPrio)
	r.BoostCount++
	r.elem = s.queues[newPrio].PushBack(r)
	s.dirty[newPrio] = true
}

// Tick re-runs the boost and coalesce passes even absent new enqueues,
// per spec.md's "a periodic tick every ops->tick_ms re-runs boost and
// coalesce passes."
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalesceLocked()
	s.boostLocked()
	reorder := s.ops.Reorder
	if reorder == nil {
		reorder = noopReorder
	}
	reorder(s)
}

// QueueLen reports how many requests sit in priority p's queue, for
// tests and diagnostics.
func (s *Scheduler) QueueLen(p Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[p].Len()
}

// Total reports the scheduler-wide request count.
func (s *Scheduler) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
