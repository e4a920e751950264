// Package deferred implements HPET-style one-shot timer queues from
// spec.md §4.6: each queue is a time-sorted list of due callbacks,
// drained by a worker woken on the queue's one-shot firing. stdlib
// time.Timer stands in for the HPET comparator register the original
// programs directly — the one piece of this subsystem that is
// genuinely hardware, and the arch seam is where that swap would live
// on real iron.
package deferred

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Callback is a deferred action, run with the two opaque args it was
// scheduled with.
type Callback func(arg1, arg2 any)

type event struct {
	dueMs      int64
	cb         Callback
	arg1, arg2 any
	elem       *list.Element
	cancelled  bool
}

// Handle lets a caller cancel a scheduled event before it fires.
type Handle struct {
	ev *event
	q  *Queue
}

// Cancel removes the event if it has not yet fired.
func (h *Handle) Cancel() {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.ev.elem != nil {
		h.q.list.Remove(h.ev.elem)
		h.ev.elem = nil
	}
	h.ev.cancelled = true
}

// Queue is one HPET-backed timer queue: a sorted list of pending
// events plus a worker goroutine that blocks on the next due time.
type Queue struct {
	mu      sync.Mutex
	list    *list.List
	timer   *time.Timer
	nowFn   func() int64
	logger  *zap.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New starts a queue's worker. nowFn returns the current time in
// milliseconds; passing nil uses wall-clock time.
func New(nowFn func() int64, logger *zap.Logger) *Queue {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		list:   list.New(),
		nowFn:  nowFn,
		logger: logger.Named("deferred"),
		stop:   make(chan struct{}),
		timer:  time.NewTimer(time.Hour),
	}
	q.timer.Stop()
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules cb to run after delayMs milliseconds, inserting in
// due-time order; if this becomes the new head and it fires sooner
// than the currently programmed time, the one-shot is reprogrammed.
func (q *Queue) Enqueue(delayMs int64, cb Callback, arg1, arg2 any) *Handle {
	due := q.nowFn() + delayMs
	ev := &event{dueMs: due, cb: cb, arg1: arg1, arg2: arg2}

	q.mu.Lock()
	var mark *list.Element
	for e := q.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*event).dueMs > due {
			mark = e
			break
		}
	}
	becameHead := q.list.Front() == nil || (mark == q.list.Front())
	if mark != nil {
		ev.elem = q.list.InsertBefore(ev, mark)
	} else {
		ev.elem = q.list.PushBack(ev)
	}
	q.mu.Unlock()

	if becameHead {
		q.reprogram()
	}
	return &Handle{ev: ev, q: q}
}

// reprogram resets the one-shot timer to fire when the current head
// event is due.
func (q *Queue) reprogram() {
	q.mu.Lock()
	front := q.list.Front()
	q.mu.Unlock()
	if front == nil {
		return
	}
	ev := front.Value.(*event)
	delay := time.Duration(ev.dueMs-q.nowFn()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if !q.timer.Stop() {
		select {
		case <-q.timer.C:
		default:
		}
	}
	q.timer.Reset(delay)
}

// run is the worker thread named in spec.md's contract: "a worker
// thread is notified by semaphore; it drains due events at now_ms and
// re-programs for the next head." Here the timer channel plays the
// semaphore's role.
func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-q.timer.C:
			q.drainDue()
			q.reprogram()
		}
	}
}

func (q *Queue) drainDue() {
	now := q.nowFn()
	for {
		q.mu.Lock()
		front := q.list.Front()
		if front == nil {
			q.mu.Unlock()
			return
		}
		ev := front.Value.(*event)
		if ev.dueMs > now {
			q.mu.Unlock()
			return
		}
		q.list.Remove(front)
		ev.elem = nil
		q.mu.Unlock()

		if !ev.cancelled {
			ev.cb(ev.arg1, ev.arg2)
		}
	}
}

// Len returns the number of pending (uncancelled, undelivered) events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Close stops the worker. Pending events never fire.
func (q *Queue) Close() {
	close(q.stop)
	q.timer.Stop()
	q.wg.Wait()
}
