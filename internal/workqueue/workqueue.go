// Package workqueue implements the bounded MPMC sequence-numbered ring
// and dynamic worker pool from spec.md §4.5, grounded on the
// sequence-numbered slot shape used by other_examples/.../hayabusa-cloud-lfq
// and the selector/sequence field layout in other_examples/.../alphadose-ZenQ.
package workqueue

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/cpumask"
)

// Task is one unit of work submitted to the queue.
type Task func()

type slot struct {
	seq  uint64
	task Task
}

// Config tunes the adaptive worker pool, per spec.md's spawn/idle policy.
type Config struct {
	Capacity           int
	MinWorkers         int
	MaxWorkers         int
	SpawnThreshold     int // queue depth that triggers a spawn attempt
	SpawnDelay         time.Duration
	MinInactivity      time.Duration
	MaxInactivity      time.Duration
	MigratableWorkers  bool
	Affinity           *cpumask.Mask // nil ⇒ unconstrained
}

// DefaultConfig mirrors typical kernel workqueue defaults: small bounded
// ring, a couple of always-on workers, generous headroom to scale out.
func DefaultConfig() Config {
	return Config{
		Capacity:      256,
		MinWorkers:    1,
		MaxWorkers:    8,
		SpawnThreshold: 16,
		SpawnDelay:    5 * time.Millisecond,
		MinInactivity: 10 * time.Millisecond,
		MaxInactivity: 500 * time.Millisecond,
	}
}

// Queue is a bounded MPMC ring of tasks backed by a dynamic worker pool.
type Queue struct {
	cfg   Config
	slots []slot

	head uint64
	tail uint64

	logger *zap.Logger

	mu             sync.Mutex
	workers        int
	spawning       int32
	lastSpawn      time.Time
	inactivity     time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	closed         bool
}

// New builds a workqueue and starts cfg.MinWorkers workers.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 || cfg.Capacity&(cfg.Capacity-1) != 0 {
		panic("workqueue: capacity must be a power of two")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:        cfg,
		slots:      make([]slot, cfg.Capacity),
		logger:     logger.Named("workqueue"),
		inactivity: cfg.MinInactivity,
		lastSpawn:  time.Time{},
		stopCh:     make(chan struct{}),
	}
	for i := range q.slots {
		q.slots[i].seq = uint64(i)
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		q.spawnWorker()
	}
	return q
}

func (q *Queue) mask() uint64 { return uint64(len(q.slots) - 1) }

// Submit reserves a slot and writes t, spinning briefly if the ring is
// momentarily full (producer outruns consumers), then considers
// spawning a worker if depth crosses the configured threshold.
func (q *Queue) Submit(t Task) {
	i := atomic.AddUint64(&q.head, 1) - 1
	s := &q.slots[i&q.mask()]
	for atomic.LoadUint64(&s.seq) != i {
		// ring momentarily full at this index; yield to let a consumer
		// catch up before this producer can claim the slot.
		runtime.Gosched()
	}
	s.task = t
	atomic.StoreUint64(&s.seq, i+1)

	if q.depth() >= q.cfg.SpawnThreshold {
		q.maybeSpawn()
	}
}

func (q *Queue) depth() int {
	h := atomic.LoadUint64(&q.head)
	tl := atomic.LoadUint64(&q.tail)
	return int(h - tl)
}

// maybeSpawn implements the spawn policy: depth over threshold, worker
// count under max, spawn-delay elapsed, and only one spawn in flight.
func (q *Queue) maybeSpawn() {
	if !atomic.CompareAndSwapInt32(&q.spawning, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&q.spawning, 0)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.workers >= q.cfg.MaxWorkers {
		return
	}
	if time.Since(q.lastSpawn) < q.cfg.SpawnDelay {
		return
	}
	q.lastSpawn = time.Now()
	q.spawnWorkerLocked()
}

func (q *Queue) spawnWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.spawnWorkerLocked()
}

func (q *Queue) spawnWorkerLocked() {
	if q.closed {
		return
	}
	q.workers++
	q.wg.Add(1)
	go q.runWorker()
	q.logger.Debug("worker spawned", zap.Int("total", q.workers))
}

// runWorker pulls tasks off the ring until it has idled longer than the
// adaptive inactivity window, then exits (respecting min_workers).
func (q *Queue) runWorker() {
	defer q.wg.Done()
	idleSince := time.Now()
	for {
		select {
		case <-q.stopCh:
			q.exitWorker()
			return
		default:
		}

		t, ok := q.tryPop()
		if ok {
			idleSince = time.Now()
			t()
			q.adaptInactivity(true)
			continue
		}

		if time.Since(idleSince) > q.currentInactivity() {
			q.mu.Lock()
			if q.workers > q.cfg.MinWorkers {
				q.workers--
				q.mu.Unlock()
				q.logger.Debug("worker exiting idle")
				return
			}
			q.mu.Unlock()
			idleSince = time.Now()
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *Queue) exitWorker() {
	q.mu.Lock()
	if q.workers > 0 {
		q.workers--
	}
	q.mu.Unlock()
}

func (q *Queue) currentInactivity() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inactivity
}

// adaptInactivity narrows the idle window toward min under sustained
// activity and widens it toward max otherwise, per spec.md's "idle
// period adapts between min and max based on observed activity".
func (q *Queue) adaptInactivity(busy bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if busy {
		q.inactivity -= (q.inactivity - q.cfg.MinInactivity) / 4
	} else {
		q.inactivity += (q.cfg.MaxInactivity - q.inactivity) / 4
	}
	if q.inactivity < q.cfg.MinInactivity {
		q.inactivity = q.cfg.MinInactivity
	}
	if q.inactivity > q.cfg.MaxInactivity {
		q.inactivity = q.cfg.MaxInactivity
	}
}

func (q *Queue) tryPop() (Task, bool) {
	for {
		j := atomic.LoadUint64(&q.tail)
		s := &q.slots[j&q.mask()]
		seq := atomic.LoadUint64(&s.seq)
		switch {
		case seq == j+1:
			if atomic.CompareAndSwapUint64(&q.tail, j, j+1) {
				t := s.task
				s.task = nil
				atomic.StoreUint64(&s.seq, j+uint64(len(q.slots)))
				return t, true
			}
		case seq < j+1:
			return nil, false
		default:
			// another consumer already claimed this slot; retry.
		}
	}
}

// WorkerCount returns the current live worker count, for tests and
// diagnostics.
func (q *Queue) WorkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

// Close stops all workers. Queued-but-unstarted tasks are abandoned.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	q.wg.Wait()
}
