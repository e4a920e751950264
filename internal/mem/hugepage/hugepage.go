// Package hugepage implements the per-CPU 2 MiB hugepage sub-allocator
// from spec.md §4.9: each CPU owns a min-heap of hugepages keyed by
// virtual base; each hugepage carries a 512-bit occupancy bitmap plus a
// last-allocated hint for page-sized sub-allocations.
package hugepage

import (
	"container/heap"
	"math/bits"
	"sync"

	"github.com/climbkernel/kcore/internal/config"
)

const bitmapWords = config.HugepagePages / 64 // 512/64 = 8 words

// Hugepage is one 2 MiB arena: a virtual base address and a 512-bit
// occupancy bitmap (1 = allocated), plus the last-allocated hint used
// to bias the next scan toward recently active regions.
type Hugepage struct {
	Base      uintptr
	bitmap    [bitmapWords]uint64
	allocated int
	lastHint  int
	heapIndex int
}

func (h *Hugepage) test(i int) bool { return h.bitmap[i/64]&(1<<uint(i%64)) != 0 }
func (h *Hugepage) set(i int)       { h.bitmap[i/64] |= 1 << uint(i%64) }
func (h *Hugepage) clear(i int)     { h.bitmap[i/64] &^= 1 << uint(i%64) }

func (h *Hugepage) Full() bool  { return h.allocated == config.HugepagePages }
func (h *Hugepage) Empty() bool { return h.allocated == 0 }

// allocPage finds and claims a clear bit, scanning from the word
// containing lastHint and wrapping once, returning the claimed page
// index, or -1 if full.
func (h *Hugepage) allocPage() int {
	startWord := h.lastHint / 64
	for pass := 0; pass < bitmapWords+1; pass++ {
		w := (startWord + pass) % bitmapWords
		word := h.bitmap[w]
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		idx := w*64 + bit
		if idx >= config.HugepagePages {
			continue
		}
		h.set(idx)
		h.allocated++
		h.lastHint = idx
		return idx
	}
	return -1
}

func (h *Hugepage) freePage(idx int) {
	if !h.test(idx) {
		panic("hugepage: double free of page index")
	}
	h.clear(idx)
	h.allocated--
}

// minHeap orders hugepages by virtual base, implementing container/heap.
type minHeap []*Hugepage

func (m minHeap) Len() int            { return len(m) }
func (m minHeap) Less(i, j int) bool  { return m[i].Base < m[j].Base }
func (m minHeap) Swap(i, j int) {
	m[i], m[j] = m[j], m[i]
	m[i].heapIndex = i
	m[j].heapIndex = j
}
func (m *minHeap) Push(x any) {
	hp := x.(*Hugepage)
	hp.heapIndex = len(*m)
	*m = append(*m, hp)
}
func (m *minHeap) Pop() any {
	old := *m
	n := len(old)
	hp := old[n-1]
	old[n-1] = nil
	*m = old[:n-1]
	return hp
}

// Arena is one CPU's hugepage sub-allocator: the active min-heap plus a
// bounded garbage-collection list of emptied-but-retained hugepages.
type Arena struct {
	mu sync.Mutex

	heap minHeap
	gc   []*Hugepage
	gcCap int

	// newHugepage is called when the arena needs a fresh 2 MiB region
	// (backed, in a real kernel, by the buddy allocator); unmap is
	// called when one is released back to it.
	newHugepage func() (uintptr, error)
	unmap       func(uintptr)
}

// New returns an arena that asks newHugepage for fresh 2 MiB regions
// and returns emptied ones to unmap once the GC list exceeds gcCap.
func New(gcCap int, newHugepage func() (uintptr, error), unmap func(uintptr)) *Arena {
	return &Arena{gcCap: gcCap, newHugepage: newHugepage, unmap: unmap}
}

// AllocPage returns a page-sized (4 KiB) allocation's virtual address,
// taken from the lowest-based non-full hugepage, growing the arena (via
// newHugepage, or recycling from the GC list) if none has room.
func (a *Arena) AllocPage() (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.heap) == 0 {
		if err := a.growLocked(); err != nil {
			return 0, err
		}
	}

	hp := a.heap[0]
	idx := hp.allocPage()
	if hp.Full() {
		heap.Pop(&a.heap)
	}
	return hp.Base + uintptr(idx)*config.PageSize, nil
}

func (a *Arena) growLocked() error {
	if len(a.gc) > 0 {
		hp := a.gc[len(a.gc)-1]
		a.gc = a.gc[:len(a.gc)-1]
		heap.Push(&a.heap, hp)
		return nil
	}
	base, err := a.newHugepage()
	if err != nil {
		return err
	}
	heap.Push(&a.heap, &Hugepage{Base: base})
	return nil
}

// FreePage releases a page-sized allocation back to its owning
// hugepage. If that empties the hugepage, it moves to the GC list (up
// to gcCap) or is unmapped and released to the underlying allocator.
func (a *Arena) FreePage(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hp := a.findOwnerLocked(addr)
	if hp == nil {
		panic("hugepage: free of an address outside any owned hugepage")
	}
	wasFull := hp.Full()
	idx := int((addr - hp.Base) / config.PageSize)
	hp.freePage(idx)

	if wasFull {
		// re-enter the active heap; it wasn't there while full.
		heap.Push(&a.heap, hp)
		return
	}
	if hp.Empty() {
		a.removeFromHeapLocked(hp)
		if len(a.gc) < a.gcCap {
			a.gc = append(a.gc, hp)
		} else if a.unmap != nil {
			a.unmap(hp.Base)
		}
	}
}

func (a *Arena) findOwnerLocked(addr uintptr) *Hugepage {
	for _, hp := range a.heap {
		if addr >= hp.Base && addr < hp.Base+config.HugepageSize {
			return hp
		}
	}
	for _, hp := range a.gc {
		if addr >= hp.Base && addr < hp.Base+config.HugepageSize {
			return hp
		}
	}
	return nil
}

func (a *Arena) removeFromHeapLocked(hp *Hugepage) {
	for i, cand := range a.heap {
		if cand == hp {
			heap.Remove(&a.heap, i)
			return
		}
	}
}

// GCLen reports the number of retained-but-empty hugepages, for tests.
func (a *Arena) GCLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.gc)
}

// HeapLen reports the number of non-full hugepages actively serving
// allocations, for tests.
func (a *Arena) HeapLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.heap)
}
