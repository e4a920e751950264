// Package buddy implements the mid-boot power-of-two buddy allocator
// from spec.md §4.9: "per-order free lists; power-of-two block sizes up
// to MAX_ORDER. Allocation rounds up to the smallest sufficient order;
// blocks are split; frees coalesce with their buddy if free."
package buddy

import (
	"sync"

	"github.com/climbkernel/kcore/internal/config"
)

// Allocator manages a single contiguous physical range as a buddy
// system over orders 0..MaxOrder, where order k is 2^k pages.
type Allocator struct {
	mu      sync.Mutex
	base    uintptr
	npages  int
	maxOrder int
	// freeLists[k] holds the starting page index (relative to base) of
	// each free block of order k.
	freeLists [][]int
	// orderOf tracks the order an allocated block started at, keyed by
	// its starting page index, so Free knows how much to coalesce.
	orderOf map[int]int
}

func orderSize(order int) int { return 1 << uint(order) }

// New builds an allocator over npages pages starting at base. npages
// need not be a power of two; seed carves the whole range into
// successively smaller power-of-two blocks, so no page is left out.
func New(base uintptr, npages int) *Allocator {
	maxOrder := config.MaxOrder
	for orderSize(maxOrder) > npages && maxOrder > 0 {
		maxOrder--
	}
	a := &Allocator{
		base:     base,
		npages:   npages,
		maxOrder: maxOrder,
		freeLists: make([][]int, maxOrder+1),
		orderOf:  make(map[int]int),
	}
	a.seed()
	return a
}

// seed carves the full range into the largest possible power-of-two
// blocks, largest order first, greedily.
func (a *Allocator) seed() {
	pos := 0
	for order := a.maxOrder; order >= 0 && pos < a.npages; order-- {
		size := orderSize(order)
		for pos+size <= a.npages {
			a.freeLists[order] = append(a.freeLists[order], pos)
			pos += size
		}
	}
}

func orderFor(pages int) int {
	order := 0
	for orderSize(order) < pages {
		order++
	}
	return order
}

// ErrOutOfMemory indicates no block large enough (or splittable down
// to large enough) is free.
type outOfMemoryError string

func (e outOfMemoryError) Error() string { return string(e) }

const ErrOutOfMemory = outOfMemoryError("buddy: no block of sufficient order is free")

// Alloc returns npages pages (rounded up to a power of two), as a
// physical address.
func (a *Allocator) Alloc(npages int) (uintptr, error) {
	if npages <= 0 {
		panic("buddy: alloc of non-positive page count")
	}
	order := orderFor(npages)
	if order > a.maxOrder {
		return 0, ErrOutOfMemory
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.findFreeOrderLocked(order)
	if src < 0 {
		return 0, ErrOutOfMemory
	}
	page := a.splitDownLocked(src, order)
	a.orderOf[page] = order
	return a.base + uintptr(page)*config.PageSize, nil
}

// findFreeOrderLocked finds the smallest free order >= order, or -1.
func (a *Allocator) findFreeOrderLocked(order int) int {
	for o := order; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// splitDownLocked pops a block at order `from`, splitting it down to
// `want`, pushing the unused buddy halves back onto their own
// free lists, and returns the page index of the final `want`-order
// block.
func (a *Allocator) splitDownLocked(from, want int) int {
	lst := a.freeLists[from]
	page := lst[len(lst)-1]
	a.freeLists[from] = lst[:len(lst)-1]

	for order := from; order > want; order-- {
		half := orderSize(order - 1)
		buddy := page + half
		a.freeLists[order-1] = append(a.freeLists[order-1], buddy)
	}
	return page
}

// Free returns a block previously returned by Alloc, coalescing with
// its buddy repeatedly while the buddy is also free.
func (a *Allocator) Free(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	page := int((addr - a.base) / config.PageSize)
	order, ok := a.orderOf[page]
	if !ok {
		panic("buddy: free of an address not returned by alloc")
	}
	delete(a.orderOf, page)

	for order < a.maxOrder {
		size := orderSize(order)
		buddy := page ^ size // buddy address trick: flip the order-th bit
		if !a.removeFromFreeListLocked(order, buddy) {
			break
		}
		if buddy < page {
			page = buddy
		}
		order++
	}
	a.freeLists[order] = append(a.freeLists[order], page)
}

func (a *Allocator) removeFromFreeListLocked(order, page int) bool {
	lst := a.freeLists[order]
	for i, p := range lst {
		if p == page {
			a.freeLists[order] = append(lst[:i], lst[i+1:]...)
			return true
		}
	}
	return false
}

// FreeBlocks returns the count of free blocks at each order, for tests
// and diagnostics.
func (a *Allocator) FreeBlocks(order int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freeLists[order])
}

// MaxOrder reports the allocator's configured maximum order.
func (a *Allocator) MaxOrder() int { return a.maxOrder }
