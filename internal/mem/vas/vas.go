// Package vas implements the per-CPU virtual address space partitioning
// from spec.md §4.9: a global range split into ncpus sub-ranges, each
// holding a red-black tree of allocated (start, length) ranges.
package vas

import (
	"sync"

	"github.com/climbkernel/kcore/internal/rbtree"
)

type allocRange struct {
	start, length uintptr
}

func lessByStart(a, b any) bool {
	return a.(*allocRange).start < b.(*allocRange).start
}

// SubRange is one CPU's slice of the global virtual address space.
type SubRange struct {
	mu    sync.Mutex
	base  uintptr
	size  uintptr
	tree  *rbtree.Tree
}

func newSubRange(base, size uintptr) *SubRange {
	return &SubRange{base: base, size: size, tree: rbtree.New(lessByStart)}
}

// findGapLocked walks the tree in order looking for a gap of at least
// size bytes, respecting align, returning the gap's start address.
func (s *SubRange) findGapLocked(size, align uintptr) (uintptr, bool) {
	cursor := alignUp(s.base, align)
	end := s.base + s.size

	var found uintptr
	ok := false
	s.tree.Walk(func(n *rbtree.Node) {
		if ok {
			return
		}
		r := n.Value.(*allocRange)
		if r.start > cursor && r.start-cursor >= size {
			found = cursor
			ok = true
			return
		}
		next := r.start + r.length
		if next > cursor {
			cursor = alignUp(next, align)
		}
	})
	if ok {
		return found, true
	}
	if end > cursor && end-cursor >= size {
		return cursor, true
	}
	return 0, false
}

func alignUp(v, align uintptr) uintptr {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (s *SubRange) insertLocked(start, length uintptr) {
	s.tree.Insert(&rbtree.Node{Value: &allocRange{start: start, length: length}})
}

func (s *SubRange) removeLocked(start uintptr) bool {
	var target *rbtree.Node
	s.tree.Walk(func(n *rbtree.Node) {
		if target == nil && n.Value.(*allocRange).start == start {
			target = n
		}
	})
	if target == nil {
		return false
	}
	s.tree.Remove(target)
	return true
}

// Manager owns ncpus sub-ranges carved out of a single global virtual
// address range.
type Manager struct {
	subranges []*SubRange
	subSize   uintptr
	base      uintptr
}

// New splits [base, base+totalSize) into ncpus equal sub-ranges.
func New(base, totalSize uintptr, ncpus int) *Manager {
	if ncpus <= 0 {
		panic("vas: ncpus must be positive")
	}
	subSize := totalSize / uintptr(ncpus)
	m := &Manager{base: base, subSize: subSize, subranges: make([]*SubRange, ncpus)}
	for i := range m.subranges {
		m.subranges[i] = newSubRange(base+uintptr(i)*subSize, subSize)
	}
	return m
}

// ErrNoSpace indicates no sub-range (local or otherwise) has a gap
// large enough.
type noSpaceError string

func (e noSpaceError) Error() string { return string(e) }

const ErrNoSpace = noSpaceError("vas: no sub-range has a gap large enough")

// Alloc tries localCPU's own sub-range first; on failure it iterates
// the others, per spec.md's "try local sub-range... on failure,
// iterate other CPUs."
func (m *Manager) Alloc(localCPU int, size, align uintptr) (uintptr, error) {
	order := make([]int, 0, len(m.subranges))
	order = append(order, localCPU)
	for i := range m.subranges {
		if i != localCPU {
			order = append(order, i)
		}
	}
	for _, idx := range order {
		s := m.subranges[idx]
		s.mu.Lock()
		if addr, ok := s.findGapLocked(size, align); ok {
			s.insertLocked(addr, size)
			s.mu.Unlock()
			return addr, nil
		}
		s.mu.Unlock()
	}
	return 0, ErrNoSpace
}

// Free removes the range starting at addr, deriving its owning
// sub-range from addr's offset into the global range.
func (m *Manager) Free(addr uintptr) {
	idx := int((addr - m.base) / m.subSize)
	if idx < 0 || idx >= len(m.subranges) {
		panic("vas: free of an address outside the managed range")
	}
	s := m.subranges[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(addr) {
		panic("vas: free of an address with no matching allocation")
	}
}

// SubRangeCount reports how many sub-ranges this manager owns.
func (m *Manager) SubRangeCount() int { return len(m.subranges) }
