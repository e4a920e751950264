package buddy

import (
	"sort"
	"sync"
)

// PerCPUArena is a small bounded ring of single pages, letting a CPU
// satisfy page-sized allocations without going to the domain's shared
// buddy allocator. Push and Pop take a per-arena mutex; the ring is not
// lockless.
type PerCPUArena struct {
	slots []uintptr
	head  int
	tail  int
	mu    sync.Mutex
}

// NewPerCPUArena returns an empty arena with room for cap pages.
func NewPerCPUArena(cap int) *PerCPUArena {
	return &PerCPUArena{slots: make([]uintptr, cap)}
}

func (r *PerCPUArena) len() int { return r.head - r.tail }

// Push returns false if the arena is full.
func (r *PerCPUArena) Push(addr uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len() >= len(r.slots) {
		return false
	}
	r.slots[r.head%len(r.slots)] = addr
	r.head++
	return true
}

// Pop returns false if the arena is empty.
func (r *PerCPUArena) Pop() (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len() == 0 {
		return 0, false
	}
	addr := r.slots[r.tail%len(r.slots)]
	r.tail++
	return addr, true
}

// Domain is a NUMA-aware domain buddy allocator: a local buddy over the
// node's physical range, a per-core arena per CPU in the domain, and a
// zonelist of sibling domains to fall back to — spec.md §4.9's "for
// each scheduler domain... a local buddy... a per-core arena ring...
// and a zonelist sorted by (distance, then free pages)".
type Domain struct {
	ID      int
	Buddy   *Allocator
	Arenas  []*PerCPUArena // indexed by local CPU slot
	distance map[int]int   // sibling domain id -> distance
	siblings []*Domain
}

// NewDomain builds a domain with a buddy allocator over npages pages
// starting at base and ncpus per-core arenas.
func NewDomain(id int, base uintptr, npages int, ncpus int, arenaCap int) *Domain {
	d := &Domain{
		ID:       id,
		Buddy:    New(base, npages),
		Arenas:   make([]*PerCPUArena, ncpus),
		distance: make(map[int]int),
	}
	for i := range d.Arenas {
		d.Arenas[i] = NewPerCPUArena(arenaCap)
	}
	return d
}

// SetDistance records the NUMA distance to a sibling domain, used to
// order the zonelist fallback.
func (d *Domain) SetDistance(sibling *Domain, dist int) {
	d.distance[sibling.ID] = dist
	d.siblings = append(d.siblings, sibling)
}

// zonelist returns siblings sorted by (distance, then free pages at
// order 0), recomputed per call since free-page counts shift over time.
func (d *Domain) zonelist() []*Domain {
	out := make([]*Domain, len(d.siblings))
	copy(out, d.siblings)
	sort.Slice(out, func(i, j int) bool {
		di, dj := d.distance[out[i].ID], d.distance[out[j].ID]
		if di != dj {
			return di < dj
		}
		return out[i].Buddy.FreeBlocks(0) > out[j].Buddy.FreeBlocks(0)
	})
	return out
}

// AllocPage satisfies a single-page allocation using the fallback order
// from spec.md §4.9: local arena → local buddy → zonelist siblings.
func (d *Domain) AllocPage(localCPU int) (uintptr, error) {
	if localCPU >= 0 && localCPU < len(d.Arenas) {
		if addr, ok := d.Arenas[localCPU].Pop(); ok {
			return addr, nil
		}
	}
	if addr, err := d.Buddy.Alloc(1); err == nil {
		return addr, nil
	}
	for _, sib := range d.zonelist() {
		if addr, err := sib.Buddy.Alloc(1); err == nil {
			return addr, nil
		}
	}
	return 0, ErrOutOfMemory
}

// FreePage returns a page to this domain: first to the requesting
// CPU's arena if there's room, otherwise straight to the buddy.
func (d *Domain) FreePage(localCPU int, addr uintptr) {
	if localCPU >= 0 && localCPU < len(d.Arenas) {
		if d.Arenas[localCPU].Push(addr) {
			return
		}
	}
	d.Buddy.Free(addr)
}
