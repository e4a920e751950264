// Package cpumask implements the CPU mask data model from spec.md §3: a
// bit set over CPU ids with an inline 64-bit word for small machines and
// a slice of words once the machine exceeds 64 CPUs.
package cpumask

import (
	"math/bits"

	"golang.org/x/sys/cpu"
)

const wordBits = 64

// Mask is a bit set over CPU ids. The zero value is a valid empty mask.
// _ cpu.CacheLinePad keeps masks embedded in per-CPU hot structs from
// false-sharing their neighbor fields across cache lines.
type Mask struct {
	nbits int
	inl   uint64   // used when nbits <= 64
	large []uint64 // used when nbits > 64
	_     cpu.CacheLinePad
}

// New returns a mask sized to hold CPU ids in [0, nbits).
func New(nbits int) *Mask {
	m := &Mask{nbits: nbits}
	if nbits > wordBits {
		m.large = make([]uint64, (nbits+wordBits-1)/wordBits)
	}
	return m
}

func (m *Mask) isLarge() bool { return m.nbits > wordBits }

// Set marks cpu as a member of the mask. Panics if cpu is out of range,
// matching the invariant that nbits never exceeds the CPU count.
func (m *Mask) Set(cpuID int) {
	m.checkRange(cpuID)
	if m.isLarge() {
		m.large[cpuID/wordBits] |= 1 << uint(cpuID%wordBits)
		return
	}
	m.inl |= 1 << uint(cpuID)
}

// Clear removes cpu from the mask.
func (m *Mask) Clear(cpuID int) {
	m.checkRange(cpuID)
	if m.isLarge() {
		m.large[cpuID/wordBits] &^= 1 << uint(cpuID%wordBits)
		return
	}
	m.inl &^= 1 << uint(cpuID)
}

// Test reports whether cpu is a member of the mask.
func (m *Mask) Test(cpuID int) bool {
	m.checkRange(cpuID)
	if m.isLarge() {
		return m.large[cpuID/wordBits]&(1<<uint(cpuID%wordBits)) != 0
	}
	return m.inl&(1<<uint(cpuID)) != 0
}

func (m *Mask) checkRange(cpuID int) {
	if cpuID < 0 || cpuID >= m.nbits {
		panic("cpumask: cpu id out of range")
	}
}

// NBits returns the number of CPU ids this mask can represent.
func (m *Mask) NBits() int { return m.nbits }

// Iterate calls fn for every set CPU id in ascending order.
func (m *Mask) Iterate(fn func(cpuID int)) {
	if m.isLarge() {
		for w, word := range m.large {
			for word != 0 {
				bit := bits.TrailingZeros64(word)
				fn(w*wordBits + bit)
				word &^= 1 << uint(bit)
			}
		}
		return
	}
	word := m.inl
	for word != 0 {
		bit := bits.TrailingZeros64(word)
		fn(bit)
		word &^= 1 << uint(bit)
	}
}

// Count returns the number of set bits.
func (m *Mask) Count() int {
	if m.isLarge() {
		n := 0
		for _, w := range m.large {
			n += bits.OnesCount64(w)
		}
		return n
	}
	return bits.OnesCount64(m.inl)
}

// Empty reports whether no bits are set.
func (m *Mask) Empty() bool { return m.Count() == 0 }

// Intersects reports whether m and other share at least one set CPU id.
func (m *Mask) Intersects(other *Mask) bool {
	if m.isLarge() != other.isLarge() {
		// Fall back to the general case if sizes differ structurally.
		found := false
		m.Iterate(func(c int) {
			if !found && c < other.nbits && other.Test(c) {
				found = true
			}
		})
		return found
	}
	if m.isLarge() {
		n := len(m.large)
		if len(other.large) < n {
			n = len(other.large)
		}
		for i := 0; i < n; i++ {
			if m.large[i]&other.large[i] != 0 {
				return true
			}
		}
		return false
	}
	return m.inl&other.inl != 0
}

// Union returns a new mask containing every bit set in m or other.
func (m *Mask) Union(other *Mask) *Mask {
	n := m.nbits
	if other.nbits > n {
		n = other.nbits
	}
	result := New(n)
	m.Iterate(func(c int) { result.Set(c) })
	other.Iterate(func(c int) { result.Set(c) })
	return result
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	clone := New(m.nbits)
	m.Iterate(func(c int) { clone.Set(c) })
	return clone
}
