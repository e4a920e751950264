// Package topology implements the SMT→CORE→LLC→NUMA→PACKAGE level tree
// from spec.md §3. Each level holds groups; each group carries a CPU
// mask and an idle mask that shrinks/grows as cores go idle or wake.
package topology

import (
	"sync"

	"go.uber.org/zap"

	"github.com/climbkernel/kcore/internal/cpumask"
)

// Level identifies a rung in the topology ladder, ordered from tightest
// to widest sharing domain.
type Level int

const (
	SMT Level = iota
	Core
	LLC
	NUMA
	Package
	numLevels
)

func (l Level) String() string {
	switch l {
	case SMT:
		return "SMT"
	case Core:
		return "CORE"
	case LLC:
		return "LLC"
	case NUMA:
		return "NUMA"
	case Package:
		return "PACKAGE"
	default:
		return "UNKNOWN"
	}
}

// CacheDescriptor describes a shared cache at a given level.
type CacheDescriptor struct {
	CacheLevel     int
	SizeBytes      int
	LineSizeBytes  int
	CoresSharing   int
}

// Node is one group within a level: an id, the CPUs under it, the
// currently idle subset, and (for cache-bearing levels) a descriptor.
// Invariant: Idle ⊆ Cpus. AddNode does not fill in Children; levels are
// related through shared CPU membership.
type Node struct {
	mu       sync.Mutex
	ID       int
	Level    Level
	Cpus     *cpumask.Mask
	Idle     *cpumask.Mask
	Cache    *CacheDescriptor
	Children []*Node
}

// MarkCPUIdle sets or clears cpuID in this node's idle mask.
func (n *Node) MarkCPUIdle(cpuID int, idle bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if idle {
		n.Idle.Set(cpuID)
	} else {
		n.Idle.Clear(cpuID)
	}
}

// IdleCount returns the number of currently idle CPUs under this node.
func (n *Node) IdleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Idle.Count()
}

// Topology owns the Nodes registered at each level, plus a per-level
// index from CPU id to the node containing it, for fast lookups.
type Topology struct {
	logger *zap.Logger
	nbits  int

	levels [numLevels][]*Node
	// leafOf maps a CPU id to its node at each level, for O(1)
	// "mark this CPU idle at every level it belongs to" updates.
	leafOf [numLevels][]*Node // indexed by CPU id
}

// New builds an empty topology sized for nbits CPUs; groups are
// registered into levels via AddNode.
func New(nbits int, logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Topology{logger: logger.Named("topology"), nbits: nbits}
	for l := range t.leafOf {
		t.leafOf[l] = make([]*Node, nbits)
	}
	return t
}

// AddNode creates a new group at level with the given id and CPU
// membership, linking each member CPU's leaf pointer at that level.
func (t *Topology) AddNode(level Level, id int, cpus *cpumask.Mask, cache *CacheDescriptor) *Node {
	n := &Node{ID: id, Level: level, Cpus: cpus, Idle: cpumask.New(t.nbits), Cache: cache}
	t.levels[level] = append(t.levels[level], n)
	cpus.Iterate(func(c int) {
		t.leafOf[level][c] = n
	})
	t.logger.Debug("topology node registered", zap.String("level", level.String()), zap.Int("id", id), zap.Int("cpus", cpus.Count()))
	return n
}

// Nodes returns every group registered at level.
func (t *Topology) Nodes(level Level) []*Node {
	return t.levels[level]
}

// NodeFor returns the node containing cpuID at level, or nil.
func (t *Topology) NodeFor(level Level, cpuID int) *Node {
	if cpuID < 0 || cpuID >= t.nbits {
		return nil
	}
	return t.leafOf[level][cpuID]
}

// MarkCoreIdle propagates an idle/woke transition for cpuID to every
// level's containing node, maintaining Idle ⊆ Cpus at each rung.
func (t *Topology) MarkCoreIdle(cpuID int, idle bool) {
	for l := Level(0); l < numLevels; l++ {
		if n := t.NodeFor(l, cpuID); n != nil {
			n.MarkCPUIdle(cpuID, idle)
		}
	}
}

// Siblings returns every other node at level sharing a parent with
// cpuID's own node at level — used by work stealing's victim-preference
// order (SMT → CORE → LLC → NUMA → PACKAGE). The parent is cpuID's node
// at the next wider level; at PACKAGE, or where that level has no node
// for cpuID, every other node at level is returned.
func (t *Topology) Siblings(level Level, cpuID int) []*Node {
	self := t.NodeFor(level, cpuID)
	if self == nil {
		return nil
	}
	var parent *Node
	if level+1 < numLevels {
		parent = t.NodeFor(level+1, cpuID)
	}
	var out []*Node
	for _, n := range t.levels[level] {
		if n != self && (parent == nil || parent.Cpus.Intersects(n.Cpus)) {
			out = append(out, n)
		}
	}
	return out
}
