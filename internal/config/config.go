// Package config holds the boot-tunable constants named throughout
// spec.md. In the original C kernel these are #defines baked into the
// binary; here they are likewise compiled-in constants (plus the
// DefaultBioMaxWaitMs table, a package variable). Per-device bio wait
// times can be overridden through bio.Ops.
package config

import "time"

// Scheduler / work stealing (original_source/include/sch/sched.h).
const (
	WorkStealThresholdPercent = 75
	DefaultStealMinDiff       = 130
	DefaultMaxConcurrentSteal = 4
	NiceZeroWeight            = 1024
)

// CLIMB (original_source/include/sch/climb.h).
const (
	ClimbBoostLevels       = 20
	ClimbMinGlobalBoost    = 1
	ClimbReinsertThreshold = 2
	ClimbPressureExponent  = 3
	ClimbMaxDecayPeriods   = 20
)

// IRQL (original_source/include/sch/irql.h).
const (
	IRQLPinnedBit  = 5
	IRQLLevelMask  = 0b1111
)

// RCU.
const (
	RCUBuckets = 16 // power of two, per spec.md §6
)

// TLB shootdown.
const (
	TLBRingSize = 32 // power of two, per spec.md §6; see DESIGN.md Open Questions
)

// Bio scheduler (original_source/include/block/sched.h).
const (
	BioSchedLevels            = 5
	BioSchedMax               = BioSchedLevels - 1
	BioSchedStarvationBoost   = 1
	BioSchedBoostShiftLimit   = 4
	BioSchedCoalesceScanLimit = 8
	BioSchedMaxCoalesces      = 4
)

// DefaultBioMaxWaitMs are per-level max wait times before first boost,
// indexed by priority (BACKGROUND..URGENT); URGENT bypasses the queue
// entirely so its entry is unused but kept for array symmetry.
var DefaultBioMaxWaitMs = [BioSchedLevels]uint64{500, 250, 120, 60, 0}

const DefaultBioMinWaitMs = 2
const DefaultBioDispatchThreshold = 64
const DefaultBioTick = 50 * time.Millisecond

// Memory management.
const (
	PageSize      = 4096
	HugepageSize  = 2 * 1024 * 1024
	HugepagePages = HugepageSize / PageSize // 512, matches the 512-bit bitmap
	MaxOrder      = 11                      // buddy orders 0..11, 4KiB..8MiB
	HugepageGCCap = 16                      // see DESIGN.md Open Questions
)
