// Package kpanic is a fail-fast path for programming errors: it records
// that a fatal invariant violation happened, logs it, and panics. The
// IRQL state machine and the ksync spinlock call kpanic.Panicf; the
// other packages' invariant checks use the builtin panic directly.
package kpanic

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var panicked int32

var logger *zap.Logger = zap.NewNop()

// SetLogger installs the logger used for the final fatal record. Tests
// that don't care about log output can leave the no-op default.
func SetLogger(l *zap.Logger) {
	logger = l.Named("panic")
}

// Panicked reports whether a fatal invariant violation has already been
// recorded on any core; callers use this to short-circuit cooperative
// shutdown the way real IPI'd NMI panic propagation would.
func Panicked() bool {
	return atomic.LoadInt32(&panicked) != 0
}

// Panicf records the reason, logs a structured fatal-equivalent record,
// and panics. It never allocates on paths that must stay allocation-free
// in real operation beyond the format string itself, matching spec.md
// §7's "never allocates on a hot path" policy for scheduler/IRQL/RCU
// code which should not be calling this in the first place.
func Panicf(format string, args ...any) {
	atomic.StoreInt32(&panicked, 1)
	reason := fmt.Sprintf(format, args...)
	logger.Error("fatal invariant violation, halting all cores", zap.String("reason", reason))
	panic(reason)
}
