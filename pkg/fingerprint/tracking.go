package fingerprint

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// DefaultTrackedKinds are recorded unless tracking is reconfigured. Only
// plain DML and queries are tracked by default.
var DefaultTrackedKinds = []StatementKind{KindSelect, KindInsert, KindUpdate, KindDelete, KindInsertSelect}

// tracked is a bitmask indexed by StatementKind.
var tracked atomic.Uint32

func init() {
	ResetTracking()
}

func kindBit(k StatementKind) uint32 {
	if k < 0 || k > KindReplace {
		return 0
	}
	return 1 << uint(k)
}

// Tracked reports whether statements of this kind are recorded in the
// stats cache.
func Tracked(k StatementKind) bool {
	bit := kindBit(k)
	return bit != 0 && tracked.Load()&bit != 0
}

// EnableTracking starts recording statements of kind k.
func EnableTracking(k StatementKind) {
	bit := kindBit(k)
	for {
		old := tracked.Load()
		if tracked.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// DisableTracking stops recording statements of kind k.
func DisableTracking(k StatementKind) {
	bit := kindBit(k)
	for {
		old := tracked.Load()
		if tracked.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// SetTrackedKinds records exactly the given kinds.
func SetTrackedKinds(kinds ...StatementKind) {
	var mask uint32
	for _, k := range kinds {
		mask |= kindBit(k)
	}
	tracked.Store(mask)
}

// TrackedKinds returns the recorded kinds in declaration order.
func TrackedKinds() []StatementKind {
	var out []StatementKind
	for k := KindOther; k <= KindReplace; k++ {
		if Tracked(k) {
			out = append(out, k)
		}
	}
	return out
}

// ResetTracking restores DefaultTrackedKinds.
func ResetTracking() {
	SetTrackedKinds(DefaultTrackedKinds...)
}

// WithTrackedKinds temporarily records exactly the given kinds and returns a
// cleanup function restoring the previous set.
//
// Example:
//
//	cleanup := fingerprint.WithTrackedKinds(fingerprint.KindSelect)
//	defer cleanup()
func WithTrackedKinds(kinds ...StatementKind) func() {
	prev := tracked.Load()
	SetTrackedKinds(kinds...)
	return func() {
		tracked.Store(prev)
	}
}

// ParseKind maps a kind name such as "select" or "INSERT_SELECT" to its
// StatementKind.
func ParseKind(name string) (StatementKind, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == want {
			return k, nil
		}
	}
	return KindOther, fmt.Errorf("unknown statement kind %q", name)
}
