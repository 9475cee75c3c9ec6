package cache

import (
	"sync/atomic"
	"time"
)

// readerGate admits one full-table scan at a time. It is a plain try-lock:
// callers that cannot wait fail immediately, callers that can poll it.
type readerGate struct {
	held atomic.Int32
}

func (g *readerGate) tryAcquire() bool {
	return g.held.CompareAndSwap(0, 1)
}

// acquire polls the gate up to retries extra times, sleeping interval
// between attempts.
func (g *readerGate) acquire(retries int, interval time.Duration) bool {
	for attempt := 0; ; attempt++ {
		if g.tryAcquire() {
			return true
		}
		if attempt >= retries {
			return false
		}
		time.Sleep(interval)
	}
}

func (g *readerGate) release() {
	g.held.Store(0)
}
