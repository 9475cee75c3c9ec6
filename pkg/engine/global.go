package engine

import "sync"

// =============================================================================
// Process-wide engine
// =============================================================================

var (
	globalMu     sync.RWMutex
	globalEngine *Engine
)

// Init creates the process-wide engine, replacing and closing any previous
// one, and returns it.
func Init(cfg Config) *Engine {
	e := New(cfg)

	globalMu.Lock()
	prev := globalEngine
	globalEngine = e
	globalMu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return e
}

// Default returns the process-wide engine, or nil before Init.
func Default() *Engine {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalEngine
}

// Shutdown closes the process-wide engine.
func Shutdown() {
	globalMu.Lock()
	e := globalEngine
	globalEngine = nil
	globalMu.Unlock()

	if e != nil {
		e.Close()
	}
}
