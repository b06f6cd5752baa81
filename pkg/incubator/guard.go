package incubator

import (
	"sync"
	"sync/atomic"
)

// guard allows one command in flight. busy can be read without blocking.
type guard struct {
	mu   sync.Mutex
	busy atomic.Bool
}

func (g *guard) lock() {
	g.mu.Lock()
	g.busy.Store(true)
}

func (g *guard) unlock() {
	g.busy.Store(false)
	g.mu.Unlock()
}

func (g *guard) Busy() bool {
	return g.busy.Load()
}
