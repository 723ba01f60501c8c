package ports

import (
	"sync"

	"github.com/kami-note/clusterforge/pkg/errdefs"
)

// Allocator hands out unique host ports from a half-open range [lo, hi).
// It is safe for concurrent use; concurrent acquires never collide.
type Allocator struct {
	lo, hi int

	mu   sync.Mutex
	used map[int]bool
}

// NewAllocator creates an allocator over [lo, hi).
func NewAllocator(lo, hi int) *Allocator {
	return &Allocator{
		lo:   lo,
		hi:   hi,
		used: make(map[int]bool),
	}
}

// Acquire returns the lowest free port in range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.lo; p < a.hi; p++ {
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, errdefs.ResourceExhausted("no ports available in [%d,%d)", a.lo, a.hi)
}

// Release returns a port to the pool. Releasing a free or out-of-range
// port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// Reserve marks an externally-chosen port as in-use. Used on startup to
// seed the pool from ports held by persisted clusters; a port outside the
// configured range is still tracked so Release stays symmetric.
func (a *Allocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used[port] = true
}

// InUse reports whether a port is currently held.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[port]
}

// Free returns the number of unheld ports in range.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for p := a.lo; p < a.hi; p++ {
		if !a.used[p] {
			n++
		}
	}
	return n
}
