//go:build !unix

package lock

import "sync"

// Without flock the guard only serialises within this process. Cross-process
// reclaim still relies on the marker token check.
var guards sync.Map

type guard struct {
	mu *sync.Mutex
}

func acquireGuard(path string) (*guard, error) {
	v, _ := guards.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return &guard{mu: mu}, nil
}

func (g *guard) release() {
	g.mu.Unlock()
}
