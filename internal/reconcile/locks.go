package reconcile

import "sync"

// pointLocks serializes writers per point id. Entries are never
// removed; the map grows with the point count, not the request count.
type pointLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func newPointLocks() *pointLocks {
	return &pointLocks{m: make(map[int64]*sync.Mutex)}
}

// lock acquires the mutex for id and returns its release func.
func (pl *pointLocks) lock(id int64) func() {
	pl.mu.Lock()
	mu, ok := pl.m[id]
	if !ok {
		mu = &sync.Mutex{}
		pl.m[id] = mu
	}
	pl.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}
