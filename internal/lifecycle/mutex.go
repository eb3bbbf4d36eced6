package lifecycle

import "sync"

// lockRegistry hands out one mutex per entity ID, created lazily. Entries are
// never evicted; the population is bounded by the number of events ever seen
// by one process, which is small.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (r *lockRegistry) get(id int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = map[int64]*sync.Mutex{}
	}
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}
