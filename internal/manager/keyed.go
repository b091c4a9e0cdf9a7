package manager

import "sync"

// keyedMutex hands out one mutex per service name. Entries are never
// removed; the set of names is small and bounded by the registries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(name string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[name]
	if !ok {
		m = &sync.Mutex{}
		k.locks[name] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
