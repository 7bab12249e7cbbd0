// Package keylock serializes work per key while letting different keys run
// concurrently. Entries are reference counted and dropped when unused.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locks[K comparable] struct {
	mu sync.Mutex
	m  map[K]*entry
}

func New[K comparable]() *Locks[K] {
	return &Locks[K]{m: map[K]*entry{}}
}

// Lock blocks until key is free and returns its unlock func.
func (l *Locks[K]) Lock(key K) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many keys are held or waited on.
func (l *Locks[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
