package processing

import "sync"

// keyedLock hands out one mutex per image id so duplicate deliveries of the
// same event never race on the derived-asset keys. Entries are reference
// counted and dropped once the last holder releases, keeping the table from
// growing with the image count.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]*lockEntry)}
}

// lock blocks until the per-key mutex is held and returns the release func.
func (l *keyedLock) lock(key string) func() {
	l.mu.Lock()
	e, ok := l.held[key]
	if !ok {
		e = &lockEntry{}
		l.held[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
