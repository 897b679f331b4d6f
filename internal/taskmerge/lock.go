package taskmerge

import "sync"

// keyedLock is a process-wide map of per-key mutexes, grounded on the
// teacher's executor.Dispatcher "one ProjectWorker per project path"
// idiom — generalized here from one worker goroutine per key to one
// plain mutex per key, since the merge lock only needs mutual exclusion
// rather than an owned goroutine. Guards against two concurrent merges
// of the *same* worktree racing past the mergedFrom pre-check (spec
// §4.4's "SQLite merge lock").
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLock) lockFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// withLock runs fn while holding the mutex for key.
func (k *keyedLock) withLock(key string, fn func() error) error {
	m := k.lockFor(key)
	m.Lock()
	defer m.Unlock()
	return fn()
}
