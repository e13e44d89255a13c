package message

import "sync"

// threadLocks hands out one mutex per thread id so appends to a single
// thread are serialized while cross-thread appends stay independent.
// The lock is held only around the append itself, never across I/O to
// external capabilities.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *threadLocks) lock(threadID string) func() {
	t.mu.Lock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[threadID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}
