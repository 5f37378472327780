package lock

import "sync"

// Threads serializes writers per thread id. Mutations of one thread (sends,
// result merges, recycle operations, migrations) run one at a time while
// different threads proceed in parallel.
type Threads struct {
	mu    sync.Mutex
	locks map[int64]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewThreads returns an empty lock table.
func NewThreads() *Threads {
	return &Threads{locks: make(map[int64]*threadLock)}
}

// Lock blocks until the caller owns threadID and returns the unlock function.
func (t *Threads) Lock(threadID int64) func() {
	l := t.acquire(threadID)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.release(threadID)
	}
}

// LockPair owns two threads at once, always locking the lower id first so two
// concurrent migrations cannot deadlock.
func (t *Threads) LockPair(a, b int64) func() {
	if a == b {
		return t.Lock(a)
	}
	if b < a {
		a, b = b, a
	}
	unlockA := t.Lock(a)
	unlockB := t.Lock(b)
	return func() {
		unlockB()
		unlockA()
	}
}

func (t *Threads) acquire(threadID int64) *threadLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{}
		t.locks[threadID] = l
	}
	l.refs++
	return l
}

func (t *Threads) release(threadID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.locks[threadID]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, threadID)
	}
}

// Len reports how many threads are currently locked or awaited.
func (t *Threads) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
