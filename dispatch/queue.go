package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// queueKey identifies one signing session: an account on a backend, across
// every VM it signs for.
type queueKey struct {
	backend string
	account uint32
}

type accountLock struct {
	sem  *semaphore.Weighted
	refs int
}

// queue serializes signing per (backend, account). Entries are dropped
// once no caller holds or waits on them.
type queue struct {
	mu    sync.Mutex
	locks map[queueKey]*accountLock
}

func newQueue() *queue {
	return &queue{locks: make(map[queueKey]*accountLock)}
}

// acquire blocks until key is free or ctx is done.
func (q *queue) acquire(ctx context.Context, key queueKey) (func(), error) {
	q.mu.Lock()
	l, ok := q.locks[key]
	if !ok {
		l = &accountLock{sem: semaphore.NewWeighted(1)}
		q.locks[key] = l
	}
	l.refs++
	q.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		q.unref(key, l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			q.unref(key, l)
		})
	}, nil
}

func (q *queue) unref(key queueKey, l *accountLock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(q.locks, key)
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.locks)
}
