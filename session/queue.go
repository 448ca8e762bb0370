package session

import (
	"context"
	"sync"
)

// job runs on the store worker and returns what the loop applies afterwards.
// A nil continuation means nothing to apply.
type job func(ctx context.Context) func()

// storeQueue is an unbounded FIFO drained by a single worker, so store calls
// happen in the order commands were issued and enqueueing never blocks the loop.
type storeQueue struct {
	mu     sync.Mutex
	jobs   []job
	wake   chan struct{}
	closed bool
}

func newStoreQueue() *storeQueue {
	return &storeQueue{wake: make(chan struct{}, 1)}
}

func (q *storeQueue) push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *storeQueue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *storeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.jobs = nil
}

// run executes jobs until ctx ends and hands continuations to post.
func (q *storeQueue) run(ctx context.Context, post func(any) bool) {
	for {
		for {
			j, ok := q.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			if apply := j(ctx); apply != nil {
				post(apply)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
