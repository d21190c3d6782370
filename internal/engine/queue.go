package engine

import (
	"sync"

	"riskwatch/pkg/types"
)

// updateQueue is the bounded per-client update buffer. When the queue is
// full, the oldest event carrying a balance already present in the queue is
// dropped to make room; if every queued balance is distinct, the producer
// blocks until the consumer catches up. Risk-relevant information is never
// lost to overflow.
type updateQueue struct {
	mu      sync.Mutex
	notFull *sync.Cond
	items   []types.BalanceUpdate
	cap     int
	dropped int64
	closed  bool
}

func newUpdateQueue(capacity int) *updateQueue {
	q := &updateQueue{cap: capacity}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends an update, blocking if the queue is full of distinct
// balances. Returns false if the queue was closed.
func (q *updateQueue) Push(u types.BalanceUpdate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.cap && !q.closed {
		if q.dropDuplicateLocked() {
			break
		}
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, u)
	return true
}

// dropDuplicateLocked removes the oldest event whose balance also appears
// later in the queue. Reports whether room was made.
func (q *updateQueue) dropDuplicateLocked() bool {
	for i := 0; i < len(q.items); i++ {
		for j := i + 1; j < len(q.items); j++ {
			if q.items[i].NewBalance.Equal(q.items[j].NewBalance) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				return true
			}
		}
	}
	return false
}

// Pop removes the oldest update. Reports false when the queue is empty.
func (q *updateQueue) Pop() (types.BalanceUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return types.BalanceUpdate{}, false
	}
	u := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return u, true
}

// Len returns the current depth.
func (q *updateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many duplicate events were shed on overflow.
func (q *updateQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close releases any blocked producers; subsequent pushes are rejected.
func (q *updateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
}
