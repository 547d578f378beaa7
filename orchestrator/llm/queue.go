package llm

import (
	"context"
	"errors"
	"sync"
)

// Priority orders admission. Lower value wins.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

var ErrQueueFull = errors.New("admission queue is full")

type waiter struct {
	priority Priority
	admit    chan error
}

// AdmissionQueue bounds concurrent fabric calls at three priority levels.
// FIFO within a level; higher levels are always admitted first. When the
// wait queue is full and drop-lowest is enabled, a strictly lower-priority
// waiter is rejected synchronously to make room for the newcomer.
type AdmissionQueue struct {
	mu            sync.Mutex
	inFlight      int
	maxConcurrent int
	maxWaiting    int
	dropLowest    bool
	waiters       []*waiter
}

// NewAdmissionQueue creates a queue admitting maxConcurrent callers with at
// most maxWaiting parked behind them.
func NewAdmissionQueue(maxConcurrent, maxWaiting int, dropLowest bool) *AdmissionQueue {
	return &AdmissionQueue{
		maxConcurrent: maxConcurrent,
		maxWaiting:    maxWaiting,
		dropLowest:    dropLowest,
	}
}

// Enqueue admits the caller or parks it until a slot frees. Every successful
// Enqueue must be paired with exactly one Dequeue.
func (q *AdmissionQueue) Enqueue(ctx context.Context, p Priority) error {
	q.mu.Lock()
	if q.inFlight < q.maxConcurrent {
		q.inFlight++
		q.mu.Unlock()
		return nil
	}

	w := &waiter{priority: p, admit: make(chan error, 1)}
	if len(q.waiters) >= q.maxWaiting {
		if len(q.waiters) == 0 {
			// maxWaiting 0: nobody to evict, reject outright.
			q.mu.Unlock()
			return ErrQueueFull
		}
		last := q.waiters[len(q.waiters)-1]
		if !q.dropLowest || last.priority <= p {
			q.mu.Unlock()
			return ErrQueueFull
		}
		// Evict the lowest-priority waiter; its Enqueue observes the
		// rejection before we return.
		q.waiters = q.waiters[:len(q.waiters)-1]
		last.admit <- ErrQueueFull
	}
	q.insert(w)
	q.mu.Unlock()

	select {
	case err := <-w.admit:
		return err
	case <-ctx.Done():
		q.remove(w)
		return ctx.Err()
	}
}

// Dequeue releases a slot. If anyone is waiting, the head waiter inherits it.
func (q *AdmissionQueue) Dequeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		head := q.waiters[0]
		q.waiters = q.waiters[1:]
		head.admit <- nil
		return
	}
	if q.inFlight > 0 {
		q.inFlight--
	}
}

// Depth reports the number of parked waiters.
func (q *AdmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// InFlight reports the number of admitted callers.
func (q *AdmissionQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// insert keeps waiters sorted by priority, stable within a level.
func (q *AdmissionQueue) insert(w *waiter) {
	pos := len(q.waiters)
	for i, existing := range q.waiters {
		if existing.priority > w.priority {
			pos = i
			break
		}
	}
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[pos+1:], q.waiters[pos:])
	q.waiters[pos] = w
}

// remove unparks a cancelled waiter. A concurrent admission may already have
// fired; in that case the slot it granted is handed back.
func (q *AdmissionQueue) remove(w *waiter) {
	q.mu.Lock()
	for i, existing := range q.waiters {
		if existing == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()
	select {
	case err := <-w.admit:
		if err == nil {
			q.Dequeue()
		}
	default:
	}
}
