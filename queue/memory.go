package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a process-local FIFO for single-binary deployments and tests.
// Delivery is at-most-once: a dequeued task is gone even if never acked.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	acked int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) (Handle, error) {
	if err := prepare(&t); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return Handle(t.ID), nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return &t, nil
}

func (q *MemoryQueue) Ack(_ context.Context, _ Handle) error {
	q.mu.Lock()
	q.acked++
	q.mu.Unlock()
	return nil
}

// Len returns the number of ready tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Acked returns how many deliveries were acknowledged.
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}
