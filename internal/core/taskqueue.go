package core

import "sync"

// Task is a deferred action run on the heartbeat goroutine.
type Task func()

// TaskQueue is an unbounded FIFO. Enqueue never blocks; Poll is called only
// by the heartbeat goroutine.
type TaskQueue struct {
	mu    sync.Mutex
	items []Task
	wake  chan struct{}
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{wake: make(chan struct{}, 1)}
}

func (q *TaskQueue) Enqueue(t Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.Notify()
}

// Notify wakes a sleeping heartbeat without queueing anything.
func (q *TaskQueue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) Poll() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *TaskQueue) Wake() <-chan struct{} {
	return q.wake
}
