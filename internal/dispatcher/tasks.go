package dispatcher

import "sync"

// taskQueue is a multi-producer queue drained by the loop goroutine once per
// iteration. wake has room for one token so a push never blocks.
type taskQueue struct {
	mu    sync.Mutex
	items []func(*Dispatcher)
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func(*Dispatcher)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued task. Tasks pushed while the returned ones run are
// picked up by the next drain.
func (q *taskQueue) drain() []func(*Dispatcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
