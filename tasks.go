package linking

import (
	"context"
	"sync"
	"time"
)

// DefaultTaskTimeout bounds a single queued task.
const DefaultTaskTimeout = 10 * time.Second

type queuedTask struct {
	name string
	run  func(ctx context.Context) error
}

// WorkerQueue is a bounded TaskQueue. Submit never blocks: when the buffer is
// full the task is dropped and Submit returns false. Tasks run with a fresh
// context so request cancellation does not abort them.
type WorkerQueue struct {
	tasks   chan queuedTask
	logger  Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerQueue starts workers goroutines reading from a buffer of size.
func NewWorkerQueue(workers, size int, logger Logger) *WorkerQueue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	q := &WorkerQueue{
		tasks:   make(chan queuedTask, size),
		logger:  normalizeLogger(logger),
		timeout: DefaultTaskTimeout,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

// Submit implements TaskQueue.
func (q *WorkerQueue) Submit(name string, task func(ctx context.Context) error) bool {
	if task == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	select {
	case q.tasks <- queuedTask{name: name, run: task}:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for queued ones until ctx is done.
func (q *WorkerQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkerQueue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *WorkerQueue) run(t queuedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked", "task", t.name, "panic", r)
		}
	}()

	if err := t.run(ctx); err != nil {
		q.logger.Warn("queued task failed", "task", t.name, "error", err)
	}
}
