package stream

import "sync"

// Queue runs submitted tasks one at a time, in submission order, on its own
// goroutine. Submit and Offer never block, so they are safe to call from a
// context that must not stall, such as a radio callback.
//
// Tasks come in two kinds. Submitted tasks are always kept. Offered tasks
// are droppable: when a limit is set and that many offered tasks are
// already waiting, the oldest waiting offered task is discarded.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     []task
	limit     int // max waiting offered tasks; 0 is unbounded
	droppable int // offered tasks waiting
	dropped   uint64
	closed    bool
	done      chan struct{}
}

type task struct {
	fn        func()
	droppable bool
}

// NewQueue starts a Queue with no bound on offered tasks.
func NewQueue() *Queue {
	return NewBoundedQueue(0)
}

// NewBoundedQueue starts a Queue that keeps at most limit offered tasks
// waiting. A limit <= 0 means no bound.
func NewBoundedQueue(limit int) *Queue {
	if limit < 0 {
		limit = 0
	}
	q := &Queue{limit: limit, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues fn. It is never dropped while the queue is open. It
// returns false if the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	return q.enqueue(task{fn: fn})
}

// Offer enqueues fn as a droppable task. It returns false if the queue is
// closed.
func (q *Queue) Offer(fn func()) bool {
	return q.enqueue(task{fn: fn, droppable: true})
}

func (q *Queue) enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if t.droppable {
		if q.limit > 0 && q.droppable >= q.limit {
			q.dropOldestLocked()
		}
		q.droppable++
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return true
}

func (q *Queue) dropOldestLocked() {
	for i, t := range q.tasks {
		if !t.droppable {
			continue
		}
		copy(q.tasks[i:], q.tasks[i+1:])
		q.tasks[len(q.tasks)-1] = task{}
		q.tasks = q.tasks[:len(q.tasks)-1]
		q.droppable--
		q.dropped++
		return
	}
}

// Close stops the queue. Pending tasks are discarded; a task already running
// finishes. Close does not wait for it, so it may be called from a task.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.tasks = nil
		q.droppable = 0
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Done is closed when the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Dropped returns how many offered tasks were discarded to respect the limit.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		if t.droppable {
			q.droppable--
		}
		q.mu.Unlock()
		t.fn()
	}
}
