// Package serial provides an unbounded FIFO job queue drained by one
// goroutine, used to run a connection's handlers in arrival order off the
// connection's read loop.
package serial

import "sync"

// Queue runs pushed jobs one at a time in push order.
type Queue struct {
	mu      sync.Mutex
	jobs    []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New returns a queue. Run must be started for jobs to execute.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends job. Jobs pushed after Stop are dropped.
func (q *Queue) Push(job func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.signal()
}

// Stop drops queued jobs and ends Run once the running job returns.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.jobs = nil
	q.mu.Unlock()
	q.signal()
}

// Done is closed when Run returns.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of jobs waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Run drains the queue until Stop.
func (q *Queue) Run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if q.stopped {
				q.mu.Unlock()
				return
			}
			if len(q.jobs) == 0 {
				q.mu.Unlock()
				break
			}
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			job()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
