// Package schedule runs recurring jobs on a clock. It backs the periodic
// push (monitor) and pull (master) admin modules.
package schedule

import (
	"sync"
	"time"

	"cloud-admin/internal/clock"
)

// JobID identifies a scheduled job. Zero is never a valid id.
type JobID uint64

// Scheduler owns a set of recurring jobs.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID JobID
	jobs   map[JobID]*job
	closed bool
}

type job struct {
	period time.Duration
	fn     func()
	timer  *clock.Timer
	done   bool
}

// New returns a scheduler driven by c; nil means the real clock.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{clock: c, jobs: make(map[JobID]*job)}
}

// Schedule runs fn after delay and then every period. A non-positive
// period makes the job one-shot. Runs of one job never overlap.
func (s *Scheduler) Schedule(delay, period time.Duration, fn func()) JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.nextID++
	id := s.nextID
	j := &job{period: period, fn: fn}
	s.jobs[id] = j
	s.arm(id, j, delay)
	return id
}

// Cancel stops a job. It reports whether the job was live.
func (s *Scheduler) Cancel(id JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	delete(s.jobs, id)
	j.done = true
	if j.timer != nil {
		j.timer.Stop()
	}
	return true
}

// Len returns the number of live jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, j := range s.jobs {
		j.done = true
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, id)
	}
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(id JobID, j *job, d time.Duration) {
	if d < 0 {
		d = 0
	}
	// The fake clock runs zero-delay callbacks synchronously, so the
	// first run is always deferred by at least a nanosecond to keep the
	// callback out from under s.mu.
	if d == 0 {
		d = time.Nanosecond
	}
	j.timer = s.clock.AfterFunc(d, func() { s.fire(id, j) })
}

func (s *Scheduler) fire(id JobID, j *job) {
	s.mu.Lock()
	if j.done {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	j.fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.done {
		return
	}
	if j.period <= 0 {
		j.done = true
		delete(s.jobs, id)
		return
	}
	s.arm(id, j, j.period)
}
