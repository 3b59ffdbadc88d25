// Package scheduler runs interval-driven periodic tasks without threads
// (§4.4), all ticked by a single Update(dt) call. Address claim, DM1
// cadence and transport-session timers are not scheduled here; their own
// packages keep those timers.
package scheduler

import "time"

// Work is the callback a Task invokes on each firing. A false return counts
// as a failed attempt toward the task's retry budget.
type Work func() bool

// Task is one interval-driven unit of periodic work.
type Task struct {
	Name       string
	Interval   time.Duration
	MaxRetries int // 0 means unlimited retries, the task never self-disables

	elapsed    time.Duration
	enabled    bool
	retryCount int
	work       Work
}

// Scheduler holds an ordered list of tasks and ticks them all on Update.
type Scheduler struct {
	tasks []*Task
}

// New returns an empty Scheduler.
func New() *Scheduler { return &Scheduler{} }

// Add registers a new enabled task and returns its index, stable for the
// lifetime of the Scheduler (tasks are never removed, only disabled).
func (s *Scheduler) Add(name string, interval time.Duration, maxRetries int, work Work) int {
	s.tasks = append(s.tasks, &Task{
		Name:       name,
		Interval:   interval,
		MaxRetries: maxRetries,
		enabled:    true,
		work:       work,
	})
	return len(s.tasks) - 1
}

// Task returns a snapshot of task idx's state, for tests and diagnostics.
func (s *Scheduler) Task(idx int) Task {
	if idx < 0 || idx >= len(s.tasks) {
		return Task{}
	}
	t := *s.tasks[idx]
	t.work = nil
	return t
}

// Enable turns a task on or off. A disabled task does not accumulate
// elapsed time and never fires.
func (s *Scheduler) Enable(idx int, enabled bool) {
	if idx < 0 || idx >= len(s.tasks) {
		return
	}
	s.tasks[idx].enabled = enabled
	if enabled {
		s.tasks[idx].retryCount = 0
	}
}

// Trigger forces task idx's elapsed time past its interval, so the next
// Update fires it immediately regardless of prior accumulated time.
func (s *Scheduler) Trigger(idx int) {
	if idx < 0 || idx >= len(s.tasks) {
		return
	}
	t := s.tasks[idx]
	if t.elapsed < t.Interval {
		t.elapsed = t.Interval
	}
}

// Update accumulates dt into every enabled task and fires any whose elapsed
// time has reached its interval. A task whose work returns false increments
// its retry count; reaching MaxRetries (when non-zero) disables it. Any
// success resets the retry count to zero.
func (s *Scheduler) Update(dt time.Duration) {
	for _, t := range s.tasks {
		if !t.enabled {
			continue
		}
		t.elapsed += dt
		if t.elapsed < t.Interval {
			continue
		}
		t.elapsed = 0
		ok := t.work()
		if ok {
			t.retryCount = 0
			continue
		}
		t.retryCount++
		if t.MaxRetries != 0 && t.retryCount >= t.MaxRetries {
			t.enabled = false
		}
	}
}
