// Package schedule runs delayed continuations on the update loop. Nothing
// runs on its own goroutine: due tasks run inside Advance.
package schedule

import (
	"context"
	"sort"
	"time"
)

type task struct {
	ctx context.Context
	due time.Duration
	seq uint64
	fn  func(context.Context)
}

// Scheduler keeps a virtual clock advanced by the update loop.
type Scheduler struct {
	now   time.Duration
	seq   uint64
	tasks []*task
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// After schedules fn to run once delay has elapsed on the scheduler clock.
// fn is dropped without running if ctx is canceled first. Tasks with the
// same due time run in scheduling order.
func (s *Scheduler) After(ctx context.Context, delay time.Duration, fn func(context.Context)) {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	s.tasks = append(s.tasks, &task{ctx: ctx, due: s.now + delay, seq: s.seq, fn: fn})
}

// Advance moves the clock forward by delta and runs every task now due,
// including tasks scheduled by those tasks with a zero delay.
func (s *Scheduler) Advance(delta time.Duration) {
	s.now += delta
	for {
		t := s.popDue()
		if t == nil {
			return
		}
		if t.ctx.Err() != nil {
			continue
		}
		t.fn(t.ctx)
	}
}

func (s *Scheduler) popDue() *task {
	s.prune()
	if len(s.tasks) == 0 {
		return nil
	}
	sort.Slice(s.tasks, func(i, j int) bool {
		if s.tasks[i].due != s.tasks[j].due {
			return s.tasks[i].due < s.tasks[j].due
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	if s.tasks[0].due > s.now {
		return nil
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t
}

// prune drops canceled tasks.
func (s *Scheduler) prune() {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.ctx.Err() == nil {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
}

// Pending returns the number of tasks waiting to run.
func (s *Scheduler) Pending() int {
	s.prune()
	return len(s.tasks)
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Duration {
	return s.now
}
