// Package sched implements the stride scheduler: the ready collection, the
// current-task slot of the single core, and the switch between tasks.
package sched

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/task"
)

// ErrInvalidPriority is returned by SetPriority for a value outside
// [task.MinPriority, task.MaxPriority].
var ErrInvalidPriority = errors.New("invalid priority")

// MMU switches the active address space of the core.
type MMU interface {
	Activate(space *mm.AddressSpace)
}

// SwitchFunc observes a change of the current task. Either side may be nil.
type SwitchFunc func(from, to *task.Task)

// Scheduler selects tasks by stride: each selection charges the task
// BigStride/priority, and the ready task with the lowest pass runs next.
// Ties go to the task that entered the ready collection first.
//
// Scheduler is not safe for concurrent use; callers hold the kernel lock.
type Scheduler struct {
	mmu       MMU
	ready     []*task.Task
	current   *task.Task
	vtime     int64
	seq       uint64
	decisions uint64
	onSwitch  SwitchFunc
	log       hclog.Logger
}

// New creates an empty scheduler driving mmu.
func New(mmu MMU, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{mmu: mmu, log: logger}
}

// OnSwitch registers fn to run after every change of the current task.
func (s *Scheduler) OnSwitch(fn SwitchFunc) {
	s.onSwitch = fn
}

// Submit appends t to the tail of the ready collection. A task whose pass has
// fallen behind the scheduler's virtual time is brought up to it, so a task
// cannot bank CPU share while it was not runnable.
func (s *Scheduler) Submit(t *task.Task) {
	t.SetState(task.Ready())
	t.Retain()
	if t.Pass() < s.vtime {
		t.SetPass(s.vtime)
	}
	s.seq++
	t.SetAdmitted(s.seq)
	s.ready = append(s.ready, t)
}

// Remove takes t out of the ready collection. It reports whether t was queued.
func (s *Scheduler) Remove(t *task.Task) bool {
	for i, r := range s.ready {
		if r == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			t.Drop()
			return true
		}
	}
	return false
}

// SelectNext removes and returns the ready task with the lowest pass, or nil
// when nothing is ready.
func (s *Scheduler) SelectNext() *task.Task {
	if len(s.ready) == 0 {
		return nil
	}

	best := 0
	for i, t := range s.ready[1:] {
		b := s.ready[best]
		if t.Pass() < b.Pass() || (t.Pass() == b.Pass() && t.Admitted() < b.Admitted()) {
			best = i + 1
		}
	}

	t := s.ready[best]
	s.ready = append(s.ready[:best], s.ready[best+1:]...)
	t.Drop()

	s.vtime = t.Pass()
	t.SetPass(t.Pass() + t.Stride())
	s.decisions++
	return t
}

// RunNext is the only place the current task changes. A current task that is
// still running was preempted and goes back to the ready collection; a
// terminated one is simply released. The selected task's address space is
// activated and it becomes current. RunNext returns the new current task, or
// nil when the core goes idle.
func (s *Scheduler) RunNext() *task.Task {
	prev := s.current
	if prev != nil && prev.State().Kind() == task.KindRunning {
		s.Submit(prev)
	}

	next := s.SelectNext()

	if prev != nil {
		s.current = nil
		prev.Drop()
	}

	if next == nil {
		s.mmu.Activate(nil)
		s.log.Trace("idle", "from", pidOf(prev))
		s.notify(prev, nil)
		return nil
	}

	s.mmu.Activate(next.Space())
	next.SetState(task.Running())
	next.Retain()
	s.current = next

	s.log.Trace("switch", "from", pidOf(prev), "to", next.PID(), "pass", next.Pass())
	s.notify(prev, next)
	return next
}

func (s *Scheduler) notify(from, to *task.Task) {
	if s.onSwitch != nil && from != to {
		s.onSwitch(from, to)
	}
}

// Current returns the running task, or nil while the core is idle.
func (s *Scheduler) Current() *task.Task {
	return s.current
}

// SetPriority changes t's weight for future selections. Share already
// accrued is not recomputed.
func (s *Scheduler) SetPriority(t *task.Task, p int64) error {
	if !task.ValidPriority(p) {
		return fmt.Errorf("priority %d: %w", p, ErrInvalidPriority)
	}
	t.SetPriority(p)
	return nil
}

// Len returns the number of ready tasks.
func (s *Scheduler) Len() int {
	return len(s.ready)
}

// Decisions returns how many selections the scheduler has made.
func (s *Scheduler) Decisions() uint64 {
	return s.decisions
}

// Queued returns the ready tasks in queue order.
func (s *Scheduler) Queued() []*task.Task {
	out := make([]*task.Task, len(s.ready))
	copy(out, s.ready)
	return out
}

func pidOf(t *task.Task) task.PID {
	if t == nil {
		return 0
	}
	return t.PID()
}
