// Package proc is the process tree: it creates, duplicates, re-images,
// terminates and reaps tasks, and owns the kernel lock that serializes every
// change to the tree and the scheduler.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/loader"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/sched"
	"github.com/aristath/procore/internal/task"
)

var (
	// ErrNotFound is returned when an image name does not resolve.
	ErrNotFound = errors.New("image not found")

	// ErrNoSuchChild is returned by Reap when no child matches the target.
	ErrNoSuchChild = errors.New("no such child")

	// ErrPending is returned by Reap when matching children are all still alive.
	ErrPending = errors.New("child has not exited")

	// ErrExhausted is returned when pids or address spaces run out.
	ErrExhausted = errors.New("resources exhausted")

	// ErrNotRunning is returned for operations on a task that already exited.
	ErrNotRunning = errors.New("task has exited")
)

// Exit codes of tasks the kernel terminates.
const (
	ExitExecFailed         int32 = -1
	ExitMemoryFault        int32 = -2
	ExitIllegalInstruction int32 = -3
	ExitUnsupportedTrap    int32 = -4
)

// AnyChild makes Reap accept whichever matching child exited first in
// children order.
const AnyChild task.PID = -1

// Options configures a Manager.
type Options struct {
	Memory          *mm.Memory
	Loader          loader.Loader
	Scheduler       *sched.Scheduler
	MaxPIDs         int
	DefaultPriority int64
	Bus             *events.EventBus
	Logger          hclog.Logger
}

// Manager owns the process forest.
//
// Apart from Snapshot, methods do not lock: the trap gateway holds the kernel
// lock (Lock/Unlock) for the whole dispatch of a trap, and every tree and
// scheduler operation runs inside it.
type Manager struct {
	mu sync.Mutex

	mem             *mm.Memory
	loader          loader.Loader
	sched           *sched.Scheduler
	pids            *task.PIDAllocator
	tasks           map[task.PID]*task.Task
	root            *task.Task
	defaultPriority int64
	bus             *events.EventBus
	log             hclog.Logger
}

// NewManager creates a Manager with an empty forest.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if !task.ValidPriority(opts.DefaultPriority) {
		opts.DefaultPriority = task.DefaultPriority
	}

	m := &Manager{
		mem:             opts.Memory,
		loader:          opts.Loader,
		sched:           opts.Scheduler,
		pids:            task.NewPIDAllocator(opts.MaxPIDs),
		tasks:           make(map[task.PID]*task.Task),
		defaultPriority: opts.DefaultPriority,
		bus:             opts.Bus,
		log:             opts.Logger,
	}
	m.sched.OnSwitch(m.publishSwitch)
	return m
}

// Lock acquires the kernel lock.
func (m *Manager) Lock() { m.mu.Lock() }

// Unlock releases the kernel lock.
func (m *Manager) Unlock() { m.mu.Unlock() }

// Scheduler returns the scheduler the tree submits tasks to.
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

// Memory returns the memory subsystem.
func (m *Manager) Memory() *mm.Memory { return m.mem }

// Root returns the bootstrap task, or nil before CreateRoot.
func (m *Manager) Root() *task.Task { return m.root }

// Lookup returns the live or zombie task with pid.
func (m *Manager) Lookup(pid task.PID) (*task.Task, bool) {
	t, ok := m.tasks[pid]
	return t, ok
}

// Count returns the number of live and zombie tasks.
func (m *Manager) Count() int {
	return len(m.tasks)
}

// CreateRoot builds the bootstrap task from image and makes it ready.
func (m *Manager) CreateRoot(image string) (*task.Task, error) {
	if m.root != nil {
		return nil, fmt.Errorf("root task already exists (pid %d)", m.root.PID())
	}

	img, ok := m.loader.Resolve(image)
	if !ok {
		return nil, fmt.Errorf("root image %q: %w", image, ErrNotFound)
	}

	pid, err := m.pids.Alloc()
	if err != nil {
		return nil, fmt.Errorf("root pid: %w: %v", ErrExhausted, err)
	}

	space, err := m.mem.NewSpace(img.Program)
	if err != nil {
		m.pids.Free(pid)
		return nil, fmt.Errorf("root address space: %w: %v", ErrExhausted, err)
	}

	root := task.New(pid, image, space, task.EntryContext(img.Entry()))
	root.SetPriority(m.defaultPriority)
	m.root = root
	m.tasks[pid] = root
	m.sched.Submit(root)

	m.log.Info("root task created", "pid", pid, "image", image)
	return root, nil
}

// Fork duplicates parent. The child's copy of the return register is forced
// to 0, so it observes the fork as returning 0; the child is appended to the
// parent's children and made ready.
func (m *Manager) Fork(parent *task.Task) (*task.Task, error) {
	child, err := m.fork(parent)
	if err != nil {
		return nil, err
	}
	m.sched.Submit(child)
	return child, nil
}

func (m *Manager) fork(parent *task.Task) (*task.Task, error) {
	child, err := m.newChild(parent, parent.Image(), parent.Context, func() (*mm.AddressSpace, error) {
		return m.mem.Clone(parent.Space())
	})
	if err != nil {
		return nil, err
	}
	child.Context.SetReturn(0)
	return child, nil
}

// newChild allocates a pid and an address space for a new child of parent
// and links it into the tree. Nothing changes if either allocation fails.
func (m *Manager) newChild(parent *task.Task, image string, ctx task.Context, space func() (*mm.AddressSpace, error)) (*task.Task, error) {
	if parent.State().Kind() == task.KindZombie {
		return nil, fmt.Errorf("fork of %v: %w", parent, ErrNotRunning)
	}

	pid, err := m.pids.Alloc()
	if err != nil {
		m.log.Warn("fork failed", "parent", parent.PID(), "error", err)
		return nil, fmt.Errorf("fork of %v: %w: %v", parent, ErrExhausted, err)
	}

	as, err := space()
	if err != nil {
		m.pids.Free(pid)
		m.log.Warn("fork failed", "parent", parent.PID(), "error", err)
		return nil, fmt.Errorf("fork of %v: %w: %v", parent, ErrExhausted, err)
	}

	child := task.New(pid, image, as, ctx)
	child.SetPriority(m.defaultPriority)
	parent.AddChild(child)
	m.tasks[pid] = child

	m.log.Debug("fork", "parent", parent.PID(), "child", pid)
	m.publish(events.TopicProc, events.TaskForkedEvent{
		Parent:    parent.PID(),
		Child:     pid,
		Image:     child.Image(),
		Timestamp: time.Now(),
	})
	return child, nil
}

// Exec replaces t's image in place with the named one. pid, priority and
// tree links are kept; the register context restarts at the image entry with
// a fresh stack. On any error t is left exactly as it was.
func (m *Manager) Exec(t *task.Task, image string) error {
	img, ok := m.loader.Resolve(image)
	if !ok {
		return fmt.Errorf("exec %q: %w", image, ErrNotFound)
	}

	space, err := m.mem.NewSpace(img.Program)
	if err != nil {
		return fmt.Errorf("exec %q: %w: %v", image, ErrExhausted, err)
	}

	old := t.Space()
	t.Replace(image, space, task.EntryContext(img.Entry()))
	m.mem.Release(old)

	m.log.Debug("exec", "pid", t.PID(), "image", image)
	m.publish(events.TopicProc, events.TaskExecEvent{
		Task:      t.PID(),
		Image:     image,
		Timestamp: time.Now(),
	})
	return nil
}

// Spawn creates a child of parent running image, without copying the
// parent's address space. The parent keeps its own image and gets the child
// back.
//
// If image does not resolve, the child is still created and terminated with
// ExitExecFailed before it ever runs, so the parent can reap the failure.
// Running out of pids or address spaces fails the whole call with
// ErrExhausted and creates no child.
func (m *Manager) Spawn(parent *task.Task, image string) (*task.Task, error) {
	img, ok := m.loader.Resolve(image)
	if !ok {
		child, err := m.fork(parent)
		if err != nil {
			return nil, err
		}
		m.log.Warn("spawn: image not found", "parent", parent.PID(), "child", child.PID(), "image", image)
		m.terminate(child, ExitExecFailed)
		return child, nil
	}

	child, err := m.newChild(parent, image, task.EntryContext(img.Entry()), func() (*mm.AddressSpace, error) {
		return m.mem.NewSpace(img.Program)
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug("exec", "pid", child.PID(), "image", image)
	m.publish(events.TopicProc, events.TaskExecEvent{
		Task:      child.PID(),
		Image:     image,
		Timestamp: time.Now(),
	})
	m.sched.Submit(child)
	return child, nil
}

// Exit turns t into a zombie with code and removes it from the ready
// collection. If t is the current task the core switches to the next one;
// control never returns to t.
func (m *Manager) Exit(t *task.Task, code int32) error {
	if t.State().Kind() == task.KindZombie {
		return fmt.Errorf("exit of %v: %w", t, ErrNotRunning)
	}

	m.terminate(t, code)

	if m.sched.Current() == t {
		m.sched.RunNext()
	}
	return nil
}

func (m *Manager) terminate(t *task.Task, code int32) {
	t.SetState(task.Zombie(code))
	m.sched.Remove(t)

	var parent task.PID
	if p := t.Parent(); p != nil {
		parent = p.PID()
	}

	m.log.Info("exit", "pid", t.PID(), "image", t.Image(), "code", code)
	m.publish(events.TopicProc, events.TaskExitedEvent{
		Task:      t.PID(),
		Parent:    parent,
		Image:     t.Image(),
		Code:      code,
		Timestamp: time.Now(),
	})
}

// Reap collects one exited child of parent. target is a child pid or
// AnyChild. The first matching zombie in children order is removed from the
// tree, its address space and pid are released, and its own children are
// handed to the root task.
//
// Reap returns ErrNoSuchChild when nothing matches and ErrPending when every
// match is still alive; neither changes any state.
func (m *Manager) Reap(parent *task.Task, target task.PID) (task.PID, int32, error) {
	var (
		matched bool
		zombie  *task.Task
	)
	for _, c := range parent.Children() {
		if target != AnyChild && c.PID() != target {
			continue
		}
		matched = true
		if c.State().Kind() == task.KindZombie {
			zombie = c
			break
		}
	}

	if !matched {
		return 0, 0, ErrNoSuchChild
	}
	if zombie == nil {
		return 0, 0, ErrPending
	}

	// The children entry must be the only owner left.
	if zombie.Refs() != 1 {
		panic(fmt.Sprintf("proc: reaping %v with %d owners", zombie, zombie.Refs()))
	}

	code, _ := zombie.State().ExitCode()
	pid := zombie.PID()

	parent.RemoveChild(zombie)
	m.mem.Release(zombie.Space())
	delete(m.tasks, pid)
	m.pids.Free(pid)

	orphans := zombie.TakeChildren()
	for _, o := range orphans {
		m.root.Adopt(o)
	}

	m.log.Debug("reap", "parent", parent.PID(), "pid", pid, "code", code, "orphans", len(orphans))
	m.publish(events.TopicProc, events.TaskReapedEvent{
		Task:      pid,
		Parent:    parent.PID(),
		Code:      code,
		Orphans:   len(orphans),
		Timestamp: time.Now(),
	})
	return pid, code, nil
}

// SetPriority changes the weight of t.
func (m *Manager) SetPriority(t *task.Task, p int64) error {
	return m.sched.SetPriority(t, p)
}

func (m *Manager) publishSwitch(from, to *task.Task) {
	var fromPID, toPID task.PID
	if from != nil {
		fromPID = from.PID()
	}
	if to != nil {
		toPID = to.PID()
	}
	m.publish(events.TopicSched, events.SwitchEvent{
		From:      fromPID,
		To:        toPID,
		Decision:  m.sched.Decisions(),
		Timestamp: time.Now(),
	})
}

// Publish sends an event on the kernel bus, if one is attached.
func (m *Manager) Publish(topic string, event events.Event) {
	m.publish(topic, event)
}

func (m *Manager) publish(topic string, event events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, event)
	}
}
