// Package task defines the task control block: identity, tagged run state,
// saved register context, scheduling weight and the parent/child links.
package task

import (
	"fmt"
	"math"

	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/mm"
)

// PID identifies a task.
type PID int64

// Priority bounds. BigStride is the stride numerator of the scheduler.
const (
	MinPriority     int64 = 2
	MaxPriority     int64 = math.MaxInt32
	DefaultPriority int64 = 16
	BigStride       int64 = 1 << 32
)

// ValidPriority reports whether p is inside [MinPriority, MaxPriority].
func ValidPriority(p int64) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Kind is the tag of a State.
type Kind int

const (
	KindReady Kind = iota
	KindRunning
	KindZombie
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindRunning:
		return "running"
	case KindZombie:
		return "zombie"
	default:
		return fmt.Sprintf("{Kind %d}", int(k))
	}
}

// State is a tagged run state. The exit code exists only for zombies.
type State struct {
	kind Kind
	code int32
}

// Ready is the state of a runnable task waiting for the CPU.
func Ready() State { return State{kind: KindReady} }

// Running is the state of the task that owns the CPU.
func Running() State { return State{kind: KindRunning} }

// Zombie is the state of a terminated, unreaped task.
func Zombie(code int32) State { return State{kind: KindZombie, code: code} }

// Kind returns the tag.
func (s State) Kind() Kind { return s.kind }

// ExitCode returns the exit code of a zombie.
func (s State) ExitCode() (int32, bool) {
	if s.kind != KindZombie {
		return 0, false
	}
	return s.code, true
}

func (s State) String() string {
	if s.kind == KindZombie {
		return fmt.Sprintf("zombie(%d)", s.code)
	}
	return s.kind.String()
}

// Context is a saved register snapshot.
type Context struct {
	Regs [isa.NumRegs]int64
	PC   uint64
}

// EntryContext returns the context a freshly loaded image starts with.
func EntryContext(entry uint64) Context {
	var ctx Context
	ctx.PC = entry
	ctx.Regs[isa.SP] = int64(isa.StackTop)
	return ctx
}

// SetReturn writes the syscall return register.
func (c *Context) SetReturn(v int64) {
	c.Regs[isa.RegReturn] = v
}

// Arg returns syscall argument i.
func (c *Context) Arg(i int) int64 {
	return c.Regs[isa.ArgRegs[i]]
}

// Syscall returns the call identifier register.
func (c *Context) Syscall() isa.Syscall {
	return isa.Syscall(c.Regs[isa.RegSyscallID])
}

// Task is a task control block.
//
// Ownership is counted in refs: the parent's children entry, ready-queue
// membership and the current slot each hold one reference. Only the children
// entry may remain when the task is reaped.
type Task struct {
	pid      PID
	image    string
	state    State
	priority int64
	pass     int64
	admitted uint64

	// Context is valid only while the task is not running.
	Context Context

	space    *mm.AddressSpace
	parent   *Task
	children []*Task
	refs     int
}

// New creates a ready task owning space.
func New(pid PID, image string, space *mm.AddressSpace, ctx Context) *Task {
	return &Task{
		pid:      pid,
		image:    image,
		state:    Ready(),
		priority: DefaultPriority,
		Context:  ctx,
		space:    space,
	}
}

// PID returns the task's identifier.
func (t *Task) PID() PID { return t.pid }

// Image returns the name of the image the task is running.
func (t *Task) Image() string { return t.image }

// State returns the lifecycle state.
func (t *Task) State() State { return t.state }

// SetState moves the task to s.
func (t *Task) SetState(s State) { t.state = s }

// Priority returns the scheduling weight.
func (t *Task) Priority() int64 { return t.priority }

// SetPriority stores p without validation; callers check ValidPriority.
func (t *Task) SetPriority(p int64) { t.priority = p }

// Stride is the pass increment charged each time the task is selected.
func (t *Task) Stride() int64 { return BigStride / t.priority }

// Pass is the accumulated stride total the scheduler orders by.
func (t *Task) Pass() int64 { return t.pass }

// SetPass overwrites the pass value.
func (t *Task) SetPass(p int64) { t.pass = p }

// Admitted is the ready-queue sequence number used to break pass ties.
func (t *Task) Admitted() uint64 { return t.admitted }

// SetAdmitted records the sequence number of the latest admission.
func (t *Task) SetAdmitted(seq uint64) { t.admitted = seq }

// Space returns the task's address space.
func (t *Task) Space() *mm.AddressSpace { return t.space }

// Parent is a non-owning back-reference; nil for the root task.
func (t *Task) Parent() *Task { return t.parent }

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool { return t.parent == nil }

// Children returns the owned children in insertion order.
func (t *Task) Children() []*Task { return t.children }

// Refs is the number of current owners: the parent's children entry plus
// the ready queue or the current-task slot.
func (t *Task) Refs() int { return t.refs }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.pid, t.image)
}

// Replace installs a new image in place, keeping pid, priority and links.
func (t *Task) Replace(image string, space *mm.AddressSpace, ctx Context) {
	t.image = image
	t.space = space
	t.Context = ctx
}

// Retain adds an owner.
func (t *Task) Retain() {
	t.refs++
}

// Drop removes an owner.
func (t *Task) Drop() {
	if t.refs <= 0 {
		panic(fmt.Sprintf("task: drop of %v with no owners", t))
	}
	t.refs--
}

// AddChild appends child to the children list, taking an owning reference,
// and points the child's back-reference at t.
func (t *Task) AddChild(child *Task) {
	child.parent = t
	child.Retain()
	t.children = append(t.children, child)
}

// RemoveChild detaches child from the children list and releases the owning
// reference. It reports whether child was found.
func (t *Task) RemoveChild(child *Task) bool {
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			child.parent = nil
			child.Drop()
			return true
		}
	}
	return false
}

// TakeChildren empties the children list, returning the former children
// still holding their owning references.
func (t *Task) TakeChildren() []*Task {
	kids := t.children
	t.children = nil
	return kids
}

// Adopt appends an orphan whose owning reference is being transferred.
func (t *Task) Adopt(child *Task) {
	child.parent = t
	t.children = append(t.children, child)
}
