// Package trap is the privilege boundary of the kernel. Every exception,
// interrupt and system call from user mode enters through Gateway.Trap, which
// saves the trapping context, dispatches under the kernel lock, and resumes
// whichever task is current afterwards.
package trap

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/proc"
	"github.com/aristath/procore/internal/sched"
	"github.com/aristath/procore/internal/syscall"
	"github.com/aristath/procore/internal/task"
)

// Hart is the register and vector interface of the core.
type Hart interface {
	sched.MMU
	SaveContext() task.Context
	LoadContext(ctx task.Context)
	SetTrapEntry(e Entry)
}

// Timer arms the next timer interrupt one quantum ahead.
type Timer interface {
	ArmNextTick()
}

// SyscallDispatcher runs system calls.
type SyscallDispatcher interface {
	Dispatch(t *task.Task, id isa.Syscall, args syscall.Args) syscall.Result
}

// Gateway is the UserMode/KernelMode state machine.
type Gateway struct {
	hart  Hart
	timer Timer
	procs *proc.Manager
	sys   SyscallDispatcher
	log   hclog.Logger

	mode   Mode
	halted *HaltError
	counts [numCauses]atomic.Uint64
}

// New creates a gateway in kernel mode. Start performs the first return to
// user mode.
func New(hart Hart, timer Timer, procs *proc.Manager, sys SyscallDispatcher, logger hclog.Logger) *Gateway {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		hart:  hart,
		timer: timer,
		procs: procs,
		sys:   sys,
		log:   logger,
		mode:  KernelMode,
	}
}

// Mode returns the current privilege state.
func (g *Gateway) Mode() Mode {
	return g.mode
}

// Count returns how many traps of cause c were taken.
func (g *Gateway) Count(c Cause) uint64 {
	if c < 0 || c >= numCauses {
		return 0
	}
	return g.counts[c].Load()
}

// Start schedules the first task, arms the timer and enters user mode.
func (g *Gateway) Start() error {
	g.hart.SetTrapEntry(EntryKernel)

	g.procs.Lock()
	if g.procs.Scheduler().Current() == nil {
		g.procs.Scheduler().RunNext()
	}
	g.timer.ArmNextTick()
	err := g.resume()
	g.procs.Unlock()

	return err
}

// Trap handles one trap. It returns nil when the hart should continue in
// user mode, ErrIdle when no task is left to run, and a *HaltError when the
// kernel must stop.
func (g *Gateway) Trap(f Frame) error {
	if g.halted != nil {
		return g.halted
	}
	if g.mode == KernelMode {
		return g.halt(f, "trap taken in kernel mode")
	}

	// Entry
	g.mode = KernelMode
	g.hart.SetTrapEntry(EntryKernel)
	if f.Cause >= 0 && f.Cause < numCauses {
		g.counts[f.Cause].Add(1)
	}

	g.procs.Lock()
	defer g.procs.Unlock()

	g.dispatch(f)
	if g.halted != nil {
		return g.halted
	}

	// Return
	return g.resume()
}

// dispatch routes f with the kernel lock held. A panic here is a kernel bug
// and halts the machine.
func (g *Gateway) dispatch(f Frame) {
	defer func() {
		if r := recover(); r != nil {
			g.halt(f, fmt.Sprintf("panic during dispatch: %v", r))
		}
	}()

	cur := g.procs.Scheduler().Current()
	if cur == nil {
		g.halt(f, "trap with no current task")
		return
	}
	cur.Context = g.hart.SaveContext()

	detail := ""
	switch f.Cause {
	case CauseSyscall:
		// Resume after the ecall. A forked child copies this pc.
		cur.Context.PC += isa.InstrSize
		id := cur.Context.Syscall()
		detail = id.String()

		args := syscall.Args{cur.Context.Arg(0), cur.Context.Arg(1), cur.Context.Arg(2)}
		res := g.sys.Dispatch(cur, id, args)
		if !res.Diverged {
			// The caller may no longer be current (yield); its own context
			// still gets the result.
			cur.Context.SetReturn(res.Value)
		}

	case CauseLoadFault, CauseStoreFault:
		g.log.Warn("memory fault, core dumped", "pid", cur.PID(), "cause", f.Cause.String(), "addr", fmt.Sprintf("%#x", f.Value), "pc", fmt.Sprintf("%#x", cur.Context.PC))
		g.procs.Exit(cur, proc.ExitMemoryFault)

	case CauseIllegalInstruction:
		g.log.Warn("illegal instruction, core dumped", "pid", cur.PID(), "pc", fmt.Sprintf("%#x", cur.Context.PC))
		g.procs.Exit(cur, proc.ExitIllegalInstruction)

	case CauseTimer:
		g.timer.ArmNextTick()
		g.procs.Scheduler().RunNext()

	default:
		// Unsupported: the offending task is terminated, the machine goes on.
		g.log.Error("unsupported trap", "pid", cur.PID(), "cause", f.Cause.String(), "value", fmt.Sprintf("%#x", f.Value))
		g.procs.Exit(cur, proc.ExitUnsupportedTrap)
	}

	g.procs.Publish(events.TopicTrap, events.TrapEvent{
		Task:      cur.PID(),
		Cause:     f.Cause.String(),
		Value:     f.Value,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// resume loads whichever task is current now, which need not be the one that
// trapped. Caller holds the kernel lock.
func (g *Gateway) resume() error {
	g.hart.SetTrapEntry(EntryUser)
	g.mode = UserMode

	cur := g.procs.Scheduler().Current()
	if cur == nil {
		g.hart.Activate(nil)
		return ErrIdle
	}

	g.hart.Activate(cur.Space())
	g.hart.LoadContext(cur.Context)
	return nil
}

func (g *Gateway) halt(f Frame, reason string) error {
	if g.halted == nil {
		g.halted = &HaltError{Cause: f.Cause, Value: f.Value, Reason: reason}
		g.log.Error("kernel halt", "reason", reason, "cause", f.Cause.String(), "value", fmt.Sprintf("%#x", f.Value))
	}
	return g.halted
}
