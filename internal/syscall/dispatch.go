// Package syscall maps system call numbers to process-tree and scheduler
// operations and converts their outcomes to the user return convention.
package syscall

import (
	"errors"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/proc"
	"github.com/aristath/procore/internal/task"
)

// Negative return values seen by user code.
const (
	Failure int64 = -1
	Pending int64 = -2
)

// Result is the outcome of a call: either a value for the caller's return
// register, or a divergence after which the caller's context must not be
// touched (exit, a successful exec).
type Result struct {
	Value    int64
	Diverged bool
}

// Return is a Result carrying v.
func Return(v int64) Result {
	return Result{Value: v}
}

// Diverge is the Result of a call that does not return to its caller.
var Diverge = Result{Diverged: true}

// Args are the three fixed argument registers.
type Args [3]int64

// Handler implements one call for the trapping task t.
type Handler func(d *Dispatcher, t *task.Task, args Args) Result

// Dispatcher is the system call table.
type Dispatcher struct {
	procs *proc.Manager
	table map[isa.Syscall]Handler
	calls map[isa.Syscall]uint64
	log   hclog.Logger
}

// New creates a Dispatcher with the standard table.
func New(procs *proc.Manager, logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		procs: procs,
		table: map[isa.Syscall]Handler{
			isa.SysExit:        sysExit,
			isa.SysYield:       sysYield,
			isa.SysGetpid:      sysGetpid,
			isa.SysFork:        sysFork,
			isa.SysExec:        sysExec,
			isa.SysSpawn:       sysSpawn,
			isa.SysWaitpid:     sysWaitpid,
			isa.SysSetPriority: sysSetPriority,
		},
		calls: make(map[isa.Syscall]uint64),
		log:   logger,
	}
}

// Dispatch runs call id for t. The kernel lock must be held. Unknown calls
// return Failure.
func (d *Dispatcher) Dispatch(t *task.Task, id isa.Syscall, args Args) Result {
	d.calls[id]++

	h, ok := d.table[id]
	if !ok {
		d.log.Warn("unknown system call", "pid", t.PID(), "id", int64(id))
		return Return(Failure)
	}

	res := h(d, t, args)
	if d.log.IsTrace() {
		d.log.Trace("syscall", "pid", t.PID(), "call", id.String(), "args", args[:], "result", res.Value, "diverged", res.Diverged)
	}
	return res
}

// CallCount is the number of times one call was made.
type CallCount struct {
	Call  isa.Syscall
	Count uint64
}

// Counts returns per-call totals ordered by call number. The kernel lock
// must be held.
func (d *Dispatcher) Counts() []CallCount {
	out := make([]CallCount, 0, len(d.calls))
	for call, n := range d.calls {
		out = append(out, CallCount{Call: call, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Call < out[j].Call })
	return out
}

func sysExit(d *Dispatcher, t *task.Task, args Args) Result {
	if err := d.procs.Exit(t, int32(args[0])); err != nil {
		d.log.Error("exit of non-running task", "pid", t.PID(), "error", err)
	}
	return Diverge
}

func sysYield(d *Dispatcher, t *task.Task, _ Args) Result {
	d.procs.Scheduler().RunNext()
	return Return(0)
}

func sysGetpid(_ *Dispatcher, t *task.Task, _ Args) Result {
	return Return(int64(t.PID()))
}

func sysFork(d *Dispatcher, t *task.Task, _ Args) Result {
	child, err := d.procs.Fork(t)
	if err != nil {
		return Return(Failure)
	}
	return Return(int64(child.PID()))
}

func sysExec(d *Dispatcher, t *task.Task, args Args) Result {
	path, err := d.userString(t, args[0])
	if err != nil {
		d.log.Debug("exec: bad path pointer", "pid", t.PID(), "ptr", args[0], "error", err)
		return Return(Failure)
	}
	if err := d.procs.Exec(t, path); err != nil {
		d.log.Debug("exec failed", "pid", t.PID(), "path", path, "error", err)
		return Return(Failure)
	}
	// The fresh context already holds a0 = 0.
	return Diverge
}

func sysSpawn(d *Dispatcher, t *task.Task, args Args) Result {
	path, err := d.userString(t, args[0])
	if err != nil {
		d.log.Debug("spawn: bad path pointer", "pid", t.PID(), "ptr", args[0], "error", err)
		return Return(Failure)
	}
	child, err := d.procs.Spawn(t, path)
	if err != nil {
		return Return(Failure)
	}
	return Return(int64(child.PID()))
}

func sysWaitpid(d *Dispatcher, t *task.Task, args Args) Result {
	target, out := task.PID(args[0]), uint64(args[1])
	if target != proc.AnyChild && target <= 0 {
		d.log.Debug("waitpid: bad pid", "pid", t.PID(), "target", args[0])
		return Return(Failure)
	}

	// Validate the output location before reaping, so a bad pointer never
	// loses an exit status.
	tr, err := d.procs.Memory().Translator(t.Space().Token())
	if err != nil {
		return Return(Failure)
	}
	var word *mm.Word
	if out != 0 {
		word, err = tr.Word(out)
		if err != nil {
			d.log.Debug("waitpid: bad status pointer", "pid", t.PID(), "ptr", out, "error", err)
			return Return(Failure)
		}
	}

	pid, code, err := d.procs.Reap(t, target)
	switch {
	case errors.Is(err, proc.ErrPending):
		return Return(Pending)
	case err != nil:
		return Return(Failure)
	}

	if word != nil {
		word.Set(code)
	}
	return Return(int64(pid))
}

func sysSetPriority(d *Dispatcher, t *task.Task, args Args) Result {
	if err := d.procs.SetPriority(t, args[0]); err != nil {
		return Return(Failure)
	}
	return Return(args[0])
}

func (d *Dispatcher) userString(t *task.Task, ptr int64) (string, error) {
	tr, err := d.procs.Memory().Translator(t.Space().Token())
	if err != nil {
		return "", err
	}
	return tr.String(uint64(ptr))
}
