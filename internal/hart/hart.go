// Package hart simulates the single core: the register file, the program
// counter, the active address space, the trap vector register and the timer.
package hart

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/task"
	"github.com/aristath/procore/internal/trap"
)

// idlePoll is how long an idle hart waits before checking for cancellation.
const idlePoll = 5 * time.Millisecond

// TrapHandler receives every trap the hart raises.
type TrapHandler interface {
	Trap(f trap.Frame) error
}

// Hart is a simulated core. It is driven by one goroutine; only the counters
// may be read concurrently.
type Hart struct {
	regs  [isa.NumRegs]int64
	pc    uint64
	space *mm.AddressSpace
	entry trap.Entry

	quantum uint64
	budget  uint64

	handler TrapHandler
	log     hclog.Logger

	retired atomic.Uint64
	ticks   atomic.Uint64
}

// New creates a hart whose timer fires every quantum instructions.
func New(quantum int, logger hclog.Logger) *Hart {
	if quantum <= 0 {
		quantum = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hart{quantum: uint64(quantum), log: logger}
}

// Attach sets the trap handler. It must be called before Step.
func (h *Hart) Attach(handler TrapHandler) {
	h.handler = handler
}

// SaveContext implements trap.Hart.
func (h *Hart) SaveContext() task.Context {
	return task.Context{Regs: h.regs, PC: h.pc}
}

// LoadContext implements trap.Hart.
func (h *Hart) LoadContext(ctx task.Context) {
	h.regs = ctx.Regs
	h.regs[isa.Zero] = 0
	h.pc = ctx.PC
}

// SetTrapEntry implements trap.Hart.
func (h *Hart) SetTrapEntry(e trap.Entry) {
	h.entry = e
}

// Activate implements sched.MMU. A nil space idles the core.
func (h *Hart) Activate(space *mm.AddressSpace) {
	h.space = space
}

// ArmNextTick implements trap.Timer.
func (h *Hart) ArmNextTick() {
	h.budget = h.quantum
}

// Retired returns the number of instructions completed without trapping.
func (h *Hart) Retired() uint64 { return h.retired.Load() }

// Ticks returns the number of timer interrupts raised.
func (h *Hart) Ticks() uint64 { return h.ticks.Load() }

// PC returns the program counter.
func (h *Hart) PC() uint64 { return h.pc }

// Reg returns the value of register r.
func (h *Hart) Reg(r isa.Reg) int64 { return h.regs[r] }

// Step executes one instruction, or delivers the pending timer interrupt.
// It returns trap.ErrIdle when there is nothing to run, and whatever the
// trap handler returns for a trap.
func (h *Hart) Step() error {
	if h.space == nil {
		return trap.ErrIdle
	}

	if h.budget == 0 {
		h.ticks.Add(1)
		return h.raise(trap.CauseTimer, h.pc)
	}
	h.budget--

	in, err := h.space.Fetch(h.pc)
	if err != nil {
		return h.raise(trap.CauseInstructionFault, h.pc)
	}

	next := h.pc + isa.InstrSize
	switch in.Op {
	case isa.OpNop:
	case isa.OpLi:
		h.set(in.Rd, in.Imm)
	case isa.OpMv:
		h.set(in.Rd, h.regs[in.Rs1])
	case isa.OpAddi:
		h.set(in.Rd, h.regs[in.Rs1]+in.Imm)
	case isa.OpLw:
		addr := uint64(h.regs[in.Rs1] + in.Imm)
		v, err := h.space.LoadWord(addr)
		if err != nil {
			return h.raise(trap.CauseLoadFault, addr)
		}
		h.set(in.Rd, int64(v))
	case isa.OpSw:
		addr := uint64(h.regs[in.Rs1] + in.Imm)
		if err := h.space.StoreWord(addr, int32(h.regs[in.Rs2])); err != nil {
			return h.raise(trap.CauseStoreFault, addr)
		}
	case isa.OpBeqz:
		if h.regs[in.Rs1] == 0 {
			next = uint64(in.Imm)
		}
	case isa.OpBnez:
		if h.regs[in.Rs1] != 0 {
			next = uint64(in.Imm)
		}
	case isa.OpJ:
		next = uint64(in.Imm)
	case isa.OpEcall:
		return h.raise(trap.CauseSyscall, h.pc)
	case isa.OpEbreak:
		return h.raise(trap.CauseBreakpoint, h.pc)
	default:
		return h.raise(trap.CauseIllegalInstruction, h.pc)
	}

	h.pc = next
	h.retired.Add(1)
	return nil
}

func (h *Hart) set(rd isa.Reg, v int64) {
	if rd != isa.Zero {
		h.regs[rd] = v
	}
}

func (h *Hart) raise(cause trap.Cause, value uint64) error {
	if h.handler == nil {
		return &trap.HaltError{Cause: cause, Value: value, Reason: "no trap handler installed"}
	}
	return h.handler.Trap(trap.Frame{Cause: cause, Value: value})
}

// Run steps the hart until ctx is cancelled or a trap halts the kernel. When
// the core goes idle Run returns trap.ErrIdle if stopWhenIdle is set, and
// otherwise waits for cancellation.
func (h *Hart) Run(ctx context.Context, stopWhenIdle bool) error {
	for steps := 0; ; steps++ {
		if steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		err := h.Step()
		switch {
		case err == nil:
		case errors.Is(err, trap.ErrIdle):
			if stopWhenIdle {
				h.log.Info("idle, stopping", "retired", h.Retired(), "ticks", h.Ticks())
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePoll):
			}
		default:
			return err
		}
	}
}
