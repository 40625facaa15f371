package hart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/task"
	"github.com/aristath/procore/internal/trap"
)

// recorder is a trap handler that logs frames and rearms the timer.
type recorder struct {
	h      *Hart
	frames []trap.Frame
	err    error
}

func (r *recorder) Trap(f trap.Frame) error {
	r.frames = append(r.frames, f)
	if f.Cause == trap.CauseTimer {
		r.h.ArmNextTick()
	}
	return r.err
}

func load(t *testing.T, src string, quantum int) (*Hart, *recorder, *mm.AddressSpace) {
	t.Helper()
	prog, err := isa.Assemble(src)
	if err != nil {
		t.Fatal(err)
	}
	space, err := mm.NewMemory(0).NewSpace(prog)
	if err != nil {
		t.Fatal(err)
	}

	h := New(quantum, nil)
	rec := &recorder{h: h}
	h.Attach(rec)
	h.Activate(space)
	h.LoadContext(task.EntryContext(prog.Entry()))
	h.ArmNextTick()
	return h, rec, space
}

func steps(t *testing.T, h *Hart, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := h.Step(); err != nil {
			t.Fatalf("Step() #%d error = %v", i+1, err)
		}
	}
}

func TestArithmeticAndBranches(t *testing.T) {
	h, rec, _ := load(t, `
main:
	li t0, 3
	li t1, 0
loop:
	addi t1, t1, 10
	addi t0, t0, -1
	bnez t0, loop
	mv a0, t1
	li zero, 5
	beqz zero, end
	li a0, -1
end:
	nop
`, 1000)

	// 2 + 3*3 + mv + li zero + beqz
	steps(t, h, 14)

	if h.Reg(isa.A0) != 30 {
		t.Errorf("a0 = %d, want 30", h.Reg(isa.A0))
	}
	if h.Reg(isa.Zero) != 0 {
		t.Errorf("zero = %d, want 0", h.Reg(isa.Zero))
	}
	if h.PC() != isa.TextBase+9*isa.InstrSize {
		t.Errorf("pc = %#x, want end", h.PC())
	}
	if h.Retired() != 14 || len(rec.frames) != 0 {
		t.Errorf("retired = %d, traps = %v", h.Retired(), rec.frames)
	}
}

func TestLoadStoreStack(t *testing.T) {
	h, _, space := load(t, `
main:
	li t0, 1234
	sw t0, -4(sp)
	lw a1, -4(sp)
`, 100)
	steps(t, h, 3)

	if h.Reg(isa.A1) != 1234 {
		t.Errorf("a1 = %d, want 1234", h.Reg(isa.A1))
	}
	if v, _ := space.LoadWord(isa.StackTop - 4); v != 1234 {
		t.Errorf("stack word = %d, want 1234", v)
	}
}

func TestTraps(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		cause trap.Cause
		value uint64
	}{
		{"ecall", "main:\n\tecall", trap.CauseSyscall, isa.TextBase},
		{"ebreak", "main:\n\tebreak", trap.CauseBreakpoint, isa.TextBase},
		{"unimp", "main:\n\tunimp", trap.CauseIllegalInstruction, isa.TextBase},
		{"store fault", "main:\n\tli t0, 16\n\tsw t0, 0(t0)", trap.CauseStoreFault, 16},
		{"load fault", "main:\n\tlw t0, 8(zero)", trap.CauseLoadFault, 8},
		{"fetch fault", "main:\n\tj 0x9000", trap.CauseInstructionFault, 0x9000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rec, _ := load(t, tt.src, 100)
			for i := 0; i < 3 && len(rec.frames) == 0; i++ {
				if err := h.Step(); err != nil {
					t.Fatal(err)
				}
			}
			if len(rec.frames) != 1 {
				t.Fatalf("traps = %v, want one", rec.frames)
			}
			if f := rec.frames[0]; f.Cause != tt.cause || f.Value != tt.value {
				t.Errorf("frame = %v/%#x, want %v/%#x", f.Cause, f.Value, tt.cause, tt.value)
			}
		})
	}
}

func TestEcallLeavesPC(t *testing.T) {
	h, _, _ := load(t, "main:\n\tnop\n\tecall", 100)
	steps(t, h, 2)
	if h.SaveContext().PC != isa.TextBase+isa.InstrSize {
		t.Errorf("saved pc = %#x, want the ecall address", h.SaveContext().PC)
	}
}

func TestTimerQuantum(t *testing.T) {
	h, rec, _ := load(t, "main:\nloop:\n\tj loop", 3)

	steps(t, h, 3)
	if len(rec.frames) != 0 {
		t.Fatalf("timer fired early: %v", rec.frames)
	}
	steps(t, h, 1)
	if len(rec.frames) != 1 || rec.frames[0].Cause != trap.CauseTimer {
		t.Fatalf("traps = %v, want one timer", rec.frames)
	}
	steps(t, h, 4)
	if h.Ticks() != 2 || h.Retired() != 6 {
		t.Errorf("ticks = %d retired = %d, want 2 and 6", h.Ticks(), h.Retired())
	}
}

func TestIdle(t *testing.T) {
	h := New(10, nil)
	if err := h.Step(); !errors.Is(err, trap.ErrIdle) {
		t.Errorf("Step() error = %v, want ErrIdle", err)
	}
	if err := h.Run(context.Background(), true); !errors.Is(err, trap.ErrIdle) {
		t.Errorf("Run(stopWhenIdle) error = %v, want ErrIdle", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Run(ctx, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
}

func TestRunStopsOnHandlerError(t *testing.T) {
	h, rec, _ := load(t, "main:\n\tebreak", 100)
	rec.err = &trap.HaltError{Reason: "test"}

	var halt *trap.HaltError
	if err := h.Run(context.Background(), true); !errors.As(err, &halt) {
		t.Errorf("Run() error = %v, want *HaltError", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	h := New(1, nil)
	var ctx task.Context
	ctx.PC = 0x1234
	ctx.Regs[isa.Zero] = 9
	ctx.Regs[isa.S2] = -7

	h.LoadContext(ctx)
	got := h.SaveContext()
	if got.PC != 0x1234 || got.Regs[isa.S2] != -7 || got.Regs[isa.Zero] != 0 {
		t.Errorf("SaveContext() = %+v", got)
	}
}
