package task

import (
	"errors"
	"testing"

	"github.com/aristath/procore/internal/isa"
)

func TestStateTags(t *testing.T) {
	tests := []struct {
		state    State
		kind     Kind
		code     int32
		isZombie bool
		str      string
	}{
		{Ready(), KindReady, 0, false, "ready"},
		{Running(), KindRunning, 0, false, "running"},
		{Zombie(-2), KindZombie, -2, true, "zombie(-2)"},
	}
	for _, tt := range tests {
		if tt.state.Kind() != tt.kind {
			t.Errorf("%v.Kind() = %v, want %v", tt.state, tt.state.Kind(), tt.kind)
		}
		code, ok := tt.state.ExitCode()
		if ok != tt.isZombie || code != tt.code {
			t.Errorf("%v.ExitCode() = %d, %v; want %d, %v", tt.state, code, ok, tt.code, tt.isZombie)
		}
		if tt.state.String() != tt.str {
			t.Errorf("String() = %q, want %q", tt.state.String(), tt.str)
		}
	}
}

func TestValidPriority(t *testing.T) {
	tests := []struct {
		p    int64
		want bool
	}{
		{1, false},
		{2, true},
		{DefaultPriority, true},
		{MaxPriority, true},
		{MaxPriority + 1, false},
		{-5, false},
	}
	for _, tt := range tests {
		if got := ValidPriority(tt.p); got != tt.want {
			t.Errorf("ValidPriority(%d) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestEntryContext(t *testing.T) {
	ctx := EntryContext(isa.TextBase)
	if ctx.PC != isa.TextBase {
		t.Errorf("PC = %#x, want %#x", ctx.PC, isa.TextBase)
	}
	if ctx.Regs[isa.SP] != int64(isa.StackTop) {
		t.Errorf("sp = %#x, want %#x", ctx.Regs[isa.SP], isa.StackTop)
	}

	ctx.Regs[isa.A7] = int64(isa.SysFork)
	ctx.Regs[isa.A1] = 9
	ctx.SetReturn(3)
	if ctx.Syscall() != isa.SysFork || ctx.Arg(1) != 9 || ctx.Arg(0) != 3 {
		t.Errorf("syscall view = %v %d %d", ctx.Syscall(), ctx.Arg(0), ctx.Arg(1))
	}
}

func TestChildrenOwnership(t *testing.T) {
	parent := New(1, "init", nil, Context{})
	a := New(2, "a", nil, Context{})
	b := New(3, "b", nil, Context{})

	parent.AddChild(a)
	parent.AddChild(b)
	if a.Parent() != parent || a.Refs() != 1 {
		t.Errorf("after AddChild: parent=%v refs=%d", a.Parent(), a.Refs())
	}
	if !parent.IsRoot() || a.IsRoot() {
		t.Error("IsRoot mismatch")
	}

	if !parent.RemoveChild(a) {
		t.Fatal("RemoveChild(a) = false")
	}
	if a.Refs() != 0 || len(parent.Children()) != 1 || parent.Children()[0] != b {
		t.Errorf("after RemoveChild: refs=%d children=%v", a.Refs(), parent.Children())
	}
	if parent.RemoveChild(a) {
		t.Error("second RemoveChild(a) = true")
	}

	defer func() {
		if recover() == nil {
			t.Error("Drop with no owners did not panic")
		}
	}()
	a.Drop()
}

func TestStride(t *testing.T) {
	tk := New(1, "x", nil, Context{})
	tk.SetPriority(2)
	if tk.Stride() != BigStride/2 {
		t.Errorf("Stride() = %d, want %d", tk.Stride(), BigStride/2)
	}
}

func TestPIDAllocator(t *testing.T) {
	a := NewPIDAllocator(3)
	seen := map[PID]bool{}
	for i := 0; i < 3; i++ {
		pid, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		if seen[pid] {
			t.Fatalf("Alloc() returned %d twice", pid)
		}
		seen[pid] = true
	}
	if _, err := a.Alloc(); !errors.Is(err, ErrPIDExhausted) {
		t.Fatalf("Alloc() at limit error = %v, want ErrPIDExhausted", err)
	}

	a.Free(3)
	a.Free(1)
	if a.InUse() != 1 {
		t.Errorf("InUse() = %d, want 1", a.InUse())
	}
	if pid, _ := a.Alloc(); pid != 1 {
		t.Errorf("Alloc() = %d, want lowest freed pid 1", pid)
	}
	if pid, _ := a.Alloc(); pid != 3 {
		t.Errorf("Alloc() = %d, want 3", pid)
	}
}

func TestPIDAllocatorUnbounded(t *testing.T) {
	a := NewPIDAllocator(0)
	var last PID
	for i := 0; i < 100; i++ {
		pid, err := a.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		if pid <= last {
			t.Fatalf("pid %d not monotonic after %d", pid, last)
		}
		last = pid
	}
}

func TestPIDAllocatorUnboundedFree(t *testing.T) {
	a := NewPIDAllocator(0)
	for i := 0; i < 10; i++ {
		pid, _ := a.Alloc()
		a.Free(pid)
	}
	if len(a.recycled) != 0 {
		t.Errorf("recycled = %v, want none in unbounded mode", a.recycled)
	}
	if a.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", a.InUse())
	}
	if pid, _ := a.Alloc(); pid != 11 {
		t.Errorf("Alloc() = %d, want 11", pid)
	}
}
