package proc

import (
	"errors"
	"testing"

	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/isa"
	"github.com/aristath/procore/internal/loader"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/sched"
	"github.com/aristath/procore/internal/task"
)

type nopMMU struct{}

func (nopMMU) Activate(*mm.AddressSpace) {}

type fixture struct {
	m    *Manager
	mem  *mm.Memory
	root *task.Task
	bus  *events.EventBus
}

// newFixture boots a manager with two tiny images and a ready root task.
func newFixture(t *testing.T, maxPIDs, maxSpaces int) *fixture {
	t.Helper()

	reg := loader.NewRegistry()
	for name, src := range map[string]string{
		"init":  ".space slot 4\nmain:\n\tnop\n\tnop\n",
		"other": "main:\n\tli a0, 1\n\tnop\n\tnop\n\tnop\n",
	} {
		if err := reg.Assemble(name, src); err != nil {
			t.Fatal(err)
		}
	}

	mem := mm.NewMemory(maxSpaces)
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	m := NewManager(Options{
		Memory:    mem,
		Loader:    reg,
		Scheduler: sched.New(nopMMU{}, nil),
		MaxPIDs:   maxPIDs,
		Bus:       bus,
	})
	root, err := m.CreateRoot("init")
	if err != nil {
		t.Fatalf("CreateRoot() error = %v", err)
	}
	return &fixture{m: m, mem: mem, root: root, bus: bus}
}

func (f *fixture) fork(t *testing.T, parent *task.Task) *task.Task {
	t.Helper()
	child, err := f.m.Fork(parent)
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	return child
}

func TestCreateRoot(t *testing.T) {
	f := newFixture(t, 0, 0)

	if f.root.PID() != 1 || !f.root.IsRoot() {
		t.Errorf("root = %v, parent %v", f.root, f.root.Parent())
	}
	if f.root.Priority() != task.DefaultPriority {
		t.Errorf("root priority = %d, want %d", f.root.Priority(), task.DefaultPriority)
	}
	if f.root.State().Kind() != task.KindReady || f.m.Scheduler().Len() != 1 {
		t.Errorf("root state = %v, ready = %d", f.root.State(), f.m.Scheduler().Len())
	}
	if f.root.Context.PC != isa.TextBase {
		t.Errorf("root pc = %#x", f.root.Context.PC)
	}

	if _, err := f.m.CreateRoot("init"); err == nil {
		t.Error("second CreateRoot() error = nil")
	}
}

func TestCreateRootMissingImage(t *testing.T) {
	m := NewManager(Options{
		Memory:    mm.NewMemory(0),
		Loader:    loader.NewRegistry(),
		Scheduler: sched.New(nopMMU{}, nil),
	})
	if _, err := m.CreateRoot("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateRoot() error = %v, want ErrNotFound", err)
	}
}

func TestForkDistinctPIDs(t *testing.T) {
	f := newFixture(t, 0, 0)

	seen := map[task.PID]bool{f.root.PID(): true}
	parent := f.root
	for i := 0; i < 20; i++ {
		child := f.fork(t, parent)
		if seen[child.PID()] {
			t.Fatalf("pid %d issued twice", child.PID())
		}
		seen[child.PID()] = true
		if i%3 == 0 {
			parent = child
		}
	}
	if f.m.Count() != 21 {
		t.Errorf("Count() = %d, want 21", f.m.Count())
	}
}

func TestForkContext(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.root.Context.Regs[isa.A0] = 55
	f.root.Context.Regs[isa.S1] = 99
	f.root.Context.PC = isa.TextBase + 4
	f.root.SetPriority(40)

	child := f.fork(t, f.root)

	if child.Context.Regs[isa.A0] != 0 {
		t.Errorf("child a0 = %d, want 0", child.Context.Regs[isa.A0])
	}
	if f.root.Context.Regs[isa.A0] != 55 {
		t.Errorf("parent a0 = %d, want 55", f.root.Context.Regs[isa.A0])
	}
	if child.Context.Regs[isa.S1] != 99 || child.Context.PC != isa.TextBase+4 {
		t.Errorf("child context not copied: s1=%d pc=%#x", child.Context.Regs[isa.S1], child.Context.PC)
	}
	if child.Priority() != task.DefaultPriority {
		t.Errorf("child priority = %d, want default", child.Priority())
	}
	if child.Parent() != f.root || len(f.root.Children()) != 1 {
		t.Error("child not linked to parent")
	}
	if child.Space() == f.root.Space() {
		t.Error("child shares the parent's address space")
	}
	if child.Refs() != 2 {
		t.Errorf("child refs = %d, want 2 (children entry and ready queue)", child.Refs())
	}
}

func TestForkExhaustion(t *testing.T) {
	t.Run("pids", func(t *testing.T) {
		f := newFixture(t, 2, 0)
		f.fork(t, f.root)
		if _, err := f.m.Fork(f.root); !errors.Is(err, ErrExhausted) {
			t.Errorf("Fork() error = %v, want ErrExhausted", err)
		}
		if f.mem.Live() != 2 {
			t.Errorf("Live() = %d, want 2", f.mem.Live())
		}
	})

	t.Run("address spaces", func(t *testing.T) {
		f := newFixture(t, 0, 2)
		f.fork(t, f.root)
		if _, err := f.m.Fork(f.root); !errors.Is(err, ErrExhausted) {
			t.Errorf("Fork() error = %v, want ErrExhausted", err)
		}
		if len(f.root.Children()) != 1 || f.m.Count() != 2 {
			t.Errorf("failed fork changed the tree: children=%d count=%d", len(f.root.Children()), f.m.Count())
		}
	})
}

func TestReapAnyInOrder(t *testing.T) {
	f := newFixture(t, 0, 0)
	a := f.fork(t, f.root)
	b := f.fork(t, f.root)

	if err := f.m.Exit(a, 7); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Exit(b, 9); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		pid  task.PID
		code int32
	}{{a.PID(), 7}, {b.PID(), 9}}
	for i, w := range want {
		pid, code, err := f.m.Reap(f.root, AnyChild)
		if err != nil {
			t.Fatalf("Reap() #%d error = %v", i+1, err)
		}
		if pid != w.pid || code != w.code {
			t.Errorf("Reap() #%d = %d, %d; want %d, %d", i+1, pid, code, w.pid, w.code)
		}
	}

	if _, _, err := f.m.Reap(f.root, AnyChild); !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("third Reap() error = %v, want ErrNoSuchChild", err)
	}
	if f.mem.Live() != 1 {
		t.Errorf("Live() = %d, want 1 after reaping", f.mem.Live())
	}
	if _, ok := f.m.Lookup(a.PID()); ok {
		t.Error("reaped task still in the table")
	}
}

func TestReapPendingDoesNotMutate(t *testing.T) {
	f := newFixture(t, 0, 0)
	child := f.fork(t, f.root)
	refs := child.Refs()

	for _, target := range []task.PID{child.PID(), AnyChild} {
		if _, _, err := f.m.Reap(f.root, target); !errors.Is(err, ErrPending) {
			t.Errorf("Reap(%d) error = %v, want ErrPending", target, err)
		}
	}
	if len(f.root.Children()) != 1 || child.Refs() != refs || child.State().Kind() != task.KindReady {
		t.Error("pending reap changed the child")
	}

	if _, _, err := f.m.Reap(f.root, 12345); !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("Reap(unknown) error = %v, want ErrNoSuchChild", err)
	}
}

func TestReapSpecificSkipsOthers(t *testing.T) {
	f := newFixture(t, 0, 0)
	a := f.fork(t, f.root)
	b := f.fork(t, f.root)
	f.m.Exit(a, 1)
	f.m.Exit(b, 2)

	pid, code, err := f.m.Reap(f.root, b.PID())
	if err != nil || pid != b.PID() || code != 2 {
		t.Errorf("Reap(b) = %d, %d, %v", pid, code, err)
	}
	if len(f.root.Children()) != 1 || f.root.Children()[0] != a {
		t.Error("Reap(b) disturbed a")
	}
}

func TestReapOnlyOwnChildren(t *testing.T) {
	f := newFixture(t, 0, 0)
	a := f.fork(t, f.root)
	grandchild := f.fork(t, a)
	f.m.Exit(grandchild, 3)

	if _, _, err := f.m.Reap(f.root, grandchild.PID()); !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("Reap(grandchild) error = %v, want ErrNoSuchChild", err)
	}
}

func TestReapReparentsOrphans(t *testing.T) {
	f := newFixture(t, 0, 0)
	a := f.fork(t, f.root)
	b := f.fork(t, a)
	c := f.fork(t, a)

	f.m.Exit(a, 0)
	if _, _, err := f.m.Reap(f.root, a.PID()); err != nil {
		t.Fatal(err)
	}

	kids := f.root.Children()
	if len(kids) != 2 || kids[0] != b || kids[1] != c {
		t.Fatalf("root children = %v, want [b c]", kids)
	}
	if b.Parent() != f.root {
		t.Errorf("orphan parent = %v, want root", b.Parent())
	}

	f.m.Exit(c, 4)
	if pid, code, err := f.m.Reap(f.root, AnyChild); err != nil || pid != c.PID() || code != 4 {
		t.Errorf("Reap(adopted) = %d, %d, %v", pid, code, err)
	}
}

func TestReapOwnershipViolationPanics(t *testing.T) {
	f := newFixture(t, 0, 0)
	child := f.fork(t, f.root)
	// Zombie still holding ready-queue membership.
	child.SetState(task.Zombie(0))

	defer func() {
		if recover() == nil {
			t.Error("Reap() of a doubly-owned zombie did not panic")
		}
	}()
	f.m.Reap(f.root, child.PID())
}

func TestExecNotFoundLeavesTaskUnchanged(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.root.SetPriority(7)
	f.root.Context.Regs[isa.T0] = 42
	before := *f.root
	space := f.root.Space()

	err := f.m.Exec(f.root, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Exec() error = %v, want ErrNotFound", err)
	}
	if f.root.Space() != space || f.root.PID() != before.PID() || f.root.Priority() != 7 {
		t.Error("failed exec changed space, pid or priority")
	}
	if f.root.Context != before.Context || f.root.Image() != "init" {
		t.Error("failed exec changed the context or image")
	}
	if f.mem.Live() != 1 {
		t.Errorf("Live() = %d, want 1", f.mem.Live())
	}
}

func TestExecReplacesImage(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.root.SetPriority(7)
	f.root.Context.Regs[isa.T0] = 42
	f.root.Context.PC = isa.TextBase + 4
	old := f.root.Space()

	if err := f.m.Exec(f.root, "other"); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if f.root.Image() != "other" || f.root.Space() == old {
		t.Error("exec did not install the new image")
	}
	if f.root.Context != task.EntryContext(isa.TextBase) {
		t.Errorf("context = %+v, want fresh entry context", f.root.Context)
	}
	if f.root.PID() != 1 || f.root.Priority() != 7 {
		t.Error("exec changed pid or priority")
	}
	if f.mem.Live() != 1 {
		t.Errorf("Live() = %d, want 1 (old space released)", f.mem.Live())
	}
}

func TestSpawn(t *testing.T) {
	f := newFixture(t, 0, 0)
	parentSpace := f.root.Space()
	parentCtx := f.root.Context

	child, err := f.m.Spawn(f.root, "other")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if child.Image() != "other" || child.Context != task.EntryContext(isa.TextBase) {
		t.Errorf("child = %v at %#x, want fresh other", child, child.Context.PC)
	}
	if f.root.Image() != "init" || f.root.Space() != parentSpace || f.root.Context != parentCtx {
		t.Error("spawn changed the parent")
	}
	if child.State().Kind() != task.KindReady || child.Refs() != 2 {
		t.Errorf("child state = %v refs = %d", child.State(), child.Refs())
	}
	if f.mem.Live() != 2 {
		t.Errorf("Live() = %d, want 2", f.mem.Live())
	}
}

func TestSpawnCapacity(t *testing.T) {
	t.Run("fits end state", func(t *testing.T) {
		f := newFixture(t, 0, 2)
		child, err := f.m.Spawn(f.root, "other")
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
		if child.State().Kind() != task.KindReady {
			t.Errorf("child state = %v, want ready", child.State())
		}
		if f.mem.Live() != 2 {
			t.Errorf("Live() = %d, want 2", f.mem.Live())
		}
	})

	t.Run("address spaces exhausted", func(t *testing.T) {
		f := newFixture(t, 0, 1)
		if _, err := f.m.Spawn(f.root, "other"); !errors.Is(err, ErrExhausted) {
			t.Errorf("Spawn() error = %v, want ErrExhausted", err)
		}
		if len(f.root.Children()) != 0 || f.m.Count() != 1 || f.mem.Live() != 1 {
			t.Errorf("failed spawn changed the tree: children=%d count=%d live=%d",
				len(f.root.Children()), f.m.Count(), f.mem.Live())
		}
	})

	t.Run("pids exhausted", func(t *testing.T) {
		f := newFixture(t, 1, 0)
		if _, err := f.m.Spawn(f.root, "other"); !errors.Is(err, ErrExhausted) {
			t.Errorf("Spawn() error = %v, want ErrExhausted", err)
		}
		if f.mem.Live() != 1 {
			t.Errorf("Live() = %d, want 1", f.mem.Live())
		}
	})
}

func TestSpawnExecFailure(t *testing.T) {
	f := newFixture(t, 0, 0)

	child, err := f.m.Spawn(f.root, "missing")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	code, ok := child.State().ExitCode()
	if !ok || code != ExitExecFailed {
		t.Errorf("child state = %v, want zombie(%d)", child.State(), ExitExecFailed)
	}
	if f.m.Scheduler().Len() != 1 || child.Refs() != 1 {
		t.Errorf("failed child was scheduled: ready=%d refs=%d", f.m.Scheduler().Len(), child.Refs())
	}

	pid, code, err := f.m.Reap(f.root, AnyChild)
	if err != nil || pid != child.PID() || code != ExitExecFailed {
		t.Errorf("Reap() = %d, %d, %v", pid, code, err)
	}
}

func TestExitCurrentSwitches(t *testing.T) {
	f := newFixture(t, 0, 0)
	s := f.m.Scheduler()
	s.RunNext()
	child := f.fork(t, f.root)

	if err := f.m.Exit(f.root, 3); err != nil {
		t.Fatal(err)
	}
	if s.Current() != child {
		t.Errorf("Current() = %v, want child", s.Current())
	}
	if f.root.Refs() != 0 {
		t.Errorf("exited root refs = %d, want 0", f.root.Refs())
	}
	if err := f.m.Exit(f.root, 3); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Exit() error = %v, want ErrNotRunning", err)
	}
	if _, err := f.m.Fork(f.root); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Fork(zombie) error = %v, want ErrNotRunning", err)
	}
}

func TestPIDReuseAfterReap(t *testing.T) {
	f := newFixture(t, 3, 0)
	a := f.fork(t, f.root)
	f.fork(t, f.root)

	f.m.Exit(a, 0)
	if _, err := f.m.Fork(f.root); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Fork() with zombie holding pid error = %v, want ErrExhausted", err)
	}

	f.m.Reap(f.root, a.PID())
	c := f.fork(t, f.root)
	if c.PID() != a.PID() {
		t.Errorf("reused pid = %d, want %d", c.PID(), a.PID())
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, 0, 0)
	ch := f.bus.SubscribeAll(32)

	child := f.fork(t, f.root)
	f.m.Exit(child, 5)
	f.m.Reap(f.root, AnyChild)

	want := []string{events.EventTypeTaskForked, events.EventTypeTaskExited, events.EventTypeTaskReaped}
	for _, w := range want {
		ev := <-ch
		if ev.EventType() != w || ev.PID() != child.PID() {
			t.Errorf("event = %s for %d, want %s for %d", ev.EventType(), ev.PID(), w, child.PID())
		}
	}
}

func TestSnapshotOrder(t *testing.T) {
	f := newFixture(t, 0, 0)
	a := f.fork(t, f.root)
	b := f.fork(t, a)
	f.fork(t, f.root)
	f.m.Exit(b, 6)

	infos, err := f.m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(infos) != 4 {
		t.Fatalf("len(Snapshot()) = %d, want 4", len(infos))
	}

	pos := map[task.PID]int{}
	for i, info := range infos {
		pos[info.PID] = i
	}
	for _, info := range infos {
		if info.Parent != 0 && pos[info.Parent] > pos[info.PID] {
			t.Errorf("pid %d listed before its parent %d", info.PID, info.Parent)
		}
	}

	zb := infos[pos[b.PID()]]
	if zb.State != task.KindZombie || zb.ExitCode != 6 || zb.StateString() != "zombie(6)" {
		t.Errorf("zombie info = %+v", zb)
	}
	if ra := infos[pos[f.root.PID()]]; len(ra.Children) != 2 {
		t.Errorf("root children = %v", ra.Children)
	}

	depth := Depths(infos)
	if depth[f.root.PID()] != 0 || depth[a.PID()] != 1 || depth[b.PID()] != 2 {
		t.Errorf("Depths() = %v", depth)
	}
}
