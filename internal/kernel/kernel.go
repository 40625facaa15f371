// Package kernel boots a machine from configuration and runs it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/procore/internal/acct"
	"github.com/aristath/procore/internal/config"
	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/hart"
	"github.com/aristath/procore/internal/loader"
	"github.com/aristath/procore/internal/mm"
	"github.com/aristath/procore/internal/proc"
	"github.com/aristath/procore/internal/sched"
	"github.com/aristath/procore/internal/syscall"
	"github.com/aristath/procore/internal/trap"
)

// Options are the pieces of a boot that do not come from the config file.
type Options struct {
	// Journal receives accounting rows. Nil disables accounting.
	Journal acct.Store
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// Retry overrides the journal retry policy.
	Retry acct.RetryConfig
}

// System is a booted machine.
type System struct {
	BootID string
	Config *config.KernelConfig
	Log    hclog.Logger

	Bus      *events.EventBus
	Images   *loader.Registry
	Memory   *mm.Memory
	Sched    *sched.Scheduler
	Procs    *proc.Manager
	Syscalls *syscall.Dispatcher
	Gateway  *trap.Gateway
	Hart     *hart.Hart

	recorder *acct.Recorder
	started  bool
}

// Boot wires the subsystems together, creates the root task from cfg.Init
// and performs the first return to user mode. The machine does not execute
// any instruction until Run.
func Boot(ctx context.Context, cfg *config.KernelConfig, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	bootID := uuid.NewString()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kernel",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: out,
	}).With("boot", bootID[:8])

	images, err := buildImages(cfg)
	if err != nil {
		return nil, err
	}

	s := &System{
		BootID: bootID,
		Config: cfg,
		Log:    logger,
		Bus:    events.NewEventBus(),
		Images: images,
		Memory: mm.NewMemory(cfg.MaxAddressSpaces),
		Hart:   hart.New(cfg.Quantum, logger.Named("hart")),
	}
	s.Sched = sched.New(s.Hart, logger.Named("sched"))
	s.Procs = proc.NewManager(proc.Options{
		Memory:          s.Memory,
		Loader:          images,
		Scheduler:       s.Sched,
		MaxPIDs:         cfg.MaxPIDs,
		DefaultPriority: cfg.DefaultPriority,
		Bus:             s.Bus,
		Logger:          logger.Named("proc"),
	})
	s.Syscalls = syscall.New(s.Procs, logger.Named("syscall"))
	s.Gateway = trap.New(s.Hart, s.Hart, s.Procs, s.Syscalls, logger.Named("trap"))
	s.Hart.Attach(s.Gateway)

	// The recorder subscribes before the root exists so no exit is missed.
	if opts.Journal != nil {
		s.recorder = acct.NewRecorder(acct.RecorderOptions{
			Store:  opts.Journal,
			BootID: bootID,
			Bus:    s.Bus,
			Retry:  opts.Retry,
			Logger: logger.Named("acct"),
		})
		if err := s.recorder.BeginBoot(ctx, cfg.Init, cfg.Quantum); err != nil {
			s.Bus.Close()
			return nil, fmt.Errorf("journal boot row: %w", err)
		}
	}

	if _, err := s.Procs.CreateRoot(cfg.Init); err != nil {
		s.Bus.Close()
		return nil, fmt.Errorf("creating root task: %w", err)
	}
	if err := s.Gateway.Start(); err != nil {
		s.Bus.Close()
		return nil, fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("booted", "init", cfg.Init, "quantum", cfg.Quantum, "images", len(images.Names()))
	return s, nil
}

func buildImages(cfg *config.KernelConfig) (*loader.Registry, error) {
	reg := loader.NewRegistry()
	if err := reg.LoadBuiltins(); err != nil {
		return nil, fmt.Errorf("built-in images: %w", err)
	}

	names := make([]string, 0, len(cfg.Images))
	for name := range cfg.Images {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ic := cfg.Images[name]
		var err error
		if ic.Path != "" {
			err = reg.LoadFile(name, ic.Path)
		} else {
			err = reg.Assemble(name, ic.Source)
		}
		if err != nil {
			return nil, fmt.Errorf("image %q: %w", name, err)
		}
	}
	return reg, nil
}

// Run executes the machine until it goes idle (with stop_when_idle), halts,
// or ctx is cancelled. Idling and cancellation are normal ends and return
// nil; a halt returns the *trap.HaltError. The event bus is closed when the
// hart stops, which ends every subscriber.
func (s *System) Run(ctx context.Context) error {
	if s.started {
		return errors.New("system already ran")
	}
	s.started = true

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.Bus.Close()
		err := s.Hart.Run(gctx, s.Config.StopWhenIdle)
		if errors.Is(err, trap.ErrIdle) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.recorder != nil {
		g.Go(func() error {
			return s.recorder.Run(gctx)
		})
	}

	err := g.Wait()

	if s.recorder != nil {
		if jerr := s.recorder.EndBoot(context.WithoutCancel(ctx), s.Hart.Retired(), s.Hart.Ticks()); jerr != nil {
			s.Log.Warn("journal end of boot not written", "error", jerr)
		}
	}

	s.Log.Info("stopped",
		"retired", s.Hart.Retired(),
		"ticks", s.Hart.Ticks(),
		"decisions", s.Sched.Decisions(),
		"tasks", s.Procs.Count(),
		"live_spaces", s.Memory.Live())
	return err
}

// Snapshot returns the process forest, parents before children.
func (s *System) Snapshot() ([]proc.TaskInfo, error) {
	return s.Procs.Snapshot()
}

// Stats is a point-in-time view of the machine counters.
type Stats struct {
	Retired   uint64
	Ticks     uint64
	Decisions uint64
	Traps     map[trap.Cause]uint64
	Syscalls  []syscall.CallCount
	Published uint64
	Dropped   uint64
	Journaled uint64
}

// Stats reads the counters. Safe to call while Run is active.
func (s *System) Stats() Stats {
	st := Stats{
		Retired: s.Hart.Retired(),
		Ticks:   s.Hart.Ticks(),
		Traps:   make(map[trap.Cause]uint64),
	}
	s.Procs.Lock()
	st.Decisions = s.Sched.Decisions()
	st.Syscalls = s.Syscalls.Counts()
	s.Procs.Unlock()

	for c := trap.CauseSyscall; c <= trap.CauseTimer; c++ {
		if n := s.Gateway.Count(c); n > 0 {
			st.Traps[c] = n
		}
	}
	st.Published, st.Dropped = s.Bus.Stats()
	if s.recorder != nil {
		st.Journaled = s.recorder.Written()
	}
	return st
}
