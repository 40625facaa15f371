package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/procore/internal/acct"
	"github.com/aristath/procore/internal/config"
	"github.com/aristath/procore/internal/kernel"
	"github.com/aristath/procore/internal/tui"
)

// memoryJournal selects an in-memory journal that is gone after the run.
const memoryJournal = ":memory:"

type options struct {
	configPath string
	journal    string
	initImage  string
	logFile    string
	monitor    bool
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("procore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.ProjectPath(), "project config file (merged over the global one)")
	fs.StringVar(&opts.journal, "journal", "", `accounting journal path; "`+memoryJournal+`" keeps it in memory`)
	fs.StringVar(&opts.initImage, "init", "", "image of the root task (overrides config)")
	fs.StringVar(&opts.logFile, "log-file", "", "write kernel logs here instead of stderr")
	fs.BoolVar(&opts.monitor, "tui", false, "show the live monitor")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// run boots the machine, runs it to completion and prints the process
// report. It returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(config.GlobalPath(), opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if opts.initImage != "" {
		cfg.Init = opts.initImage
	}
	if opts.journal != "" {
		cfg.JournalPath = opts.journal
	}

	journal, err := openJournal(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening journal: %v\n", err)
		return 1
	}
	defer journal.Close()

	logOut := stderr
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	} else if opts.monitor {
		// Log lines would tear the alternate screen.
		logOut = io.Discard
	}

	sys, err := kernel.Boot(ctx, cfg, kernel.Options{Journal: journal, LogOutput: logOut})
	if err != nil {
		fmt.Fprintf(stderr, "Error booting: %v\n", err)
		return 1
	}
	logger.Printf("Booted %s (init %s, quantum %d)", sys.BootID, cfg.Init, cfg.Quantum)

	g, gctx := errgroup.WithContext(ctx)
	machineCtx, stopMachine := context.WithCancel(gctx)
	defer stopMachine()
	g.Go(func() error {
		return sys.Run(machineCtx)
	})

	if opts.monitor {
		model := tui.New(sys, sys.Bus, cfg, config.GlobalPath(), opts.configPath)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))
		g.Go(func() error {
			// Quitting the monitor stops the machine.
			defer stopMachine()
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	}

	runErr := g.Wait()

	if err := writeReport(context.WithoutCancel(ctx), stdout, sys, journal); err != nil {
		logger.Printf("Report incomplete: %v", err)
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	logger.Println("Shutdown complete")
	return 0
}

func openJournal(ctx context.Context, cfg *config.KernelConfig) (*acct.SQLiteStore, error) {
	if cfg.JournalPath == memoryJournal {
		return acct.NewMemoryStore(ctx)
	}
	path, err := config.JournalFile(cfg)
	if err != nil {
		return nil, err
	}
	return acct.NewSQLiteStore(ctx, path)
}
