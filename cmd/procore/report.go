package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/aristath/procore/internal/acct"
	"github.com/aristath/procore/internal/kernel"
	"github.com/aristath/procore/internal/proc"
	"github.com/aristath/procore/internal/syscall"
)

// writeReport prints the end-of-run summary: counters, the tasks still in
// the tree in tree order, and every exit the journal recorded.
func writeReport(ctx context.Context, w io.Writer, sys *kernel.System, journal acct.Store) error {
	st := sys.Stats()
	fmt.Fprintf(w, "boot %s: %s instructions, %s ticks, %s switches, %s syscalls\n",
		sys.BootID,
		humanize.Comma(int64(st.Retired)),
		humanize.Comma(int64(st.Ticks)),
		humanize.Comma(int64(st.Decisions)),
		humanize.Comma(int64(sumTraps(st))))
	writeSyscalls(w, st.Syscalls)

	infos, err := sys.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	fmt.Fprintln(w)
	writeTree(w, infos)

	exits, err := journal.Exits(ctx, sys.BootID)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	fmt.Fprintln(w)
	writeExits(w, exits)
	return nil
}

func sumTraps(st kernel.Stats) uint64 {
	var n uint64
	for _, c := range st.Traps {
		n += c
	}
	return n
}

func writeSyscalls(w io.Writer, counts []syscall.CallCount) {
	if len(counts) == 0 {
		return
	}
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, fmt.Sprintf("%s %s", c.Call, humanize.Comma(int64(c.Count))))
	}
	fmt.Fprintf(w, "syscalls: %s\n", strings.Join(parts, ", "))
}

func writeTree(w io.Writer, infos []proc.TaskInfo) {
	depths := proc.Depths(infos)
	fmt.Fprintf(w, "%-6s %-6s %-24s %-12s %s\n", "PID", "PPID", "IMAGE", "STATE", "PRIO")
	for _, t := range infos {
		image := strings.Repeat("  ", depths[t.PID]) + t.Image
		fmt.Fprintf(w, "%-6d %-6d %-24s %-12s %d\n", t.PID, t.Parent, image, t.StateString(), t.Priority)
	}
}

func writeExits(w io.Writer, exits []acct.ExitRecord) {
	fmt.Fprintf(w, "%d exits\n", len(exits))
	fmt.Fprintf(w, "%-6s %-6s %-24s %s\n", "PID", "PPID", "IMAGE", "CODE")
	for _, e := range exits {
		fmt.Fprintf(w, "%-6d %-6d %-24s %d\n", e.PID, e.Parent, e.Image, e.Code)
	}
}
