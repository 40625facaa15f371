package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/kernel"
	"github.com/aristath/procore/internal/syscall"
	"github.com/aristath/procore/internal/trap"
)

// maxLogLines bounds the event log.
const maxLogLines = 500

// TrapPaneModel shows the machine counters and a scrolling event log.
type TrapPaneModel struct {
	stats    kernel.Stats
	lines    []string
	stopped  bool
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewTrapPaneModel creates an empty trap pane.
func NewTrapPaneModel() TrapPaneModel {
	return TrapPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the trap pane.
func (m TrapPaneModel) Update(msg tea.Msg) (TrapPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case refreshMsg:
		m.stats = msg.stats

	case busClosedMsg:
		m.stopped = true
		m.append(StyleStatusPending.Render("-- machine stopped --"))

	case events.Event:
		if line := FormatEvent(msg); line != "" {
			m.append(line)
		}
	}

	return m, cmd
}

func (m *TrapPaneModel) append(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// FormatEvent renders one kernel event as a log line. Scheduler switches are
// too frequent to log and render as "".
func FormatEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskForkedEvent:
		return fmt.Sprintf("fork   %d -> %d (%s)", e.Parent, e.Child, e.Image)
	case events.TaskExecEvent:
		return fmt.Sprintf("exec   %d %s", e.Task, e.Image)
	case events.TaskExitedEvent:
		line := fmt.Sprintf("exit   %d %s code=%d", e.Task, e.Image, e.Code)
		if e.Code < 0 {
			return StyleStatusFailed.Render(line)
		}
		return StyleStatusComplete.Render(line)
	case events.TaskReapedEvent:
		line := fmt.Sprintf("reap   %d by %d code=%d", e.Task, e.Parent, e.Code)
		if e.Orphans > 0 {
			line += fmt.Sprintf(" orphans=%d", e.Orphans)
		}
		return line
	case events.TrapEvent:
		if e.Cause == trap.CauseTimer.String() {
			return ""
		}
		if e.Detail != "" {
			return fmt.Sprintf("trap   %d %s %s", e.Task, e.Cause, e.Detail)
		}
		return StyleStatusRunning.Render(fmt.Sprintf("trap   %d %s %#x", e.Task, e.Cause, e.Value))
	default:
		return ""
	}
}

// View renders the trap pane.
func (m TrapPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Retired:   %s\n", humanize.Comma(int64(m.stats.Retired))))
	b.WriteString(fmt.Sprintf("Ticks:     %s\n", humanize.Comma(int64(m.stats.Ticks))))
	b.WriteString(fmt.Sprintf("Switches:  %s\n", humanize.Comma(int64(m.stats.Decisions))))
	b.WriteString(fmt.Sprintf("Syscalls:  %s\n", humanize.Comma(int64(m.stats.Traps[trap.CauseSyscall]))))
	b.WriteString(fmt.Sprintf("  by call: %s\n", callSummary(m.stats.Syscalls)))
	faults := m.stats.Traps[trap.CauseLoadFault] + m.stats.Traps[trap.CauseStoreFault]
	b.WriteString(fmt.Sprintf("Faults:    %s\n", StyleStatusFailed.Render(humanize.Comma(int64(faults)))))
	b.WriteString(fmt.Sprintf("Journaled: %s", humanize.Comma(int64(m.stats.Journaled))))
	if m.stats.Dropped > 0 {
		b.WriteString(fmt.Sprintf("  (%s events dropped)", humanize.Comma(int64(m.stats.Dropped))))
	}

	status := StyleStatusRunning.Render("running")
	if m.stopped {
		status = StyleStatusPending.Render("stopped")
	}
	title := StyleTitle.Render("Machine") + " " + status

	content := lipgloss.JoinVertical(lipgloss.Left, title, b.String(), "", m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// callSummary lists per-call totals in call-number order.
func callSummary(counts []syscall.CallCount) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, fmt.Sprintf("%s %s", c.Call, humanize.Comma(int64(c.Count))))
	}
	return strings.Join(parts, " ")
}

// SetSize updates the pane dimensions.
func (m *TrapPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-12, 3)
}

// SetFocused updates the focus state.
func (m *TrapPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
