package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/procore/internal/proc"
	"github.com/aristath/procore/internal/task"
)

// ProcPaneModel shows the process forest as an indented table.
type ProcPaneModel struct {
	tasks       []proc.TaskInfo
	depths      map[task.PID]int
	selectedPID task.PID
	err         error
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewProcPaneModel creates an empty process pane.
func NewProcPaneModel() ProcPaneModel {
	return ProcPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the process pane.
func (m ProcPaneModel) Update(msg tea.Msg) (ProcPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			m.move(1)
		case KeyK, KeyUp:
			m.move(-1)
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.tasks = msg.tasks
			m.depths = proc.Depths(msg.tasks)
		}
		if m.selectedIndex() < 0 && len(m.tasks) > 0 {
			m.selectedPID = m.tasks[0].PID
		}
		m.render()
	}

	return m, cmd
}

func (m *ProcPaneModel) move(delta int) {
	i := m.selectedIndex() + delta
	if i < 0 || i >= len(m.tasks) {
		return
	}
	m.selectedPID = m.tasks[i].PID
	m.render()
}

func (m ProcPaneModel) selectedIndex() int {
	for i, t := range m.tasks {
		if t.PID == m.selectedPID {
			return i
		}
	}
	return -1
}

// Selected returns the highlighted task.
func (m ProcPaneModel) Selected() (proc.TaskInfo, bool) {
	if i := m.selectedIndex(); i >= 0 {
		return m.tasks[i], true
	}
	return proc.TaskInfo{}, false
}

func (m *ProcPaneModel) render() {
	if m.err != nil {
		m.viewport.SetContent(StyleStatusFailed.Render(fmt.Sprintf("snapshot: %v", m.err)))
		return
	}
	if len(m.tasks) == 0 {
		m.viewport.SetContent(StyleStatusPending.Render("No tasks."))
		return
	}

	var b strings.Builder
	b.WriteString(StyleHeader.Render(fmt.Sprintf("%-6s %-6s %-22s %-12s %s", "PID", "PPID", "IMAGE", "STATE", "PRIO")))
	b.WriteString("\n")
	for _, t := range m.tasks {
		image := strings.Repeat("  ", m.depths[t.PID]) + t.Image
		line := fmt.Sprintf("%-6d %-6d %-22s %-12s %d", t.PID, t.Parent, image, t.StateString(), t.Priority)
		line = stateStyle(t).Render(line)
		if t.PID == m.selectedPID {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
}

// stateStyle colours a row by task state and exit code.
func stateStyle(t proc.TaskInfo) lipgloss.Style {
	switch {
	case t.Current:
		return StyleStatusRunning
	case t.State == task.KindZombie && t.ExitCode < 0:
		return StyleStatusFailed
	case t.State == task.KindZombie:
		return StyleStatusComplete
	default:
		return lipgloss.NewStyle()
	}
}

// View renders the process pane.
func (m ProcPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.tasks)))
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// SetSize updates the pane dimensions.
func (m *ProcPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
	m.render()
}

// SetFocused updates the focus state.
func (m *ProcPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
