// Package tui is the live machine monitor.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/procore/internal/config"
	"github.com/aristath/procore/internal/events"
	"github.com/aristath/procore/internal/kernel"
	"github.com/aristath/procore/internal/proc"
)

// refreshInterval is how often the task table and counters are re-read.
const refreshInterval = 200 * time.Millisecond

// Source is the running machine as the monitor sees it.
type Source interface {
	Snapshot() ([]proc.TaskInfo, error)
	Stats() kernel.Stats
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneTraps

	numPanes
)

type refreshMsg struct {
	tasks []proc.TaskInfo
	err   error
	stats kernel.Stats
}

type busClosedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	procPane     ProcPaneModel
	trapPane     TrapPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	source       Source
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
	stopped      bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(source Source, eventBus *events.EventBus, cfg *config.KernelConfig, globalPath, projectPath string) Model {
	return Model{
		procPane:     NewProcPaneModel(),
		trapPane:     NewTrapPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		source:       source,
		eventSub:     eventBus.SubscribeAll(1024),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), refresh(m.source))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

func refresh(source Source) tea.Cmd {
	return func() tea.Msg {
		tasks, err := source.Snapshot()
		return refreshMsg{tasks: tasks, err: err, stats: source.Stats()}
	}
}

func scheduleRefresh(source Source) tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refresh(source)()
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// While settings are open they get every key (modal behavior).
		if m.showSettings {
			switch msg.String() {
			case "esc":
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)

				// The pane closes itself after a save.
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % numPanes
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + numPanes - 1) % numPanes
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTraps
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.procPane, cmd = m.procPane.Update(msg)
			case PaneTraps:
				m.trapPane, cmd = m.trapPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case refreshMsg:
		m.procPane, _ = m.procPane.Update(msg)
		m.trapPane, _ = m.trapPane.Update(msg)
		if !m.stopped {
			cmds = append(cmds, scheduleRefresh(m.source))
		}

	case busClosedMsg:
		// One last read so the final states show; no more ticks after it.
		m.stopped = true
		m.trapPane, _ = m.trapPane.Update(msg)
		cmds = append(cmds, refresh(m.source))

	case events.Event:
		m.trapPane, _ = m.trapPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.procPane.View(), m.trapPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.procPane.SetSize(leftWidth, availableHeight)
	m.trapPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.procPane.SetFocused(m.focusedPane == PaneTasks)
	m.trapPane.SetFocused(m.focusedPane == PaneTraps)
}
