package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/procore/internal/config"
	"github.com/aristath/procore/internal/task"
)

// SettingsPaneModel manages the settings form overlay. Changes apply to the
// next boot; the running machine is not touched.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.KernelConfig
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget      string
	initImage       string
	quantum         string
	defaultPriority string
	logLevel        string
	stopWhenIdle    bool
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.KernelConfig, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	m.saveTarget = "project"
	m.initImage = m.config.Init
	m.quantum = strconv.Itoa(m.config.Quantum)
	m.defaultPriority = strconv.FormatInt(m.config.DefaultPriority, 10)
	m.logLevel = m.config.LogLevel
	m.stopWhenIdle = m.config.StopWhenIdle
}

func validateQuantum(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("quantum must be a positive integer")
	}
	return nil
}

func validatePriority(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || !task.ValidPriority(n) {
		return fmt.Errorf("priority must be at least %d", task.MinPriority)
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), "project"),
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("init").
				Title("Init Image").
				Value(&m.initImage).
				Placeholder("initproc"),

			huh.NewInput().
				Key("quantum").
				Title("Quantum (instructions per tick)").
				Value(&m.quantum).
				Validate(validateQuantum),

			huh.NewInput().
				Key("defaultPriority").
				Title("Default Priority").
				Value(&m.defaultPriority).
				Validate(validatePriority),
		).Title("Scheduling"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("trace", "debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewConfirm().
				Key("stopWhenIdle").
				Title("Stop When Idle").
				Value(&m.stopWhenIdle),
		).Title("Machine"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save copies the form into the config and writes it to the chosen file.
func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	if err := m.config.Validate(); err != nil {
		return err
	}

	target := m.projectPath
	if m.saveTarget == "global" {
		target = m.globalPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() error {
	quantum, err := strconv.Atoi(m.quantum)
	if err != nil {
		return fmt.Errorf("quantum: %w", err)
	}
	prio, err := strconv.ParseInt(m.defaultPriority, 10, 64)
	if err != nil {
		return fmt.Errorf("default priority: %w", err)
	}

	m.config.Init = m.initImage
	m.config.Quantum = quantum
	m.config.DefaultPriority = prio
	m.config.LogLevel = m.logLevel
	m.config.StopWhenIdle = m.stopWhenIdle
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied at next boot)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	// Showing starts a fresh form from the current config.
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
