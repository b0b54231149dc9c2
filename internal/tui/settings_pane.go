package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings are
// written to the config file and apply from the next start.
type SettingsPaneModel struct {
	form     *huh.Form
	config   *config.Config
	savePath string
	width    int
	height   int
	visible  bool
	saved    bool
	err      error

	f *settingsFields // Huh binds to these by pointer
}

// settingsFields are the form values as strings for Huh.
type settingsFields struct {
	numWorkers        string
	maxRetries        string
	defaultPriority   string
	taskTimeout       string
	heartbeatInterval string
	executorType      string
	checkInterval     string
	failureRate       string
	stuckTimeout      string
}

// NewSettingsPaneModel creates a settings pane editing cfg and saving to path.
func NewSettingsPaneModel(cfg *config.Config, path string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:   cfg,
		savePath: path,
		f:        &settingsFields{},
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	cfg := m.config
	m.f.numWorkers = strconv.Itoa(cfg.NumWorkers)
	m.f.maxRetries = strconv.Itoa(cfg.MaxRetries)
	m.f.defaultPriority = strconv.Itoa(cfg.DefaultPriority)
	m.f.taskTimeout = cfg.TaskTimeout.String()
	m.f.heartbeatInterval = cfg.HeartbeatInterval.String()
	m.f.executorType = cfg.Executor.Type
	if m.f.executorType == "" {
		m.f.executorType = "simulation"
	}
	m.f.checkInterval = cfg.Adviser.CheckInterval.String()
	m.f.failureRate = strconv.FormatFloat(cfg.Adviser.AlertThresholds.FailureRate, 'f', -1, 64)
	m.f.stuckTimeout = cfg.Adviser.AlertThresholds.StuckTaskTimeout.String()
}

func validateInt(s string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(s)); err != nil {
		return errors.New("must be a whole number")
	}
	return nil
}

func validateDuration(s string) error {
	_, err := config.ParseDuration(strings.TrimSpace(s))
	return err
}

func validateRate(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || v > 1 {
		return errors.New("must be between 0 and 1")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("numWorkers").
				Title("Workers").
				Value(&m.f.numWorkers).
				Validate(validateInt),

			huh.NewInput().
				Key("maxRetries").
				Title("Max Retries").
				Value(&m.f.maxRetries).
				Validate(validateInt),

			huh.NewInput().
				Key("defaultPriority").
				Title("Default Priority").
				Description("1 is most urgent, 9 least").
				Value(&m.f.defaultPriority).
				Validate(validateInt),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Value(&m.f.taskTimeout).
				Placeholder("30m").
				Validate(validateDuration),

			huh.NewInput().
				Key("heartbeatInterval").
				Title("Heartbeat Interval").
				Value(&m.f.heartbeatInterval).
				Placeholder("30s").
				Validate(validateDuration),
		).Title("Workers"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("executorType").
				Title("Executor").
				Options(huh.NewOptions("simulation", "shell", "claude", "codex", "goose")...).
				Value(&m.f.executorType),
		).Title("Execution"),

		huh.NewGroup(
			huh.NewInput().
				Key("checkInterval").
				Title("Check Interval").
				Value(&m.f.checkInterval).
				Validate(validateDuration),

			huh.NewInput().
				Key("failureRate").
				Title("Failure Rate Alert").
				Value(&m.f.failureRate).
				Placeholder("0.2").
				Validate(validateRate),

			huh.NewInput().
				Key("stuckTimeout").
				Title("Stuck Task Timeout").
				Value(&m.f.stuckTimeout).
				Validate(validateDuration),
		).Title("Adviser"),
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

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted && !m.saved && m.err == nil {
		m.err = m.save()
		m.saved = m.err == nil
	}
	return m, cmd
}

// save validates the form values and writes them to the config file. The
// running engine keeps its config; the pane edits the saved copy from now on.
func (m *SettingsPaneModel) save() error {
	next, err := m.applyForm()
	if err != nil {
		return err
	}
	if err := config.Save(next, m.savePath); err != nil {
		return err
	}
	m.config = next
	return nil
}

// applyForm returns a copy of the config with the form values applied.
func (m *SettingsPaneModel) applyForm() (*config.Config, error) {
	next := *m.config
	var errs []error
	num := func(s string, dst *int) {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		errs = append(errs, err)
		*dst = v
	}
	dur := func(s string, dst *config.Duration) {
		v, err := config.ParseDuration(strings.TrimSpace(s))
		errs = append(errs, err)
		*dst = v
	}

	num(m.f.numWorkers, &next.NumWorkers)
	num(m.f.maxRetries, &next.MaxRetries)
	num(m.f.defaultPriority, &next.DefaultPriority)
	dur(m.f.taskTimeout, &next.TaskTimeout)
	dur(m.f.heartbeatInterval, &next.HeartbeatInterval)
	dur(m.f.checkInterval, &next.Adviser.CheckInterval)
	dur(m.f.stuckTimeout, &next.Adviser.AlertThresholds.StuckTaskTimeout)
	rate, err := strconv.ParseFloat(strings.TrimSpace(m.f.failureRate), 64)
	errs = append(errs, err)
	next.Adviser.AlertThresholds.FailureRate = rate
	next.Executor.Type = m.f.executorType

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true).
			Render(fmt.Sprintf("✓ Settings saved to %s. Restart to apply.", m.savePath))
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
		Width(max(m.width-4, 20)).
		Height(max(m.height-4, 10))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

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

// SetVisible shows or hides the settings pane. Showing it resets the form
// to the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
