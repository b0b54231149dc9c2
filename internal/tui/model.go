// Package tui is the terminal monitor: worker activity, task progress, an
// event feed and a settings form.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/orchestrator"
)

const statusInterval = time.Second

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneWorkers PaneID = iota
	PaneProgress
	PaneActivity
	paneCount
)

// StatusSource reports the aggregate engine status.
type StatusSource interface {
	Status(ctx context.Context) (*orchestrator.SystemStatus, error)
}

type statusMsg struct {
	status *orchestrator.SystemStatus
}

type statusErrMsg struct {
	err error
}

type pollMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	workerPane   WorkerPaneModel
	progressPane ProgressPaneModel
	activityPane ActivityPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	bus          *events.EventBus
	eventSub     <-chan events.Event
	source       StatusSource
	statusErr    error
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a TUI model fed by the event bus and polling source for
// status. Settings are saved to configPath.
func New(bus *events.EventBus, source StatusSource, cfg *config.Config, configPath string) Model {
	return Model{
		workerPane:   NewWorkerPaneModel(),
		progressPane: NewProgressPaneModel(),
		activityPane: NewActivityPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, configPath),
		focusedPane:  PaneWorkers,
		bus:          bus,
		eventSub:     bus.SubscribeAll(256),
		source:       source,
	}
}

// Close releases the event subscription.
func (m Model) Close() {
	m.bus.Unsubscribe(m.eventSub)
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), fetchStatus(m.source))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func fetchStatus(source StatusSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusInterval)
		defer cancel()
		st, err := source.Status(ctx)
		if err != nil {
			return statusErrMsg{err: err}
		}
		return statusMsg{status: st}
	}
}

func schedulePoll() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form takes all keys while open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
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
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneActivity
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneWorkers:
				m.workerPane, cmd = m.workerPane.Update(msg)
			case PaneActivity:
				m.activityPane, cmd = m.activityPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case pollMsg:
		cmds = append(cmds, fetchStatus(m.source))

	case statusMsg:
		m.statusErr = nil
		m.workerPane, _ = m.workerPane.Update(msg)
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, schedulePoll())

	case statusErrMsg:
		m.statusErr = msg.err
		cmds = append(cmds, schedulePoll())

	case outputTickMsg:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, _ = m.progressPane.Update(msg)
		m.activityPane, _ = m.activityPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		// Messages for the open settings form, such as huh's own commands.
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

	right := lipgloss.JoinVertical(lipgloss.Left, m.progressPane.View(), m.activityPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.workerPane.View(), right)

	help := HelpView()
	if m.statusErr != nil {
		help = StyleStatusFailed.Render("status unavailable: "+m.statusErr.Error()) + "  " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, help)
}

// computeLayout splits the screen: workers on the left, progress above the
// activity feed on the right.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // Help bar
	progressHeight := min(12, availableHeight/2)

	m.workerPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, progressHeight)
	m.activityPane.SetSize(rightWidth, availableHeight-progressHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.activityPane.SetFocused(m.focusedPane == PaneActivity)
}
