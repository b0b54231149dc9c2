package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/orchestrator"
)

const (
	workerListWidth = 28
	maxOutputLines  = 500 // Per worker
)

// WorkerView is what the pane knows about one worker.
type WorkerView struct {
	ID        string
	State     string
	Task      string
	Completed int
	Failed    int
	Output    []string
}

// WorkerPaneModel shows the worker list and the output of the selected
// worker's current or last task.
type WorkerPaneModel struct {
	workers     map[string]*WorkerView
	order       []string // Sorted by first appearance
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // Debounces viewport refreshes
}

// NewWorkerPaneModel creates an empty worker pane.
func NewWorkerPaneModel() WorkerPaneModel {
	return WorkerPaneModel{
		workers:  make(map[string]*WorkerView),
		viewport: viewport.New(0, 0),
	}
}

type outputTickMsg struct {
	tag int
}

func (m *WorkerPaneModel) worker(id string) *WorkerView {
	w, ok := m.workers[id]
	if !ok {
		w = &WorkerView{ID: id, State: string(orchestrator.WorkerIdle)}
		m.workers[id] = w
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.updateViewportContent()
		}
	}
	return w
}

func (w *WorkerView) appendOutput(lines ...string) {
	w.Output = append(w.Output, lines...)
	if n := len(w.Output) - maxOutputLines; n > 0 {
		w.Output = w.Output[n:]
	}
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case statusMsg:
		for _, snap := range msg.status.Workers {
			w := m.worker(snap.ID)
			w.State = string(snap.State)
			w.Task = snap.CurrentTask
			w.Completed = snap.TasksCompleted
			w.Failed = snap.TasksFailed
		}

	case events.WorkerStateEvent:
		w := m.worker(msg.WorkerID)
		w.State = msg.To
		if msg.Task != "" {
			w.Task = msg.Task
		}

	case events.TaskDispatchedEvent:
		w := m.worker(msg.WorkerID)
		w.Task = msg.ID
		w.Output = nil
		w.appendOutput(fmt.Sprintf("[%s attempt %d]", msg.ID, msg.Attempt))
		return m, m.refresh(msg.WorkerID)

	case events.TaskOutputEvent:
		m.worker(msg.WorkerID).appendOutput(msg.Line)
		return m, m.refresh(msg.WorkerID)

	case events.TaskCompletedEvent:
		w := m.worker(msg.WorkerID)
		w.Completed++
		w.appendOutput(fmt.Sprintf("[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		return m, m.refresh(msg.WorkerID)

	case events.TaskFailedEvent:
		if msg.WorkerID == "" {
			break
		}
		w := m.worker(msg.WorkerID)
		w.Failed++
		w.appendOutput(fmt.Sprintf("[Failed (%s): %s]", msg.Kind, msg.Error))
		return m, m.refresh(msg.WorkerID)

	case outputTickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// refresh schedules a debounced viewport update when id is selected.
func (m *WorkerPaneModel) refresh(id string) tea.Cmd {
	if m.selectedID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return outputTickMsg{tag: tag}
	})
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-workerListWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m WorkerPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Workers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		w := m.workers[id]
		line := fmt.Sprintf("%s %s %d/%d", StateIcon(w.State), id, w.Completed, w.Failed)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if w.Task != "" && w.State != string(orchestrator.WorkerIdle) {
			b.WriteString(StyleStatusPending.Render("  " + truncate(w.Task, workerListWidth-4)))
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(workerListWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StateIcon returns a styled indicator for a worker state.
func StateIcon(state string) string {
	switch orchestrator.WorkerState(state) {
	case orchestrator.WorkerAssigned, orchestrator.WorkerExecuting:
		return StyleStatusRunning.Render("●")
	case orchestrator.WorkerIdle:
		return StyleStatusComplete.Render("○")
	case orchestrator.WorkerUnresponsive:
		return StyleStatusFailed.Render("!")
	default:
		return StyleStatusPending.Render("-")
	}
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (m WorkerPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *WorkerPaneModel) updateViewportContent() {
	w, ok := m.workers[m.selectedID()]
	if !ok || len(w.Output) == 0 {
		m.viewport.SetContent("No output yet.")
		return
	}
	m.viewport.SetContent(strings.Join(w.Output, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-workerListWidth-4, 10)
	m.viewport.Height = max(h-4, 5)
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
