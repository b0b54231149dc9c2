package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

// ProgressPaneModel shows task counts, a progress bar and system state.
type ProgressPaneModel struct {
	total     int
	completed int
	running   int
	failed    int
	pending   int

	state       string
	executor    string
	queued      int
	failureRate float64
	samples     int

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{state: "unknown"}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.pending = msg.Pending

	case events.SystemStateEvent:
		m.state = msg.State

	case statusMsg:
		st := msg.status
		m.state = string(st.State)
		m.executor = st.Executor
		m.queued = st.Queued
		m.failureRate = st.Adviser.FailureRate
		m.samples = st.Adviser.Samples
		m.total = st.TotalTasks
		m.completed = st.Tasks[scheduler.StatusCompleted]
		m.running = st.Tasks[scheduler.StatusInProgress]
		m.failed = st.Tasks[scheduler.StatusFailed]
		m.pending = st.Tasks[scheduler.StatusPending]
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "System:    %s", m.state)
	if m.executor != "" {
		fmt.Fprintf(&b, " (%s)", m.executor)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Pending:   %s (%d queued)\n", StyleStatusPending.Render(fmt.Sprint(m.pending)), m.queued)
	if m.samples > 0 {
		fmt.Fprintf(&b, "Failures:  %.0f%% of last %d attempts\n", m.failureRate*100, m.samples)
	}
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, m.completed, m.total)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
