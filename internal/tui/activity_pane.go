package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

const maxActivityLines = 500

// ActivityPaneModel is a scrolling feed of task lifecycle events and alerts.
type ActivityPaneModel struct {
	lines    []string
	viewport viewport.Model
	follow   bool // Keep the newest line in view
	width    int
	height   int
	focused  bool
}

// NewActivityPaneModel creates an empty activity feed.
func NewActivityPaneModel() ActivityPaneModel {
	return ActivityPaneModel{viewport: viewport.New(0, 0), follow: true}
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		if !m.focused {
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(key)
		m.follow = m.viewport.AtBottom()
		return m, cmd
	}

	if ev, ok := msg.(events.Event); ok {
		if line := describe(ev); line != "" {
			m.add(line)
		}
	}
	return m, nil
}

func (m *ActivityPaneModel) add(line string) {
	m.lines = append(m.lines, line)
	if n := len(m.lines) - maxActivityLines; n > 0 {
		m.lines = m.lines[n:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// Lines returns the feed, oldest first.
func (m ActivityPaneModel) Lines() []string {
	return m.lines
}

// describe renders an event as one feed line. Output and worker state
// events are shown in the worker pane instead.
func describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		return fmt.Sprintf("%s submitted %s (p%d) %s", stamp(e.Timestamp), e.ID, e.Priority, e.Description)
	case events.TaskDispatchedEvent:
		return fmt.Sprintf("%s dispatched %s to %s (attempt %d)", stamp(e.Timestamp), e.ID, e.WorkerID, e.Attempt)
	case events.TaskCompletedEvent:
		return StyleStatusComplete.Render(fmt.Sprintf("%s completed %s", stamp(e.Timestamp), e.ID))
	case events.TaskFailedEvent:
		verdict := "failed"
		if e.Requeued {
			verdict = "requeued"
		}
		return StyleStatusFailed.Render(fmt.Sprintf("%s %s %s: %s", stamp(e.Timestamp), verdict, e.ID, e.Error))
	case events.TaskQuarantinedEvent:
		return StyleStatusFailed.Render(fmt.Sprintf("%s quarantined %s: %s", stamp(e.Timestamp), e.ID, e.Reason))
	case events.AlertEvent:
		return StyleAlert.Render(fmt.Sprintf("%s alert [%s] %s", stamp(e.Timestamp), e.Kind, e.Message))
	case events.SystemStateEvent:
		return fmt.Sprintf("%s system %s", stamp(e.Timestamp), e.State)
	}
	return ""
}

func stamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	title := StyleTitle.Render("Activity")
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
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
