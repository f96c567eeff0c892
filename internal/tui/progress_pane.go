package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/keleshteri/agent-flow-sub000/internal/events"
)

// ProgressPaneModel shows workflow-level counts.
type ProgressPaneModel struct {
	last    events.WorkflowProgressEvent
	seen    bool
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if msg, ok := msg.(events.WorkflowProgressEvent); ok {
		m.last = msg
		m.seen = true
	}
	return m, nil
}

// Status returns the last reported workflow status.
func (m ProgressPaneModel) Status() string {
	if !m.seen {
		return "pending"
	}
	return m.last.Status
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Workflow " + m.last.Workflow)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	status := m.Status()
	if m.last.Reason != "" {
		status += " (" + m.last.Reason + ")"
	}
	p := m.last
	fmt.Fprintf(&b, "Status:    %s\n", status)
	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprint(p.Skipped+p.Cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending())))
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (p.Completed * barWidth) / p.Total
		failedWidth := (p.Failed * barWidth) / p.Total
		runningWidth := (p.Running * barWidth) / p.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Completed, p.Total)
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
