package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/keleshteri/agent-flow-sub000/internal/events"
)

// StepState is what the dashboard knows about one step.
type StepState struct {
	StepID    string
	Status    string
	WorkerID  string
	Attempts  int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// StepPaneModel lists steps and shows the selected step's history.
type StepPaneModel struct {
	steps       map[string]*StepState
	stepOrder   []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewStepPaneModel creates an empty step pane.
func NewStepPaneModel() StepPaneModel {
	return StepPaneModel{
		steps:    make(map[string]*StepState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the step pane.
func (m StepPaneModel) Update(msg tea.Msg) (StepPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.stepOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.StepProgressEvent:
		s := m.step(msg.StepID)
		s.Status = msg.Status
		if msg.WorkerID != "" {
			s.WorkerID = msg.WorkerID
		}
		s.Attempts = msg.Attempts

		line := fmt.Sprintf("%s %s", msg.Timestamp.Format(time.TimeOnly), msg.Status)
		switch {
		case msg.Status == "running":
			s.StartTime = msg.Timestamp
			if msg.WorkerID != "" {
				line += " on " + msg.WorkerID
			}
		case !s.StartTime.IsZero():
			s.Duration = msg.Timestamp.Sub(s.StartTime)
			line += fmt.Sprintf(" after %v", s.Duration.Round(time.Millisecond))
		}
		if msg.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", msg.Attempts)
		}
		if msg.Error != "" {
			line += ": " + msg.Error
		}
		s.Log = append(s.Log, line)
		m.refreshIfSelected(msg.StepID)

	case events.CompensationEvent:
		s := m.step(msg.StepID)
		line := "compensated"
		if !msg.Succeeded {
			line = "compensation failed: " + msg.Error
		}
		s.Log = append(s.Log, fmt.Sprintf("%s %s", msg.Timestamp.Format(time.TimeOnly), line))
		m.refreshIfSelected(msg.StepID)
	}

	return m, cmd
}

func (m *StepPaneModel) step(id string) *StepState {
	s, ok := m.steps[id]
	if !ok {
		s = &StepState{StepID: id, Status: "pending"}
		m.steps[id] = s
		m.stepOrder = append(m.stepOrder, id)
		if len(m.stepOrder) == 1 {
			m.selectedIdx = 0
		}
	}
	return s
}

func (m *StepPaneModel) refreshIfSelected(id string) {
	if m.selectedID() == id {
		m.updateViewportContent()
	}
}

// View renders the step pane.
func (m StepPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderStepList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
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

func (m StepPaneModel) renderStepList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Steps")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.stepOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.stepOrder {
		name := id
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.steps[id].Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "skipped", "cancelled":
		return StyleStatusSkipped.Render("–")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m StepPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.stepOrder) {
		return m.stepOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected step, if any.
func (m StepPaneModel) Selected() (StepState, bool) {
	s, ok := m.steps[m.selectedID()]
	if !ok {
		return StepState{}, false
	}
	return *s, true
}

func (m *StepPaneModel) updateViewportContent() {
	s, ok := m.steps[m.selectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for steps...")
		return
	}
	header := fmt.Sprintf("%s [%s]", s.StepID, s.Status)
	if s.WorkerID != "" {
		header += " worker " + s.WorkerID
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(s.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *StepPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *StepPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *StepPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
