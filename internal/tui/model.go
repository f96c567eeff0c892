package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/keleshteri/agent-flow-sub000/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneSteps PaneID = iota
	PaneProgress
)

const paneCount = 2

// Model is the root Bubble Tea model for the workflow dashboard.
type Model struct {
	stepPane     StepPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	workflowID   string
	width        int
	height       int
	quitting     bool
}

// New creates a dashboard following workflowID. An empty id follows every
// workflow on the bus. It subscribes immediately so events published before
// the program starts are buffered rather than lost.
func New(eventBus *events.EventBus, workflowID string) Model {
	return Model{
		stepPane:     NewStepPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneSteps,
		eventSub:     eventBus.SubscribeAll(1024),
		workflowID:   workflowID,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the bus closes the subscription.
type busClosedMsg struct{}

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

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, keys.StepsPane):
			m.focusedPane = PaneSteps
			m.updateFocusStates()
		case key.Matches(msg, keys.StatsPane):
			m.focusedPane = PaneProgress
			m.updateFocusStates()
		default:
			if m.focusedPane == PaneSteps {
				var cmd tea.Cmd
				m.stepPane, cmd = m.stepPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.StepProgressEvent, events.CompensationEvent:
		if m.follows(msg.(events.Event)) {
			var cmd tea.Cmd
			m.stepPane, cmd = m.stepPane.Update(msg)
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.WorkflowProgressEvent:
		if m.follows(msg) {
			m.progressPane, _ = m.progressPane.Update(msg)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		// Standalone task events are not displayed.
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
	}

	return m, tea.Batch(cmds...)
}

func (m Model) follows(ev events.Event) bool {
	return m.workflowID == "" || ev.WorkflowID() == m.workflowID
}

// WorkflowStatus returns the last status reported for the followed workflow.
func (m Model) WorkflowStatus() string {
	return m.progressPane.Status()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.stepPane.View(), m.progressPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.stepPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.stepPane.SetFocused(m.focusedPane == PaneSteps)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
