package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Step and workflow status colours.
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	StyleStatusSkipped  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
)
