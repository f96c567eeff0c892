package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	Quit      key.Binding
	NextPane  key.Binding
	PrevPane  key.Binding
	StepsPane key.Binding
	StatsPane key.Binding
	Up        key.Binding
	Down      key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	NextPane:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane:  key.NewBinding(key.WithKeys("shift+tab")),
	StepsPane: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	StatsPane: key.NewBinding(key.WithKeys("2")),
	Up:        key.NewBinding(key.WithKeys("k", "up")),
	Down:      key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select step")),
}

// HelpView renders the bindings that carry help text on one line.
func HelpView() string {
	var parts []string
	for _, b := range []key.Binding{keys.NextPane, keys.StepsPane, keys.Down, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
