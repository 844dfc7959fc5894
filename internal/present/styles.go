package present

import "github.com/charmbracelet/lipgloss"

type styles struct {
	header       lipgloss.Style
	empty        lipgloss.Style
	timestamp    lipgloss.Style
	self         lipgloss.Style
	peer         lipgloss.Style
	body         lipgloss.Style
	obscured     lipgloss.Style
	warningLabel lipgloss.Style
	hint         lipgloss.Style
	connected    lipgloss.Style
	connecting   lipgloss.Style
	disconnected lipgloss.Style
	badge        lipgloss.Style
	critical     lipgloss.Style
	warning      lipgloss.Style
	toast        lipgloss.Style
}

func newStyles() styles {
	return styles{
		header:       lipgloss.NewStyle().Bold(true).MarginTop(1),
		empty:        lipgloss.NewStyle().Faint(true),
		timestamp:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		self:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		peer:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		body:         lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		obscured:     lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
		warningLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214")),
		hint:         lipgloss.NewStyle().Faint(true),
		connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		badge:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("161")),
		critical:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		warning:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		toast:        lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("159")),
	}
}
