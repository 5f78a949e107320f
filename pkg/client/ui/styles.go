package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Color scheme
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	// Panes
	MessagePaneStyle = BaseStyle.
				Border(lipgloss.RoundedBorder()).
				BorderForeground(BorderColor)

	SidePaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	PaneTitleStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor)

	SelfStyle = BaseStyle.
			Foreground(SecondaryColor).
			Bold(true)

	ItemStyle = BaseStyle.
			Foreground(lipgloss.Color("252"))

	// Message lines
	SystemLineStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	ErrorLineStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)

	InputStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)

	DisconnectedStyle = BaseStyle.
				Foreground(ErrorColor).
				Bold(true).
				Padding(0, 1)
)
