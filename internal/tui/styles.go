package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)

	stepNameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Width(20)

	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)
