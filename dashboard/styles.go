package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#22C55E")
	warningColor = lipgloss.Color("#EAB308")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	textColor    = lipgloss.Color("#F9FAFB")

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	tabActive = lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor).
		Padding(0, 2)

	tabInactive = lipgloss.NewStyle().
		Foreground(mutedColor).
		Padding(0, 2)

	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor).
		Padding(0, 1)

	statusBar = lipgloss.NewStyle().
		Foreground(mutedColor).
		Padding(0, 1)

	tableHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor)

	tableSelected = lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(textColor)

	statusOK     = lipgloss.NewStyle().Foreground(successColor)
	statusWarn   = lipgloss.NewStyle().Foreground(warningColor)
	statusError  = lipgloss.NewStyle().Foreground(errorColor)
	notification = lipgloss.NewStyle().Foreground(successColor).Padding(0, 1)
	errorBanner  = lipgloss.NewStyle().Foreground(errorColor).Padding(0, 1)
)
