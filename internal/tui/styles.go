// Package tui renders pipeline runs in the terminal.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	purple    = lipgloss.Color("#A855F7")
	green     = lipgloss.Color("#22C55E")
	yellow    = lipgloss.Color("#FBBF24")
	red       = lipgloss.Color("#EF4444")
	gray      = lipgloss.Color("#6B7280")
	lightGray = lipgloss.Color("#9CA3AF")
	white     = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple)

	moduleTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(white).
				Background(purple).
				Padding(0, 1)

	descriptionStyle = lipgloss.NewStyle().
				Foreground(lightGray).
				Italic(true)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(purple).
			Bold(true)

	botLabelStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	contentStyle = lipgloss.NewStyle().
			Foreground(white).
			PaddingLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(gray)

	helpStyle = lipgloss.NewStyle().
			Foreground(gray)

	badgeStyles = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(gray),
		"streaming": lipgloss.NewStyle().Foreground(yellow).Bold(true),
		"settled":   lipgloss.NewStyle().Foreground(green).Bold(true),
		"failed":    lipgloss.NewStyle().Foreground(red).Bold(true),
	}
)
