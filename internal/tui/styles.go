package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ade80"))
	stateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	authorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#60a5fa"))
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f59e0b"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	pendingStyle = lipgloss.NewStyle().Faint(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	replyStyle   = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#9ca3af"))
	typingStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#a3a3a3"))
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#fef2f2")).Background(lipgloss.Color("#b91c1c")).Padding(0, 1)
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ade80")).
			Padding(0, 1)
)
