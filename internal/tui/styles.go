package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/productteam/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// State styles
var (
	StyleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	StyleSucceeded = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	StyleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	StyleRetrying = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	StyleInactive = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// StateIcon returns a styled one-character marker for a node state.
func StateIcon(s scheduler.NodeState) string {
	switch s {
	case scheduler.StateRunning:
		return StyleRunning.Render("●")
	case scheduler.StateSucceeded:
		return StyleSucceeded.Render("✓")
	case scheduler.StateFailed:
		return StyleRetrying.Render("↻")
	case scheduler.StateFailedTerminal:
		return StyleFailed.Render("✗")
	case scheduler.StateSkippedUnreachable:
		return StyleInactive.Render("⊘")
	case scheduler.StateCancelled:
		return StyleInactive.Render("■")
	case scheduler.StateReady:
		return StyleInactive.Render("◌")
	default:
		return StyleInactive.Render("○")
	}
}
