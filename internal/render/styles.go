// Package render draws observer panels for the terminal.
package render

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/session"
)

var (
	// Colors - all meet WCAG AA contrast (4.5:1) on dark terminals
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue
	BorderColor    = lipgloss.Color("#6B7280") // Gray

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Muted = lipgloss.NewStyle().Foreground(MutedColor)
	Error = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)

	Speaker = lipgloss.NewStyle().Bold(true).Foreground(BlueColor)
	Partial = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)

	Badge = lipgloss.NewStyle().Padding(0, 1)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderColor).
		Padding(0, 1)

	ErrorBox = Box.BorderForeground(ErrorColor)
)

// statusColor maps a session status onto the palette.
func statusColor(s session.Status) lipgloss.Color {
	switch s {
	case session.StatusActive, session.StatusNegotiating:
		return BlueColor
	case session.StatusSigning:
		return WarningColor
	case session.StatusCompleted:
		return SecondaryColor
	case session.StatusError:
		return ErrorColor
	default:
		return MutedColor
	}
}

// milestoneColor maps a milestone status onto the palette.
func milestoneColor(s contract.MilestoneStatus) lipgloss.Color {
	switch s {
	case contract.MilestoneReleased:
		return SecondaryColor
	case contract.MilestoneFailed, contract.MilestoneDisputed:
		return ErrorColor
	case contract.MilestoneVerifying, contract.MilestonePendingAmount:
		return WarningColor
	case contract.MilestoneCompleted, contract.MilestoneProviderConfirmed, contract.MilestoneClientConfirmed:
		return BlueColor
	default:
		return MutedColor
	}
}

// StatusBadge renders s as a colored badge.
func StatusBadge(s session.Status) string {
	return Badge.Foreground(statusColor(s)).Render(string(s))
}

// MilestoneBadge renders s as a colored badge.
func MilestoneBadge(s contract.MilestoneStatus) string {
	return Badge.Foreground(milestoneColor(s)).Render(string(s))
}
