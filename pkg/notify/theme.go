package notify

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for update notifications.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default notification theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Muted:   lipgloss.Color("240"), // Gray
	}
}

func (t Theme) box() lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Primary).
		Padding(0, 1)
}

func (t Theme) title() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(t.Primary)
}

func (t Theme) muted() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Muted)
}

func (t Theme) status() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}
