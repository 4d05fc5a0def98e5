package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(14)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)

	levelStyles = map[string]lipgloss.Style{
		"high":   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
		"medium": lipgloss.NewStyle().Foreground(lipgloss.Color("#F5A623")),
		"low":    lipgloss.NewStyle().Foreground(lipgloss.Color("#7ED321")),
	}
)

// field is one label/value line of a summary box.
type field struct {
	label string
	value any
}

func printBox(w io.Writer, title string, fields ...field) {
	lines := []string{titleStyle.Render(title)}
	for _, f := range fields {
		lines = append(lines, labelStyle.Render(f.label)+fmt.Sprint(f.value))
	}
	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func level(l string) string {
	style, ok := levelStyles[strings.ToLower(l)]
	if !ok {
		return l
	}
	return style.Render(l)
}
