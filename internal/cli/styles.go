package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorAccent = lipgloss.Color("#8BC34A")
	colorMuted  = lipgloss.Color("#8A94A6")
	colorError  = lipgloss.Color("#E53935")
)

// styles renders for one writer; colors are dropped when it is not a terminal.
type styles struct {
	renderer *lipgloss.Renderer
	Title    lipgloss.Style
	Muted    lipgloss.Style
	Accent   lipgloss.Style
	Error    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		renderer: r,
		Title:    r.NewStyle().Bold(true),
		Muted:    r.NewStyle().Foreground(colorMuted),
		Accent:   r.NewStyle().Foreground(colorAccent).Bold(true),
		Error:    r.NewStyle().Foreground(colorError),
	}
}

// table renders rows under headers with a rounded border.
func (s styles) table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.Muted).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Title.Padding(0, 1)
			}
			return s.renderer.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
