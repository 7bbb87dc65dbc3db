package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/barysiuk/subspack/internal/core"
	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	colorPrimary = lipgloss.Color("#7C3AED") // Purple
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorDanger  = lipgloss.Color("#EF4444") // Red
	colorMuted   = lipgloss.Color("#6B7280") // Gray
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorInfo    = lipgloss.Color("#A78BFA") // Light purple
)

var (
	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorPrimary).
			Padding(0, 1)

	headerPathStyle = lipgloss.NewStyle().
			Bold(true)

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMuted)

	outcomeStyle = lipgloss.NewStyle().Width(8)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorDanger)

	hintBulletStyle = lipgloss.NewStyle().
			Foreground(colorWarning)
)

var outcomeColors = map[core.Outcome]lipgloss.Color{
	core.OutcomeCreated: colorSuccess,
	core.OutcomeUpdated: colorInfo,
	core.OutcomeSkipped: colorMuted,
	core.OutcomeFailed:  colorDanger,
}

// renderReport writes the per-stage actions of a run, grouped in the order
// the stages ran, followed by a one-line summary.
func renderReport(w io.Writer, r *core.Report) {
	fmt.Fprintln(w, logoStyle.Render("subspack")+" "+headerPathStyle.Render(r.Prefix))

	counts := map[core.Outcome]int{}
	var stage core.Stage
	for _, a := range r.Actions {
		if a.Stage != stage {
			stage = a.Stage
			fmt.Fprintln(w, stageStyle.Render(strings.ToUpper(string(stage))))
		}
		counts[a.Outcome]++

		line := "  " + outcomeStyle.Foreground(outcomeColors[a.Outcome]).Render(string(a.Outcome)) +
			" " + displayPath(r.Prefix, a.Path)
		if a.Detail != "" {
			line += "  " + mutedStyle.Render(a.Detail)
		}
		fmt.Fprintln(w, line)
	}

	summary := fmt.Sprintf("%d created, %d updated, %d skipped, %d failed",
		counts[core.OutcomeCreated], counts[core.OutcomeUpdated], counts[core.OutcomeSkipped], counts[core.OutcomeFailed])
	fmt.Fprintln(w, mutedStyle.Render(summary))
	if n := len(r.Problems); n > 0 {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%d problem(s), see errors below", n)))
	}
}

// displayPath shows paths inside the instance relative to its prefix.
func displayPath(prefix, path string) string {
	rel, err := filepath.Rel(prefix, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return path
	}
	return rel
}

// PrintError writes err to w, followed by any hints attached to a failed
// external command.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("Error:")+" "+err.Error())
	if te, ok := core.IsExternalToolError(err); ok {
		for _, hint := range te.Hints {
			fmt.Fprintln(w, "  "+hintBulletStyle.Render("•")+" "+hint)
		}
	}
}
