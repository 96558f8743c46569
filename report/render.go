package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ciorch/testplan"
)

// Styles holds the palette used by RenderText.
type Styles struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Succeeded lipgloss.Style
	Failed    lipgloss.Style
	Skipped   lipgloss.Style
	Muted     lipgloss.Style
	Box       lipgloss.Style
}

// DefaultStyles returns the terminal palette.
func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Foreground(lipgloss.Color("#8AB4F8")).Bold(true),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("#E8EAED")).Bold(true),
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#34A853")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#EA4335")).Bold(true),
		Skipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBC04")),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("#9AA0A6")),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5F6368")).
			Padding(0, 1),
	}
}

// PlainStyles renders without colors or borders, for logs and tests.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Title: plain, Label: plain, Succeeded: plain, Failed: plain, Skipped: plain, Muted: plain, Box: plain}
}

// maxLogLines bounds the log tail shown per failed job.
const maxLogLines = 20

// RenderText renders the report as a summary box, one line per JobRun
// grouped by matrix entry, and the log tail of every failed JobRun.
func RenderText(r Report, styles Styles) string {
	var b strings.Builder

	verdict := styles.Succeeded.Render("PASSED")
	if !r.Passed {
		verdict = styles.Failed.Render("FAILED")
	}
	header := []string{
		styles.Title.Render(fmt.Sprintf("Pipeline %s", r.Project)) + "  " + verdict,
		styles.Muted.Render(fmt.Sprintf("ref %s  commit %s  run %s", r.Ref, shortCommit(r.Commit), r.RunID)),
		fmt.Sprintf("jobs: %d succeeded, %d failed, %d skipped", r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped),
		fmt.Sprintf("tests: %d passed, %d failed, %d errors", r.Summary.TestsPassed, r.Summary.TestsFailed, r.Summary.TestsErrored),
	}
	if r.Summary.Incomplete > 0 {
		header = append(header, styles.Failed.Render(fmt.Sprintf("incomplete: %d", r.Summary.Incomplete)))
	}
	b.WriteString(styles.Box.Render(lipgloss.JoinVertical(lipgloss.Left, header...)))
	b.WriteString("\n")

	labels, grouped := r.ByMatrix()
	for _, label := range labels {
		if label != "" {
			b.WriteString("\n" + styles.Label.Render(label) + "\n")
		} else if len(labels) > 1 {
			b.WriteString("\n")
		}
		for _, job := range grouped[label] {
			b.WriteString(renderJobLine(job, styles))
		}
	}

	for _, job := range r.Failures() {
		b.WriteString("\n" + styles.Failed.Render("── "+job.Key) + "\n")
		if job.Reason != "" {
			b.WriteString(job.Reason + "\n")
		}
		for _, test := range job.Tests {
			if test.Outcome != testplan.Pass {
				b.WriteString(fmt.Sprintf("  %s %s/%s\n", test.Outcome, test.Plan, test.Case))
			}
		}
		if tail := logTail(job.Log, maxLogLines); tail != "" {
			b.WriteString(styles.Muted.Render(tail) + "\n")
		}
	}

	if len(r.Gaps) > 0 {
		b.WriteString("\n" + styles.Skipped.Render("Gaps") + "\n")
		for _, gap := range r.Gaps {
			b.WriteString(fmt.Sprintf("  %s: %s\n", gap.Job, gap.Reason))
		}
	}
	return b.String()
}

func renderJobLine(job JobReport, styles Styles) string {
	var icon string
	var style lipgloss.Style
	switch job.State {
	case StateSucceeded:
		icon, style = "✅", styles.Succeeded
	case StateFailed:
		icon, style = "❌", styles.Failed
	case StateSkipped:
		icon, style = "⏭", styles.Skipped
	default:
		icon, style = "…", styles.Muted
	}

	line := fmt.Sprintf("  %s %-32s %s", icon, job.Name, style.Render(job.State))
	if job.Duration > 0 {
		line += styles.Muted.Render(" " + job.Duration.Round(time.Millisecond).String())
	}
	if len(job.Tests) > 0 {
		pass := 0
		for _, test := range job.Tests {
			if test.Outcome == testplan.Pass {
				pass++
			}
		}
		line += fmt.Sprintf("  tests %d/%d", pass, len(job.Tests))
	}
	if job.State == StateSkipped && job.Reason != "" {
		line += styles.Muted.Render("  (" + job.Reason + ")")
	}
	return line + "\n"
}

func logTail(log string, n int) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	if len(lines) > n {
		lines = append([]string{fmt.Sprintf("... %d earlier lines", len(lines)-n)}, lines[len(lines)-n:]...)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}
