package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorPass  = lipgloss.Color("#10B981")
	colorWarn  = lipgloss.Color("#F59E0B")
	colorFail  = lipgloss.Color("#EF4444")
	colorMuted = lipgloss.Color("#6B7280")
	colorTitle = lipgloss.Color("#00D4FF")
)

type styles struct {
	title  lipgloss.Style
	muted  lipgloss.Style
	status map[Status]lipgloss.Style
}

// newStyles binds styles to w so colour is dropped for non-terminals.
func newStyles(w io.Writer) styles {
	re := lipgloss.NewRenderer(w)
	return styles{
		title: re.NewStyle().Bold(true).Foreground(colorTitle),
		muted: re.NewStyle().Foreground(colorMuted),
		status: map[Status]lipgloss.Style{
			Passed:  re.NewStyle().Foreground(colorPass),
			Warning: re.NewStyle().Foreground(colorWarn),
			Failed:  re.NewStyle().Foreground(colorFail),
			Errored: re.NewStyle().Foreground(colorFail).Bold(true),
			NotRun:  re.NewStyle().Foreground(colorMuted),
		},
	}
}

const rule = "=================================================="

// Print writes the human summary.
func (r *Report) Print(w io.Writer) {
	st := newStyles(w)

	width := 0
	for _, o := range r.Outcomes {
		width = max(width, len([]rune(o.Step)))
	}

	fmt.Fprintln(w, st.muted.Render(rule))
	fmt.Fprintln(w, st.title.Render(fmt.Sprintf("%s summary (run %s)", r.Suite, r.RunID)))
	fmt.Fprintln(w, st.muted.Render(rule))

	for _, o := range r.Outcomes {
		label := st.status[o.Status].Render(fmt.Sprintf("%-8s", strings.ToUpper(string(o.Status))))
		pad := strings.Repeat(" ", width-len([]rune(o.Step)))
		line := fmt.Sprintf("%s %s%s  %s", label, o.Step, pad, st.muted.Render(o.Duration.Round(time.Millisecond).String()))
		if o.Detail != "" {
			line += "  " + o.Detail
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	counts := make([]string, 0, len(Statuses))
	for _, s := range Statuses {
		if n := r.Count(s); n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	fmt.Fprintf(w, "Steps: %d (%s)\n", len(r.Outcomes), strings.Join(counts, ", "))
	fmt.Fprintf(w, "Success rate: %.1f%% (threshold %.0f%%)\n", r.SuccessRate()*100, r.Threshold*100)

	if r.Passed() {
		fmt.Fprintln(w, "Result: "+st.status[Passed].Bold(true).Render("PASS"))
	} else {
		fmt.Fprintln(w, "Result: "+st.status[Failed].Bold(true).Render("FAIL"))
	}

	if len(r.NextSteps) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, st.title.Render("Next steps"))
		for i, s := range r.NextSteps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}
