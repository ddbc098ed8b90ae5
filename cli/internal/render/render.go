package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/asiaops/asia/pkg/kpi"
	"github.com/asiaops/asia/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	severityStyles = map[string]lipgloss.Style{
		types.SeverityHigh:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160")).Padding(0, 1),
		types.SeverityMedium: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("214")).Padding(0, 1),
		types.SeverityLow:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("41")).Padding(0, 1),
	}
	statusStyles = map[string]lipgloss.Style{
		types.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("41")),
		types.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		types.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
	}
)

// Severity renders a diagnosis severity as a colored badge.
func Severity(s string) string {
	if st, ok := severityStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

// Status renders a run status.
func Status(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

// KPITable renders KPI records as an aligned table followed by their
// descriptions. Unset values print as "n/a".
func KPITable(kpis []types.KPIRecord) string {
	rows := [][]string{{"SIGNAL", "METRIC", "MEAN", "STD DEV", "MAX", "TREND"}}
	for _, k := range kpis {
		trend := num(k.TrendSlope)
		if k.TrendSlope != nil {
			trend += " (" + kpi.TrendLabel(*k.TrendSlope) + ")"
		}
		rows = append(rows, []string{k.SignalName, k.MetricType, num(k.MeanValue), num(k.StdDev), num(k.MaxValue), trend})
	}

	var b strings.Builder
	b.WriteString(table(rows))
	if len(kpis) > 0 {
		b.WriteString("\n")
	}
	for _, k := range kpis {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(k.SignalName+":"), mutedStyle.Render(k.Description))
	}
	return b.String()
}

// Runs renders a run list, newest first as given.
func Runs(runs []types.Run) string {
	if len(runs) == 0 {
		return mutedStyle.Render("no runs") + "\n"
	}
	rows := [][]string{{"RUN ID", "STATUS", "SUBSYSTEM", "CREATED"}}
	for _, r := range runs {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{r.ID, Status(r.Status), r.Metadata.Subsystem, created})
	}
	return table(rows)
}

// Results renders a run view: the run header, its KPI table and the
// diagnosis. md renders the rationale and recommended action; nil prints
// them verbatim.
func Results(view *types.RunView, md *Markdown) string {
	var b strings.Builder
	r := view.Run
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Run:"), r.ID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:"), Status(r.Status))
	if r.Metadata.AircraftType != "" || r.Metadata.Subsystem != "" {
		fmt.Fprintf(&b, "%s %s / %s\n", labelStyle.Render("Subject:"), r.Metadata.AircraftType, r.Metadata.Subsystem)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Error:"), r.Error)
	}

	if len(view.Signals) > 0 {
		kpis := make([]types.KPIRecord, len(view.Signals))
		for i, s := range view.Signals {
			kpis[i] = s.KPIRecord
		}
		b.WriteString("\n")
		b.WriteString(KPITable(kpis))
	}

	d := view.AnomalyResult
	if d == nil {
		b.WriteString("\n" + mutedStyle.Render("no diagnosis yet") + "\n")
		return b.String()
	}
	fmt.Fprintf(&b, "\n%s %s  %s\n", labelStyle.Render("Diagnosis:"), Severity(d.Severity), d.Component)
	text := "**Rationale.** " + d.Rationale + "\n\n**Recommended action.** " + d.RecommendedAction
	b.WriteString(md.Render(text))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// Markdown renders model text for the terminal.
type Markdown struct {
	r *glamour.TermRenderer
}

// NewMarkdown returns a renderer using style (auto, dark, light or notty)
// wrapped at width columns.
func NewMarkdown(style string, width int) (*Markdown, error) {
	opt := glamour.WithStandardStyle(style)
	if style == "" || style == "auto" {
		opt = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(opt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("render: markdown renderer: %w", err)
	}
	return &Markdown{r: r}, nil
}

// Render returns text rendered as markdown. A nil Markdown or a rendering
// failure returns text unchanged.
func (m *Markdown) Render(text string) string {
	if m == nil {
		return text
	}
	out, err := m.r.Render(text)
	if err != nil {
		return text
	}
	return out
}

func num(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// table pads every column to its widest cell. The first row is the header.
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for n, row := range rows {
		for i, cell := range row {
			if n == 0 {
				cell = headerStyle.Render(cell)
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
