package cmd

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/giantswarm/celixdm/internal/component"
)

// renderComponentTable prints a kubectl-style table summarizing every
// Component Manager in snaps, followed by one dependency sub-table per
// component that owns at least one Service Dependency.
func renderComponentTable(out io.Writer, snaps []component.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "UUID", "State", "Enabled", "Resolved", "Dependencies"})

	for _, s := range snaps {
		t.AppendRow(table.Row{
			s.Name,
			s.UUID,
			formatState(s.State),
			formatBool(s.Enabled),
			formatBool(s.Resolved),
			len(s.Dependencies),
		})
	}
	t.Render()

	for _, s := range snaps {
		if len(s.Dependencies) == 0 {
			continue
		}
		dt := table.NewWriter()
		dt.SetOutputMirror(out)
		dt.SetStyle(table.StyleRounded)
		dt.SetTitle(s.Name + " dependencies")
		dt.AppendHeader(table.Row{"Service Type", "Filter", "Required", "Cardinality", "Resolved"})
		for _, d := range s.Dependencies {
			filter := d.Filter
			if filter == "" {
				filter = "-"
			}
			dt.AppendRow(table.Row{
				d.ServiceType,
				filter,
				formatBool(d.Required),
				d.Cardinality.String(),
				formatBool(d.Resolved),
			})
		}
		dt.Render()
	}
}

func formatBool(v bool) string {
	if v {
		return text.Colors{text.FgHiGreen, text.Bold}.Sprint("yes")
	}
	return text.Colors{text.FgHiRed, text.Bold}.Sprint("no")
}

func formatState(s component.State) string {
	switch s {
	case component.Started:
		return text.Colors{text.FgHiGreen, text.Bold}.Sprint(s.String())
	case component.Initialized:
		return text.Colors{text.FgHiYellow, text.Bold}.Sprint(s.String())
	case component.Uninitialized:
		return text.Colors{text.FgHiYellow}.Sprint(s.String())
	case component.Disabled:
		return text.Faint.Sprint(s.String())
	default:
		return s.String()
	}
}
