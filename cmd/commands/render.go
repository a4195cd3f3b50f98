package commands

import (
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/dohr-michael/conductor/internal/teams"
)

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true),
		header: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		cell:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		muted:  lipgloss.NewStyle().Faint(true),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

func (s styles) agent(st teams.AgentStatus) lipgloss.Style {
	switch st {
	case teams.AgentActive:
		return s.ok
	case teams.AgentActivating:
		return s.warn
	default:
		return s.muted
	}
}

func (s styles) working(st teams.WorkingStatus) lipgloss.Style {
	if st == teams.WorkingIdle {
		return s.muted
	}
	return s.ok
}

type cell struct {
	text  string
	style lipgloss.Style
}

// renderTable lays out rows in padded columns. Widths are measured on the
// unstyled text so colour codes never skew alignment.
func renderTable(st styles, header []string, rows [][]cell) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c.text); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range header {
		b.WriteString(st.header.Render(pad(h, widths[i])))
		if i < len(header)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteByte('\n')
	for _, r := range rows {
		for i, c := range r {
			b.WriteString(c.style.Render(pad(c.text, widths[i])))
			if i < len(r)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func pad(s string, w int) string {
	if n := w - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// renderRoster renders the orchestrator and every team member.
func renderRoster(st styles, orc *teams.Member, list []*teams.Team) string {
	var rows [][]cell
	if orc != nil {
		rows = append(rows, memberRow(st, "-", *orc))
	}
	for _, t := range list {
		for _, m := range t.Members {
			rows = append(rows, memberRow(st, t.Name, m))
		}
	}
	if len(rows) == 0 {
		return st.muted.Render("No members.") + "\n"
	}
	return renderTable(st, []string{"TEAM", "MEMBER", "ROLE", "SESSION", "AGENT", "WORKING", "CHECKED"}, rows)
}

func memberRow(st styles, team string, m teams.Member) []cell {
	checked := "-"
	if !m.LastActivityCheck.IsZero() {
		checked = m.LastActivityCheck.Local().Format("15:04:05")
	}
	return []cell{
		{team, st.cell},
		{m.Name, st.title},
		{orDash(m.Role), st.cell},
		{orDash(m.SessionName), st.cell},
		{string(m.AgentStatus), st.agent(m.AgentStatus)},
		{string(m.WorkingStatus), st.working(m.WorkingStatus)},
		{checked, st.muted},
	}
}
