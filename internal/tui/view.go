package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)
	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

const (
	headerLines = 4
	footerLines = 2
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.screen {
	case screenTasks:
		if len(m.tasks) == 0 {
			b.WriteString(dimStyle.Render("  No tasks. Run autofix --cycle or autofix run."))
		} else {
			b.WriteString(m.table.View())
		}
	case screenEvents:
		b.WriteString(m.feed.View())
	case screenDetail:
		b.WriteString(m.detail.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	h := m.health
	score := lipgloss.NewStyle().Bold(true).Foreground(healthColor(h.Status)).
		Render(fmt.Sprintf("%d %s", h.Score, h.Status))

	line1 := titleStyle.Render("autofix") + "  health " + score +
		subtleStyle.Render(fmt.Sprintf("   tasks %d  ✓ %d  ✗ %d  error rate %.0f%%  confidence %.2f",
			h.Metrics.TotalTasks, h.Metrics.CompletedTasks, h.Metrics.FailedTasks,
			h.Metrics.ErrorRate*100, h.Metrics.AverageConfidence))

	line2 := dimStyle.Render("no cycles yet")
	if c := m.cycle; c != nil {
		line2 = subtleStyle.Render(fmt.Sprintf("cycle #%d ", c.ID)) +
			lipgloss.NewStyle().Foreground(cycleColor(c.Status)).Render(string(c.Status)) +
			subtleStyle.Render(fmt.Sprintf("  started %s  dispatched %d  completed %d  failed %d",
				c.StartedAt.Local().Format("15:04:05"), c.Dispatched, c.Completed, c.Failed))
	}
	if h.Metrics.FatalRollbacks > 0 {
		line2 += "  " + lipgloss.NewStyle().Bold(true).Foreground(clrRed).
			Render(fmt.Sprintf("✗ %d failed rollbacks", h.Metrics.FatalRollbacks))
	}

	var line3 string
	switch m.screen {
	case screenTasks:
		filter := "all"
		if f := statusFilters[m.filter]; f != "" {
			filter = string(f)
		}
		line3 = titleStyle.Render("Tasks") + dimStyle.Render(" ("+filter+")")
	case screenEvents:
		line3 = titleStyle.Render("Events")
	case screenDetail:
		if m.selected != nil {
			line3 = titleStyle.Render("Task " + m.selected.ID)
		}
	}
	return line1 + "\n" + line2 + "\n\n" + line3
}

func (m Model) renderFooter() string {
	bindings := []key.Binding{keys.Switch, keys.Open, keys.Filter, keys.Refresh, keys.Quit}
	switch m.screen {
	case screenEvents:
		bindings = []key.Binding{keys.Switch, keys.Refresh, keys.Quit}
	case screenDetail:
		bindings = []key.Binding{keys.Back, keys.Quit}
	}

	var parts []string
	for _, k := range bindings {
		h := k.Help()
		parts = append(parts, footerKeyStyle.Render(h.Key)+footerDescStyle.Render(" "+h.Desc))
	}
	footer := strings.Join(parts, "  ")
	if m.statusMsg != "" {
		footer += "   " + statusStyle.Render(m.statusMsg)
	}
	return footer
}

func taskColumns(width int) []table.Column {
	fixed := 18 + 9 + 12 + 28
	desc := width - fixed - 10
	if desc < 20 {
		desc = 20
	}
	return []table.Column{
		{Title: "ID", Width: 18},
		{Title: "Priority", Width: 9},
		{Title: "Status", Width: 12},
		{Title: "Target", Width: 28},
		{Title: "Description", Width: desc},
	}
}

func taskRows(tasks []store.TaskRequest) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		target := t.Target
		if !t.HasTarget() {
			target = "-"
		}
		rows = append(rows, table.Row{t.ID, string(t.Priority), string(t.Status), shortenLeft(target, 28), t.Description})
	}
	return rows
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(clrSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Foreground(clrHighlight).Bold(true)
	return s
}

func renderEvents(events []store.Event) string {
	if len(events) == 0 {
		return dimStyle.Render("  No events yet.")
	}
	var b strings.Builder
	for _, e := range events {
		style := lipgloss.NewStyle().Foreground(eventColor(e.Type))
		b.WriteString(dimStyle.Render(e.Timestamp.Local().Format("15:04:05")) + "  ")
		b.WriteString(style.Render(fmt.Sprintf("%-15s", e.Type)) + " ")
		b.WriteString(eventSummary(e))
		b.WriteString("\n")
	}
	return b.String()
}

func eventSummary(e store.Event) string {
	switch e.Type {
	case bus.TopicTaskAssigned, bus.TopicTaskStarted:
		if t, err := bus.DecodeTask(e); err == nil {
			return t.ID + " " + subtleStyle.Render("["+string(t.Priority)+"] "+t.Description)
		}
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		if r, err := bus.DecodeResult(e); err == nil {
			return r.TaskID + " " + subtleStyle.Render(r.Message)
		}
	}
	return subtleStyle.Render(e.Source)
}

func renderDetail(t store.TaskRequest, results []store.TaskResult, width int) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(subtleStyle.Render(fmt.Sprintf("%-12s", name)) + value + "\n")
	}
	field("Kind", string(t.Kind))
	field("Priority", string(t.Priority))
	field("Status", string(t.Status))
	field("Target", t.Target)
	field("Description", lipgloss.NewStyle().Width(max(width-12, 20)).Render(t.Description))
	field("Source", t.Meta(store.MetaSource))
	field("Line", t.Meta(store.MetaLine))
	field("Detector", t.Meta(store.MetaDetector))
	field("Acceptance", t.Meta(store.MetaAcceptance))

	b.WriteString("\n" + titleStyle.Render(fmt.Sprintf("Results (%d)", len(results))) + "\n")
	if len(results) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		mark := lipgloss.NewStyle().Foreground(clrGreen).Render("✓")
		if !r.Success {
			mark = lipgloss.NewStyle().Foreground(clrRed).Render("✗")
		}
		review := ""
		if r.RequiresHumanReview {
			review = lipgloss.NewStyle().Foreground(clrYellow).Render("  needs review")
		}
		b.WriteString(fmt.Sprintf("%s %s  %s%s\n", mark, dimStyle.Render(r.CompletedAt.Local().Format("2006-01-02 15:04:05")),
			r.Message, review))
		b.WriteString(subtleStyle.Render(fmt.Sprintf("    confidence %.2f  %dms  %s", r.ConfidenceScore,
			r.Metrics.ExecutionTimeMs, r.Metrics.Complexity)) + "\n")
		for _, c := range r.Changes {
			b.WriteString(fmt.Sprintf("    %s %s (%d lines)\n", c.Action, c.File, c.LinesChanged))
		}
		for _, e := range r.Errors {
			b.WriteString(lipgloss.NewStyle().Foreground(clrRed).Render("    "+e) + "\n")
		}
	}
	return b.String()
}

func healthColor(s store.HealthStatus) lipgloss.AdaptiveColor {
	switch s {
	case store.HealthHealthy:
		return clrGreen
	case store.HealthWarning:
		return clrYellow
	}
	return clrRed
}

func cycleColor(s store.CycleStatus) lipgloss.AdaptiveColor {
	switch s {
	case store.CycleCompleted:
		return clrGreen
	case store.CyclePartial:
		return clrYellow
	case store.CycleRunning:
		return clrBlue
	}
	return clrRed
}

func eventColor(t string) lipgloss.AdaptiveColor {
	switch t {
	case bus.TopicTaskCompleted:
		return clrGreen
	case bus.TopicTaskFailed:
		return clrRed
	case bus.TopicTaskStarted:
		return clrBlue
	}
	return clrHighlight
}

// shortenLeft keeps the end of s, which for paths is the informative part.
func shortenLeft(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}
