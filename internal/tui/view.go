package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main slot dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())

	if m.status == nil {
		sections = append(sections, m.renderWaiting())
		sections = append(sections, m.renderFooter())
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	sections = append(sections, m.renderWorker())
	sections = append(sections, m.renderBudget())
	if m.status.Probe != nil {
		sections = append(sections, m.renderProbe())
	}
	if m.status.LastExit != nil {
		sections = append(sections, m.renderLastExit())
	}

	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderHistoryView renders the recent exit table.
func (m Model) renderHistoryView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderHistoryTable(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	slot := "?"
	state := dimStyle.Render("● CONNECTING")
	if m.status != nil {
		slot = m.status.Slot
		state = StateLabel(m.status.State)
	}
	if m.lastErr != nil {
		state = statusError.Render("● UNREACHABLE")
	}

	header := fmt.Sprintf(
		" %s │ %s │ %s │ Watching: %s ",
		titleStyle.Render("go-trampoline"),
		subtitleStyle.Render("slot "+slot),
		state,
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

func (m Model) renderWaiting() string {
	msg := statusInfo.Render("Waiting for supervisor at " + m.addr)
	if m.lastErr != nil {
		msg = statusError.Render("Cannot reach " + m.addr + ": " + m.lastErr.Error())
	}
	return boxStyle.Width(m.width - 2).Render(msg)
}

// =============================================================================
// Worker
// =============================================================================

func (m Model) renderWorker() string {
	st := m.status
	rows := []string{sectionHeaderStyle.Render("Worker")}

	rows = append(rows,
		RenderKeyValue("Launcher", st.Launcher),
		RenderKeyValue("State", StateLabel(st.State)),
		RenderKeyValue("In state for", formatDuration(sinceOrZero(st.Since))),
		RenderKeyValue("Generation", fmt.Sprintf("%d", st.Generation)),
	)

	if h := st.Handle; h != nil {
		rows = append(rows,
			RenderKeyValue("Instance", h.ID),
			RenderKeyValue("PID", pidString(h.PID)),
			RenderKeyValue("Uptime", formatDuration(m.WorkerUptime())),
		)
	} else {
		rows = append(rows, RenderKeyValue("Instance", mutedStyle.Render("(none)")))
	}

	if u := st.Usage; u != nil && u.Running {
		rows = append(rows,
			RenderKeyValue("RSS", RenderWithUnit(formatBytes(u.RSSBytes))),
			RenderKeyValue("CPU", fmt.Sprintf("%.1f%%", u.CPUPercent)),
			RenderKeyValue("Threads / FDs", fmt.Sprintf("%d / %d", u.Threads, u.OpenFDs)),
		)
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Restart Budget
// =============================================================================

func (m Model) renderBudget() string {
	st := m.status
	rows := []string{sectionHeaderStyle.Render("Restart Budget")}

	if st.MaxRestarts <= 0 {
		rows = append(rows, RenderKeyValue("Budget", "unlimited"))
	} else {
		window := "lifetime"
		if st.Window > 0 {
			window = st.Window.String()
		}
		usage := m.BudgetUsage()
		barWidth := m.width - 30
		if barWidth < 20 {
			barWidth = 20
		}
		rows = append(rows,
			RenderKeyValue("Used", BudgetStyle(usage).Render(fmt.Sprintf("%d/%d per %s", st.BudgetUsed, st.MaxRestarts, window))),
			RenderProgressBar(usage, barWidth),
		)
	}
	rows = append(rows, RenderKeyValue("Total restarts", fmt.Sprintf("%d", st.Restarts)))

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Probe
// =============================================================================

func (m Model) renderProbe() string {
	p := m.status.Probe
	total := p.Reachable + p.Unreachable
	ratio := 0.0
	if total > 0 {
		ratio = float64(p.Reachable) / float64(total)
	}
	style := valueGoodStyle
	if p.Unreachable > 0 {
		style = valueWarnStyle
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Liveness Probes"),
		RenderKeyValue("Reachable", style.Render(fmt.Sprintf("%d/%d (%s)", p.Reachable, total, formatPercent(ratio)))),
		RenderKeyValue("Latency P50", RenderWithUnit(formatMs(p.P50))),
		RenderKeyValue("Latency P99", RenderWithUnit(formatMs(p.P99))),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Last Exit
// =============================================================================

func (m Model) renderLastExit() string {
	r := m.status.LastExit
	rows := []string{
		sectionHeaderStyle.Render("Last Exit"),
		RenderKeyValue("Cause", CauseLabel(r.Cause)),
		RenderKeyValue("Status", r.Status.String()+" "+exitstatus.Label(r.Status)),
		RenderKeyValue("Ran for", formatDuration(r.Uptime)),
		RenderKeyValue("At", r.At.Format("15:04:05")),
	}
	if n := len(r.StderrTail); n > 0 {
		rows = append(rows, labelStyle.Render("Stderr:"))
		for _, line := range r.StderrTail[max(0, n-3):] {
			rows = append(rows, dimStyle.Render("  "+truncate(line, m.width-8)))
		}
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// History Table
// =============================================================================

func (m Model) renderHistoryTable() string {
	var b strings.Builder

	b.WriteString(sectionHeaderStyle.Render(fmt.Sprintf("Recent Exits (%d)", len(m.history))))
	b.WriteString("\n")

	if len(m.history) == 0 {
		b.WriteString(mutedStyle.Render("No exits recorded."))
		return boxStyle.Width(m.width - 2).Render(b.String())
	}

	header := fmt.Sprintf("%-10s %-9s %4s %7s %-18s %-10s", "Time", "Instance", "Gen", "PID", "Cause", "Uptime")
	b.WriteString(tableHeaderStyle.Render(header))
	b.WriteString("\n")

	// Newest first, limited to what fits.
	rows := m.height - 8
	if rows < 5 {
		rows = 5
	}
	for i, shown := len(m.history)-1, 0; i >= 0 && shown < rows; i, shown = i-1, shown+1 {
		b.WriteString(m.renderHistoryRow(m.history[i], shown))
		b.WriteString("\n")
	}

	return boxStyle.Width(m.width - 2).Render(b.String())
}

func (m Model) renderHistoryRow(r supervisor.ExitReport, idx int) string {
	rowStyle := tableRowEvenStyle
	if idx%2 == 1 {
		rowStyle = tableRowOddStyle
	}
	prefix := fmt.Sprintf("%-10s %-9s %4d %7s ",
		r.At.Format("15:04:05"),
		shortID(r.HandleID),
		r.Generation,
		pidString(r.PID),
	)
	cause := CauseStyle(r.Cause).Render(fmt.Sprintf("%-18s", r.Cause))
	return rowStyle.Render(prefix) + cause + rowStyle.Render(" "+formatDuration(r.Uptime))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	var parts []string

	switch {
	case m.confirmHalt:
		parts = append(parts, statusWarning.Render("Halt slot "+m.slotName()+"? y to confirm, any other key to cancel"))
	case m.haltErr != nil:
		parts = append(parts, statusError.Render("Halt failed: "+m.haltErr.Error()))
	case m.haltSent && !m.Halted():
		parts = append(parts, statusInfo.Render("Halt requested..."))
	}

	if m.lastErr != nil && m.status != nil {
		parts = append(parts, statusError.Render("Stale: "+m.lastErr.Error()))
	}

	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	parts = append(parts, footerStyle.Render(fmt.Sprintf(
		"%s │ updated %s │ q quit │ h history │ r refresh │ x halt", m.addr, updated)))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// =============================================================================
// Helpers
// =============================================================================

func (m Model) slotName() string {
	if m.status == nil {
		return "?"
	}
	return m.status.Slot
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func truncate(s string, width int) string {
	if width < 4 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
