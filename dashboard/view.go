package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"harvestd/models"
)

func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderTabs(),
		m.renderContent(),
		m.renderStatusBar(),
	)
}

func (m Model) renderTabs() string {
	var rendered []string
	for i, name := range tabNames {
		if tab(i) == m.active {
			rendered = append(rendered, tabActive.Render(name))
		} else {
			rendered = append(rendered, tabInactive.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...) + "\n"
}

func (m Model) renderContent() string {
	var body string
	switch m.active {
	case tabSources:
		body = m.renderSources()
	case tabProxies:
		body = m.renderProxies()
	case tabLogs:
		body = m.renderLogs()
	}
	if m.err != nil {
		body = errorBanner.Render("Error: "+m.err.Error()) + "\n" + body
	}
	return body
}

func (m Model) renderSources() string {
	if len(m.sources) == 0 {
		return mutedStyle.Render("No sources configured")
	}
	now := m.now()
	header := fmt.Sprintf("%-20s %-10s %-13s %5s %-10s %s", "Source", "State", "Last run", "Fails", "Next", "Last error")
	lines := []string{tableHeader.Render(header)}
	for i, src := range m.sources {
		state, style := sourceState(src, now)
		last := "never"
		if src.LastRunStatus != nil {
			last = string(*src.LastRunStatus)
		}
		next := "-"
		if src.NextRunAt != nil {
			next = until(*src.NextRunAt, now)
		}
		lastErr := ""
		if src.DisabledReason != nil {
			lastErr = *src.DisabledReason
		} else if src.LastError != nil {
			lastErr = *src.LastError
		}
		row := fmt.Sprintf("%-20s %s %-13s %5d %-10s %s",
			truncate(src.Key, 20),
			style.Render(fmt.Sprintf("%-10s", state)),
			last,
			src.FailureCount,
			next,
			m.fit(lastErr, 66),
		)
		lines = append(lines, m.highlight(i, row))
	}
	return titleStyle.Render("Sources") + "\n" + strings.Join(lines, "\n")
}

func sourceState(src *models.Source, now time.Time) (string, lipgloss.Style) {
	switch {
	case !src.IsEnabled:
		return "disabled", statusError
	case src.CooldownUntil != nil && src.CooldownUntil.After(now):
		return "cooldown", statusWarn
	default:
		return "enabled", statusOK
	}
}

func (m Model) renderProxies() string {
	if len(m.proxies) == 0 {
		return mutedStyle.Render("No proxies in the pool")
	}
	now := m.now()
	header := fmt.Sprintf("%4s %-16s %-26s %-10s %5s %-10s %s", "ID", "Label", "Endpoint", "Health", "Fails", "Checked", "Exit IP")
	lines := []string{tableHeader.Render(header)}
	for i, px := range m.proxies {
		health, style := proxyHealth(px, now)
		checked := "never"
		if px.LastCheckAt != nil {
			checked = ago(*px.LastCheckAt, now)
		}
		exit := "-"
		if px.LastCheckExitIP != nil {
			exit = *px.LastCheckExitIP
		}
		row := fmt.Sprintf("%4d %-16s %-26s %s %5d %-10s %s",
			px.ID,
			truncate(px.Label, 16),
			truncate(fmt.Sprintf("%s://%s:%d", px.Scheme, px.Host, px.Port), 26),
			style.Render(fmt.Sprintf("%-10s", health)),
			px.ConsecutiveFailures,
			checked,
			exit,
		)
		lines = append(lines, m.highlight(i, row))
	}
	return titleStyle.Render("Proxies") + "\n" + strings.Join(lines, "\n")
}

func proxyHealth(px *models.ProxyEndpoint, now time.Time) (string, lipgloss.Style) {
	switch {
	case !px.Enabled:
		return "disabled", mutedStyle
	case px.BannedUntil != nil && px.BannedUntil.After(now):
		return "banned", statusError
	case px.UnhealthyUntil != nil && px.UnhealthyUntil.After(now):
		return "cooling", statusWarn
	default:
		return "available", statusOK
	}
}

func (m Model) renderLogs() string {
	var filters []string
	for i, level := range logLevels {
		name := strings.ToUpper(string(level))
		if level == "" {
			name = "ALL"
		}
		if i == m.levelIndex {
			filters = append(filters, tabActive.Render("["+name+"]"))
		} else {
			filters = append(filters, tabInactive.Render(name))
		}
	}
	out := titleStyle.Render("Logs") + "\nFilter: " + strings.Join(filters, " ") + "  (←/→ to change)\n"
	if len(m.logs) == 0 {
		return out + mutedStyle.Render("No logs")
	}

	visible := m.height - 8
	if visible < 1 {
		visible = 20
	}
	start := m.cursor
	end := start + visible
	if end > len(m.logs) {
		end = len(m.logs)
	}

	lines := []string{mutedStyle.Render(fmt.Sprintf("[%d-%d of %d]", start+1, end, len(m.logs)))}
	for _, l := range m.logs[start:end] {
		lines = append(lines, m.formatLog(l))
	}
	return out + strings.Join(lines, "\n")
}

func (m Model) formatLog(l models.RunLog) string {
	var style lipgloss.Style
	switch l.Level {
	case models.LogLevelWarn:
		style = statusWarn
	case models.LogLevelError:
		style = statusError
	default:
		style = statusOK
	}
	source := ""
	if l.SourceKey != "" {
		source = "[" + l.SourceKey + "] "
	}
	return fmt.Sprintf("%s %s %s%s",
		mutedStyle.Render(l.Timestamp.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-5s", strings.ToUpper(string(l.Level)))),
		mutedStyle.Render(source),
		m.fit(l.Message, 25),
	)
}

func (m Model) highlight(i int, row string) string {
	if i == m.cursor {
		return tableSelected.Render(row)
	}
	return row
}

func (m Model) renderStatusBar() string {
	var left string
	switch m.active {
	case tabSources:
		left = "tab Switch  r Run  c Check proxies  P Pause  R Resume  f Refresh  q Quit"
	case tabProxies:
		left = "tab Switch  b Ban  u Unban  c Check proxies  f Refresh  q Quit"
	default:
		left = "tab Switch  ←/→ Level  j/k Scroll  f Refresh  q Quit"
	}
	right := ""
	if m.now().Before(m.notifyUntil) {
		right = notification.Render(m.notification)
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 0 {
		gap = 0
	}
	return statusBar.Render(left) + lipgloss.NewStyle().Width(gap).Render("") + right
}

func ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func until(t, now time.Time) string {
	d := t.Sub(now)
	switch {
	case d <= 0:
		return "due"
	case d < time.Hour:
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(d.Hours()))
	default:
		return fmt.Sprintf("in %dd", int(d.Hours()/24))
	}
}

// fit truncates s to the space left of the terminal after reserved columns.
func (m Model) fit(s string, reserved int) string {
	if m.width == 0 {
		return s
	}
	return truncate(s, m.width-reserved)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return s[:max-1] + "…"
}
