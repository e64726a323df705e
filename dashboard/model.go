// Package dashboard is the terminal ops view of a running daemon: sources,
// proxy health and recent logs, with operator commands sent over the SQLite
// command channel.
package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"harvestd/models"
)

const (
	refreshInterval = 5 * time.Second
	loadTimeout     = 10 * time.Second
	logLimit        = 200
	banMinutes      = 60
	notifyFor       = 2 * time.Second
)

// Reader is the read side of the domain store.
type Reader interface {
	ListSources(ctx context.Context) ([]*models.Source, error)
	ListProxies(ctx context.Context) ([]*models.ProxyEndpoint, error)
}

// Ops is the daemon's local operational store.
type Ops interface {
	RecentLogs(limit int, level models.LogLevel) ([]models.RunLog, error)
	EnqueueCommand(cmd models.CommandType, params models.CommandParams) (int64, error)
}

type tab int

const (
	tabSources tab = iota
	tabProxies
	tabLogs
	tabCount
)

var tabNames = []string{"Sources", "Proxies", "Logs"}

// "" matches every level
var logLevels = []models.LogLevel{"", models.LogLevelInfo, models.LogLevelWarn, models.LogLevelError}

type snapshotMsg struct {
	sources []*models.Source
	proxies []*models.ProxyEndpoint
	logs    []models.RunLog
	err     error
}

type tickMsg time.Time

type Model struct {
	store Reader
	ops   Ops
	now   func() time.Time

	active        tab
	cursor        int
	levelIndex    int
	width, height int

	sources []*models.Source
	proxies []*models.ProxyEndpoint
	logs    []models.RunLog
	err     error

	notification string
	notifyUntil  time.Time
}

func New(store Reader, ops Ops) Model {
	return Model{store: store, ops: ops, now: time.Now}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	level := logLevels[m.levelIndex]
	return func() tea.Msg {
		return m.load(level)
	}
}

func (m Model) load(level models.LogLevel) snapshotMsg {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	var msg snapshotMsg
	if msg.sources, msg.err = m.store.ListSources(ctx); msg.err != nil {
		return msg
	}
	if msg.proxies, msg.err = m.store.ListProxies(ctx); msg.err != nil {
		return msg
	}
	msg.logs, msg.err = m.ops.RecentLogs(logLimit, level)
	return msg
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.sources, m.proxies, m.logs = msg.sources, msg.proxies, msg.logs
		m.cursor = clamp(m.cursor, m.rows())

	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.active = (m.active + 1) % tabCount
		m.cursor = 0
	case "1", "2", "3":
		m.active = tab(msg.String()[0] - '1')
		m.cursor = 0
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < m.rows()-1 {
			m.cursor++
		}
	case "left", "h":
		if m.active == tabLogs && m.levelIndex > 0 {
			m.levelIndex--
			return m, m.refresh()
		}
	case "right", "l":
		if m.active == tabLogs && m.levelIndex < len(logLevels)-1 {
			m.levelIndex++
			return m, m.refresh()
		}
	case "f":
		m.notify("Refreshed")
		return m, m.refresh()
	case "r", "enter":
		if src := m.selectedSource(); src != nil {
			m.send(models.CmdRunSource, models.CommandParams{SourceKey: src.Key}, "Run queued for "+src.Key)
		}
	case "b":
		if px := m.selectedProxy(); px != nil {
			m.send(models.CmdBanProxy, models.CommandParams{ProxyID: px.ID, BanMinutes: banMinutes},
				fmt.Sprintf("Proxy %d banned for %dm", px.ID, banMinutes))
		}
	case "u":
		if px := m.selectedProxy(); px != nil {
			m.send(models.CmdUnbanProxy, models.CommandParams{ProxyID: px.ID}, fmt.Sprintf("Proxy %d unbanned", px.ID))
		}
	case "c":
		m.send(models.CmdCheckProxies, models.CommandParams{}, "Proxy check triggered")
	case "P":
		m.send(models.CmdPause, models.CommandParams{}, "Scheduler paused")
	case "R":
		m.send(models.CmdResume, models.CommandParams{}, "Scheduler resumed")
	}
	return m, nil
}

func (m *Model) send(cmd models.CommandType, params models.CommandParams, note string) {
	if _, err := m.ops.EnqueueCommand(cmd, params); err != nil {
		m.err = fmt.Errorf("send %s: %w", cmd, err)
		return
	}
	m.notify(note)
}

func (m *Model) notify(note string) {
	m.notification = note
	m.notifyUntil = m.now().Add(notifyFor)
}

func (m Model) rows() int {
	switch m.active {
	case tabSources:
		return len(m.sources)
	case tabProxies:
		return len(m.proxies)
	case tabLogs:
		return len(m.logs)
	}
	return 0
}

func (m Model) selectedSource() *models.Source {
	if m.active != tabSources || m.cursor >= len(m.sources) {
		return nil
	}
	return m.sources[m.cursor]
}

func (m Model) selectedProxy() *models.ProxyEndpoint {
	if m.active != tabProxies || m.cursor >= len(m.proxies) {
		return nil
	}
	return m.proxies[m.cursor]
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}
