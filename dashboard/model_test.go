package dashboard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"harvestd/models"
)

type fakeReader struct {
	sources []*models.Source
	proxies []*models.ProxyEndpoint
	err     error
}

func (f *fakeReader) ListSources(context.Context) ([]*models.Source, error) {
	return f.sources, f.err
}

func (f *fakeReader) ListProxies(context.Context) ([]*models.ProxyEndpoint, error) {
	return f.proxies, nil
}

type sentCommand struct {
	cmd    models.CommandType
	params models.CommandParams
}

type fakeOps struct {
	logs   []models.RunLog
	levels []models.LogLevel
	sent   []sentCommand
}

func (f *fakeOps) RecentLogs(_ int, level models.LogLevel) ([]models.RunLog, error) {
	f.levels = append(f.levels, level)
	return f.logs, nil
}

func (f *fakeOps) EnqueueCommand(cmd models.CommandType, params models.CommandParams) (int64, error) {
	f.sent = append(f.sent, sentCommand{cmd, params})
	return int64(len(f.sent)), nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestModel(t *testing.T) (Model, *fakeReader, *fakeOps) {
	t.Helper()
	failed := models.RunStatusFailed
	cooldown := testNow.Add(30 * time.Minute)
	exitIP := "203.0.113.9"
	reader := &fakeReader{
		sources: []*models.Source{
			{ID: 1, Key: "classifieds", IsEnabled: true},
			{ID: 2, Key: "salvage-results", IsEnabled: true, CooldownUntil: &cooldown, LastRunStatus: &failed, FailureCount: 2},
		},
		proxies: []*models.ProxyEndpoint{
			{ID: 4, Label: "res-1", Scheme: "http", Host: "10.0.0.4", Port: 3128, Enabled: true, LastCheckExitIP: &exitIP},
			{ID: 9, Label: "res-2", Scheme: "socks5", Host: "10.0.0.9", Port: 1080, Enabled: true, BannedUntil: &cooldown},
		},
	}
	ops := &fakeOps{logs: []models.RunLog{
		{ID: 2, Timestamp: testNow, Level: models.LogLevelWarn, Message: "Blocked: page 1", SourceKey: "salvage-results"},
	}}
	m := New(reader, ops)
	m.now = func() time.Time { return testNow }
	return load(t, m), reader, ops
}

// load runs the refresh command synchronously and feeds its result back in.
func load(t *testing.T, m Model) Model {
	t.Helper()
	msg := m.refresh()()
	updated, _ := m.Update(msg)
	return updated.(Model)
}

func press(m Model, key string) Model {
	var msg tea.KeyMsg
	switch key {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "right":
		msg = tea.KeyMsg{Type: tea.KeyRight}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	updated, _ := m.Update(msg)
	return updated.(Model)
}

func TestRunSelectedSource(t *testing.T) {
	m, _, ops := newTestModel(t)
	m = press(m, "down")
	m = press(m, "r")

	if len(ops.sent) != 1 || ops.sent[0].cmd != models.CmdRunSource || ops.sent[0].params.SourceKey != "salvage-results" {
		t.Fatalf("unexpected commands %+v", ops.sent)
	}
	if !strings.Contains(m.View(), "Run queued for salvage-results") {
		t.Fatal("expected a notification in the status bar")
	}
}

func TestProxyCommands(t *testing.T) {
	m, _, ops := newTestModel(t)
	m = press(m, "2")
	m = press(m, "b")
	m = press(m, "down")
	m = press(m, "u")
	press(m, "c")

	want := []sentCommand{
		{models.CmdBanProxy, models.CommandParams{ProxyID: 4, BanMinutes: banMinutes}},
		{models.CmdUnbanProxy, models.CommandParams{ProxyID: 9}},
		{models.CmdCheckProxies, models.CommandParams{}},
	}
	if len(ops.sent) != len(want) {
		t.Fatalf("expected %d commands, got %+v", len(want), ops.sent)
	}
	for i := range want {
		if ops.sent[i] != want[i] {
			t.Fatalf("command %d = %+v, want %+v", i, ops.sent[i], want[i])
		}
	}
}

func TestSourceKeysIgnoredOnOtherTabs(t *testing.T) {
	m, _, ops := newTestModel(t)
	m = press(m, "tab")
	m = press(m, "r")
	m = press(m, "tab")
	press(m, "b")
	if len(ops.sent) != 0 {
		t.Fatalf("expected no commands, got %+v", ops.sent)
	}
}

func TestViewRendersState(t *testing.T) {
	m, _, _ := newTestModel(t)
	view := m.View()
	for _, want := range []string{"classifieds", "salvage-results", "cooldown", "failed"} {
		if !strings.Contains(view, want) {
			t.Fatalf("sources view missing %q:\n%s", want, view)
		}
	}

	view = press(m, "2").View()
	for _, want := range []string{"socks5://10.0.0.9:1080", "banned", "available", "203.0.113.9"} {
		if !strings.Contains(view, want) {
			t.Fatalf("proxies view missing %q:\n%s", want, view)
		}
	}

	view = press(m, "3").View()
	if !strings.Contains(view, "Blocked: page 1") || !strings.Contains(view, "[salvage-results]") {
		t.Fatalf("logs view missing line:\n%s", view)
	}
}

func TestLogLevelFilter(t *testing.T) {
	m, _, ops := newTestModel(t)
	m = press(m, "3")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRight})
	if cmd == nil {
		t.Fatal("expected a refresh after changing level")
	}
	load(t, updated.(Model))
	if last := ops.levels[len(ops.levels)-1]; last != models.LogLevelInfo {
		t.Fatalf("expected info filter, got %q", last)
	}
}

func TestLoadErrorShown(t *testing.T) {
	m, reader, _ := newTestModel(t)
	reader.err = errors.New("connection refused")
	m = load(t, m)
	if !strings.Contains(m.View(), "connection refused") {
		t.Fatal("expected load error in view")
	}
	if len(m.sources) != 2 {
		t.Fatal("failed refresh must keep the last snapshot")
	}
}
