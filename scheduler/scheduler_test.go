package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"harvestd/models"
	"harvestd/queue"
	"harvestd/services"
	"harvestd/storage"
	"harvestd/tracking"
)

type fakeProxyAdmin struct {
	banned   map[int64]time.Duration
	unbanned []int64
}

func (f *fakeProxyAdmin) Ban(_ context.Context, id int64, d time.Duration) error {
	f.banned[id] = d
	return nil
}

func (f *fakeProxyAdmin) Unban(_ context.Context, id int64) error {
	f.unbanned = append(f.unbanned, id)
	return nil
}

type triggerCounter struct{ n int }

func (c *triggerCounter) Trigger() { c.n++ }

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	store := storage.NewMemoryStore()
	tasks := queue.NewMemoryQueue()
	tq := tracking.New(store, tasks, nil, services.NewStagingService(store), nil)
	s := New(Config{}, store, tasks, tq)
	later := time.Now().Add(time.Minute)
	s.now = func() time.Time { return later }
	return s, store, tasks
}

func seed(t *testing.T, store *storage.MemoryStore, key string, pages int) int64 {
	t.Helper()
	id, err := store.UpsertSourceConfig(context.Background(), &models.Source{
		Key:             key,
		BaseURL:         "https://" + key + ".example.com/",
		Strategy:        models.ExtractionConfig{Kind: models.StrategyAuctionResults},
		ScheduleMinutes: 60,
		MaxPagesPerRun:  pages,
		IsEnabled:       true,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
	return id
}

func TestScanSourcesDispatchesOncePerLease(t *testing.T) {
	s, store, tasks := newTestScheduler(t)
	ctx := context.Background()
	seed(t, store, "alpha", 2)
	seed(t, store, "beta", 0)

	n, err := s.ScanSources(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 2 || tasks.Len() != 2 {
		t.Fatalf("expected 2 dispatches, got %d (queue %d)", n, tasks.Len())
	}

	n, _ = s.ScanSources(ctx)
	if n != 0 || tasks.Len() != 2 {
		t.Fatalf("expected leased sources to be skipped, got %d", n)
	}

	for tasks.Len() > 0 {
		task, _ := tasks.Dequeue(ctx)
		if task.Kind != queue.KindSourceRun {
			t.Fatalf("unexpected task kind %s", task.Kind)
		}
		run, _ := store.GetRun(ctx, task.SourceRun.RunID)
		if run == nil || run.Status != models.RunStatusQueued || run.PagesPlanned < 1 {
			t.Fatalf("expected queued run with planned pages, got %+v", run)
		}
	}
}

func TestScanSourcesPaused(t *testing.T) {
	s, store, tasks := newTestScheduler(t)
	seed(t, store, "alpha", 1)

	s.Pause()
	if n, _ := s.ScanSources(context.Background()); n != 0 || tasks.Len() != 0 {
		t.Fatalf("paused scheduler dispatched %d", n)
	}
	s.Resume()
	if n, _ := s.ScanSources(context.Background()); n != 1 {
		t.Fatalf("expected dispatch after resume, got %d", n)
	}
}

func TestRunFinishedAppliesBlockCooldown(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	id := seed(t, store, "alpha", 1)
	src, _ := store.GetSource(ctx, id)

	kind := models.OutcomeBlocked
	summary := "page 1: blocked: captcha"
	s.RunFinished(ctx, src, &models.Run{SourceID: id, Status: models.RunStatusBlocked, ErrorKind: &kind, ErrorSummary: &summary})

	got, _ := store.GetSource(ctx, id)
	if got.CooldownUntil == nil || !got.CooldownUntil.Equal(s.now().Add(models.DefaultBlockCooldownMinutes*time.Minute)) {
		t.Fatalf("expected default cooldown, got %v", got.CooldownUntil)
	}
	if got.IsDue(s.now()) {
		t.Fatal("source in cooldown must not be due")
	}
}

func TestRunFinishedDisablesSource(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	id := seed(t, store, "alpha", 1)

	for i := 0; i < models.MaxSourceFailures; i++ {
		src, _ := store.GetSource(ctx, id)
		s.RunFinished(ctx, src, &models.Run{SourceID: id, Status: models.RunStatusFailed})
	}
	got, _ := store.GetSource(ctx, id)
	if got.IsEnabled || got.DisabledReason == nil || got.FailureCount != models.MaxSourceFailures {
		t.Fatalf("expected source disabled after %d failures, got %+v", models.MaxSourceFailures, got)
	}
}

func TestRunSourceUnknownKey(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.RunSource(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestProcessCommands(t *testing.T) {
	s, store, tasks := newTestScheduler(t)
	ctx := context.Background()
	seed(t, store, "alpha", 1)

	ops, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("open ops db: %v", err)
	}
	defer ops.Close()
	admin := &fakeProxyAdmin{banned: make(map[int64]time.Duration)}
	checker := &triggerCounter{}
	s.SetOps(ops)
	s.SetProxyControls(admin, checker)

	enqueue := func(cmd models.CommandType, p models.CommandParams) {
		if _, err := ops.EnqueueCommand(cmd, p); err != nil {
			t.Fatalf("enqueue %s: %v", cmd, err)
		}
	}
	enqueue(models.CmdRunSource, models.CommandParams{SourceKey: "alpha"})
	enqueue(models.CmdBanProxy, models.CommandParams{ProxyID: 4, BanMinutes: 30})
	enqueue(models.CmdUnbanProxy, models.CommandParams{ProxyID: 5})
	enqueue(models.CmdCheckProxies, models.CommandParams{})
	enqueue(models.CmdPause, models.CommandParams{})

	s.ProcessCommands(ctx)

	if tasks.Len() != 1 {
		t.Fatalf("expected manual run dispatched, queue has %d", tasks.Len())
	}
	if admin.banned[4] != 30*time.Minute || len(admin.unbanned) != 1 || admin.unbanned[0] != 5 {
		t.Fatalf("unexpected proxy overrides %v %v", admin.banned, admin.unbanned)
	}
	if checker.n != 1 || !s.Paused() {
		t.Fatalf("expected check triggered and scheduler paused, got %d %v", checker.n, s.Paused())
	}
	if pending, _ := ops.GetPendingCommands(); len(pending) != 0 {
		t.Fatalf("expected all commands processed, %d pending", len(pending))
	}
}
