package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"harvestd/models"
)

func testSource(key string) *models.Source {
	src := &models.Source{
		Key:       key,
		Name:      key,
		BaseURL:   "https://" + key + ".example.com/list",
		Strategy:  models.ExtractionConfig{Kind: models.StrategyAuctionResults},
		IsEnabled: true,
	}
	src.ApplyDefaults()
	return src
}

func TestMemoryClaimDueSourcesLeases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.UpsertSourceConfig(ctx, testSource("a")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	off := testSource("b")
	off.IsEnabled = false
	store.UpsertSourceConfig(ctx, off)

	now := time.Now().Add(time.Minute)
	claimed, err := store.ClaimDueSources(ctx, now, time.Hour, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Key != "a" {
		t.Fatalf("expected only the enabled source, got %d", len(claimed))
	}
	if !claimed[0].NextRunAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected lease to push next_run_at, got %v", claimed[0].NextRunAt)
	}

	again, _ := store.ClaimDueSources(ctx, now, time.Hour, 10)
	if len(again) != 0 {
		t.Fatalf("expected leased source not to be claimed twice")
	}
}

func TestMemoryUpsertSourceKeepsRuntimeState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id, _ := store.UpsertSourceConfig(ctx, testSource("a"))

	src, _ := store.GetSource(ctx, id)
	src.FailureCount = 3
	reason := "boom"
	src.LastError = &reason
	if err := store.SaveSourceState(ctx, src); err != nil {
		t.Fatalf("save state: %v", err)
	}

	updated := testSource("a")
	updated.ScheduleMinutes = 15
	if again, _ := store.UpsertSourceConfig(ctx, updated); again != id {
		t.Fatalf("expected upsert by key to keep id %d, got %d", id, again)
	}

	got, _ := store.GetSourceByKey(ctx, "a")
	if got.ScheduleMinutes != 15 || got.FailureCount != 3 || got.LastError == nil {
		t.Fatalf("expected config updated and state kept, got %+v", got)
	}

	missing := &models.Source{ID: 999}
	if err := store.SaveSourceState(ctx, missing); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRunTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := &models.Run{SourceID: 1, SourceKey: "a"}
	id, err := store.CreateRun(ctx, run)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	got, _ := store.GetRun(ctx, id)
	if got.Status != models.RunStatusQueued || got.PagesPlanned != 1 {
		t.Fatalf("expected queued run planning one page, got %s/%d", got.Status, got.PagesPlanned)
	}

	if ok, _ := store.StartRun(ctx, id, time.Now()); !ok {
		t.Fatalf("expected first start to win")
	}
	if ok, _ := store.StartRun(ctx, id, time.Now()); ok {
		t.Fatalf("expected second start to lose")
	}

	finished := *got
	finished.Status = models.RunStatusSucceeded
	finished.PagesPlanned = 99
	if ok, _ := store.FinishRun(ctx, &finished); !ok {
		t.Fatalf("expected finish from running")
	}
	if ok, _ := store.FinishRun(ctx, &finished); ok {
		t.Fatalf("expected terminal run not to be finished twice")
	}
	got, _ = store.GetRun(ctx, id)
	if got.Status != models.RunStatusSucceeded || got.PagesPlanned != 1 || got.StartedAt == nil {
		t.Fatalf("unexpected stored run %+v", got)
	}
}

func TestMemoryTrackingClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	row, err := store.CreateTracking(ctx, "https://a.example/lot/1", "a", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dup, _ := store.CreateTracking(ctx, "https://a.example/lot/1", "a", now)
	if dup.ID != row.ID {
		t.Fatalf("expected duplicate target to return the existing row")
	}

	claimed, _ := store.ClaimDueTracking(ctx, now, 10)
	if len(claimed) != 1 || claimed[0].ClaimToken == nil || claimed[0].Status != models.TrackingRunning {
		t.Fatalf("expected one claimed row with a token, got %+v", claimed)
	}
	if again, _ := store.ClaimDueTracking(ctx, now, 10); len(again) != 0 {
		t.Fatalf("expected running row not to be claimed again")
	}
	if single, _ := store.ClaimTracking(ctx, row.ID, now); single != nil {
		t.Fatalf("expected conditional claim to fail on a running row")
	}

	done := *claimed[0]
	done.Status = models.TrackingDone
	if ok, _ := store.FinishTracking(ctx, &done, "stale-token"); ok {
		t.Fatalf("expected stale token to be rejected")
	}
	if ok, _ := store.FinishTracking(ctx, &done, *claimed[0].ClaimToken); !ok {
		t.Fatalf("expected finish with the claim token")
	}
	got, _ := store.GetTracking(ctx, row.ID)
	if got.Status != models.TrackingDone || got.ClaimToken != nil {
		t.Fatalf("unexpected finished row %+v", got)
	}
}

func TestMemoryReclaimsStrandedTracking(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	row, _ := store.CreateTracking(ctx, "https://a.example/lot/3", "a", now)

	first, _ := store.ClaimDueTracking(ctx, now, 10)
	if len(first) != 1 {
		t.Fatalf("expected one claim, got %d", len(first))
	}
	inLease := now.Add(models.TrackingClaimLease - time.Minute)
	if again, _ := store.ClaimDueTracking(ctx, inLease, 10); len(again) != 0 {
		t.Fatalf("expected row to stay claimed inside the lease")
	}

	expired := now.Add(models.TrackingClaimLease)
	second, _ := store.ClaimDueTracking(ctx, expired, 10)
	if len(second) != 1 || second[0].ID != row.ID {
		t.Fatalf("expected stranded row to be reclaimed, got %+v", second)
	}
	if *second[0].ClaimToken == *first[0].ClaimToken {
		t.Fatalf("expected a fresh claim token")
	}

	stale := *first[0]
	stale.Status = models.TrackingDone
	if ok, _ := store.FinishTracking(ctx, &stale, *first[0].ClaimToken); ok {
		t.Fatalf("expected the lost claim to be rejected after reclaim")
	}
}

func TestMemoryResetTracking(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	row, _ := store.CreateTracking(ctx, "https://a.example/lot/2", "a", now)

	claimed, _ := store.ClaimDueTracking(ctx, now, 1)
	failed := *claimed[0]
	failed.Status = models.TrackingFailed
	failed.Attempts = 4
	later := now.Add(time.Hour)
	failed.NextCheckAt = &later
	store.FinishTracking(ctx, &failed, *claimed[0].ClaimToken)

	if err := store.ResetTracking(ctx, row.ID, false, now); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := store.GetTracking(ctx, row.ID)
	if got.Status != models.TrackingPending || got.Attempts != 4 || !got.NextCheckAt.Equal(now) {
		t.Fatalf("expected pending row keeping attempts, got %+v", got)
	}
	store.ResetTracking(ctx, row.ID, true, now)
	if got, _ = store.GetTracking(ctx, row.ID); got.Attempts != 0 {
		t.Fatalf("expected attempts reset, got %d", got.Attempts)
	}
	if err := store.ResetTracking(ctx, 999, false, now); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryProxyHealthUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id, _ := store.CreateProxy(ctx, &models.ProxyEndpoint{Scheme: "http", Host: "p1", Port: 3128, Enabled: true})

	// same endpoint updates in place
	again, _ := store.CreateProxy(ctx, &models.ProxyEndpoint{Scheme: "http", Host: "p1", Port: 3128, Label: "relabel", Enabled: true})
	if again != id {
		t.Fatalf("expected duplicate endpoint to reuse id")
	}

	fail := errors.New("rejected")
	if _, err := store.UpdateProxyHealth(ctx, id, func(p *models.ProxyEndpoint) error {
		p.ConsecutiveFailures = 7
		return fail
	}); !errors.Is(err, fail) {
		t.Fatalf("expected callback error, got %v", err)
	}
	px, _ := store.GetProxy(ctx, id)
	if px.ConsecutiveFailures != 0 || px.Label != "relabel" {
		t.Fatalf("expected aborted update to leave row unchanged, got %+v", px)
	}
	if _, err := store.UpdateProxyHealth(ctx, 404, func(*models.ProxyEndpoint) error { return nil }); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
