package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"harvestd/models"
	"harvestd/queue"
)

type fakeRuns struct {
	mu   sync.Mutex
	seen []int64
	err  error
}

func (f *fakeRuns) Execute(_ context.Context, runID int64) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, runID)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Run{ID: runID, Status: models.RunStatusSucceeded}, nil
}

func (f *fakeRuns) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type fakeChecks struct {
	tokens []string
	panics bool
}

func (f *fakeChecks) Process(_ context.Context, _ int64, token string) error {
	if f.panics {
		panic("boom")
	}
	f.tokens = append(f.tokens, token)
	return nil
}

func TestHandleAckPolicy(t *testing.T) {
	tests := []struct {
		name    string
		execErr error
		acked   bool
	}{
		{"success", nil, true},
		{"not found", fmt.Errorf("run 1: %w", models.ErrNotFound), true},
		{"transient", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemoryQueue()
			pool := NewPool(q, &fakeRuns{err: tt.execErr}, &fakeChecks{}, 1)
			task := queue.NewSourceRun(1, 1)

			pool.Handle(context.Background(), &task)
			if got := q.Acked() == 1; got != tt.acked {
				t.Fatalf("acked = %v, want %v", got, tt.acked)
			}
		})
	}
}

func TestHandleInvalidAndPanickingTasksAreAcked(t *testing.T) {
	q := queue.NewMemoryQueue()
	checks := &fakeChecks{panics: true}
	pool := NewPool(q, &fakeRuns{}, checks, 1)

	bad := queue.Task{ID: "bad", Kind: "mystery"}
	pool.Handle(context.Background(), &bad)
	check := queue.NewTrackingCheck(3, "token")
	pool.Handle(context.Background(), &check)

	if q.Acked() != 2 {
		t.Fatalf("expected both poison tasks acked, got %d", q.Acked())
	}
}

func TestHandleRoutesByKind(t *testing.T) {
	q := queue.NewMemoryQueue()
	runs, checks := &fakeRuns{}, &fakeChecks{}
	pool := NewPool(q, runs, checks, 1)

	run := queue.NewSourceRun(11, 2)
	check := queue.NewTrackingCheck(5, "abc")
	pool.Handle(context.Background(), &run)
	pool.Handle(context.Background(), &check)

	if len(runs.seen) != 1 || runs.seen[0] != 11 {
		t.Fatalf("unexpected runs %v", runs.seen)
	}
	if len(checks.tokens) != 1 || checks.tokens[0] != "abc" {
		t.Fatalf("unexpected checks %v", checks.tokens)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	for i := int64(1); i <= 10; i++ {
		if _, err := q.Enqueue(ctx, queue.NewSourceRun(i, 1)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	runs := &fakeRuns{}
	pool := NewPool(q, runs, &fakeChecks{}, 3)
	pool.poll = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for runs.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	if runs.count() != 10 || q.Acked() != 10 {
		t.Fatalf("expected 10 executed and acked, got %d and %d", runs.count(), q.Acked())
	}
}

func TestProxyHealthWorkerTrigger(t *testing.T) {
	checker := &countingChecker{calls: make(chan struct{}, 4)}
	w := NewProxyHealthWorker(checker, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitCall(t, checker.calls)
	w.Trigger()
	waitCall(t, checker.calls)
}

type countingChecker struct {
	calls chan struct{}
}

func (c *countingChecker) CheckAll(context.Context) (int, int, error) {
	c.calls <- struct{}{}
	return 1, 0, nil
}

func waitCall(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proxy check")
	}
}
