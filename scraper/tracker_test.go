package scraper

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"harvestd/fetch"
	"harvestd/models"
	"harvestd/services"
	"harvestd/storage"
)

const pageOne = `<html><body>
<article class="car"><a href="/cars/a">A</a><h2>2018 Mazda 3</h2><span class="price" data-currency="CAD">12,500</span></article>
<article class="car"><a href="/cars/b">B</a><h2>Project car</h2></article>
</body></html>`

const pageTwo = `<html><body>
<article class="car"><a href="/cars/c">C</a><h2>2020 Corolla</h2><span class="price" data-currency="CAD">18,000</span></article>
</body></html>`

const emptyPage = `<html><body><p>No results</p></body></html>`

type scriptedFetcher struct {
	mu       sync.Mutex
	pages    map[string]*fetch.Result
	requests []fetch.Request
}

func (f *scriptedFetcher) Fetch(_ context.Context, req fetch.Request) *fetch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	res, ok := f.pages[req.URL]
	if !ok {
		return &fetch.Result{URL: req.URL, StatusCode: 404, Outcome: models.OutcomeHTTPError, ProxyID: req.ProxyID}
	}
	cp := *res
	cp.URL = req.URL
	if cp.FinalURL == "" {
		cp.FinalURL = req.URL
	}
	cp.ProxyID = req.ProxyID
	return &cp
}

func okPage(body string) *fetch.Result {
	return &fetch.Result{StatusCode: 200, Body: []byte(body), Outcome: models.OutcomeOK}
}

type fakeProxies struct {
	endpoint  *models.ProxyEndpoint
	successes []int64
	failures  []int64
}

func (p *fakeProxies) Select(context.Context) (*models.ProxyEndpoint, error) {
	return p.endpoint, nil
}

func (p *fakeProxies) ProxyURL(px *models.ProxyEndpoint) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: px.Host}, nil
}

func (p *fakeProxies) RecordFailure(_ context.Context, id int64, _ string) error {
	p.failures = append(p.failures, id)
	return nil
}

func (p *fakeProxies) RecordSuccess(_ context.Context, id int64) error {
	p.successes = append(p.successes, id)
	return nil
}

type fakeClock struct {
	now   time.Time
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	return nil
}

func testSource() *models.Source {
	return &models.Source{
		Key:     "cars",
		Name:    "Cars",
		BaseURL: "https://cars.example.com/list",
		Strategy: models.ExtractionConfig{
			Kind:      models.StrategyListPage,
			PageParam: "page",
			ListPage: &models.ListPageConfig{
				Item:     "article.car",
				Link:     "a@href",
				Title:    "h2",
				Price:    ".price",
				Currency: ".price@data-currency",
			},
		},
		MergeRules:      models.MergeRules{AutoMerge: true, MinConfidence: 0.5},
		ScheduleMinutes: 60,
		MaxPagesPerRun:  3,
		RatePerMinute:   60,
		ProxyMode:       models.ProxyModePrefer,
		IsEnabled:       true,
	}
}

type harness struct {
	store    *storage.MemoryStore
	fetcher  *scriptedFetcher
	proxies  *fakeProxies
	clock    *fakeClock
	tracker  *Tracker
	finished []*models.Run
}

func newHarness(t *testing.T, pages map[string]*fetch.Result) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(),
		fetcher: &scriptedFetcher{pages: pages},
		proxies: &fakeProxies{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	hook := func(_ context.Context, _ *models.Source, run *models.Run) {
		h.finished = append(h.finished, run)
	}
	h.tracker = NewTracker(h.store, h.proxies, services.NewStagingService(h.store), h.fetcher,
		WithTrackerClock(h.clock.Now, h.clock.Sleep),
		WithFinishHook(hook),
	)
	return h
}

func (h *harness) queueRun(t *testing.T, src *models.Source, pages int) int64 {
	t.Helper()
	ctx := context.Background()
	srcID, err := h.store.UpsertSourceConfig(ctx, src)
	if err != nil {
		t.Fatalf("failed to upsert source: %v", err)
	}
	runID, err := h.store.CreateRun(ctx, &models.Run{SourceID: srcID, SourceKey: src.Key, PagesPlanned: pages})
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return runID
}

func TestExecutePagesUntilEmpty(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list":        okPage(pageOne),
		"https://cars.example.com/list?page=2": okPage(pageTwo),
		"https://cars.example.com/list?page=3": okPage(emptyPage),
	})
	runID := h.queueRun(t, testSource(), 3)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusSucceeded || run.ErrorKind != nil {
		t.Fatalf("expected succeeded run, got %s (%v)", run.Status, run.ErrorSummary)
	}
	if run.PagesDone != 3 || run.ItemsFound != 3 || run.ItemsStaged != 3 {
		t.Fatalf("expected 3 pages, 3 found, 3 staged; got %d, %d, %d", run.PagesDone, run.ItemsFound, run.ItemsStaged)
	}
	// the row without a price scores 0.3 and stays in review
	if run.ItemsMerged != 2 {
		t.Fatalf("expected 2 merged, got %d", run.ItemsMerged)
	}
	if h.store.StagedCount() != 3 {
		t.Fatalf("expected 3 staged rows, got %d", h.store.StagedCount())
	}
	if len(h.clock.waits) != 2 || h.clock.waits[0] != time.Second || h.clock.waits[1] != time.Second {
		t.Fatalf("expected two 1s waits between pages, got %v", h.clock.waits)
	}
	if len(run.Debug.Pages) != 3 || run.Debug.Pages[1].WaitedMS != 1000 {
		t.Fatalf("unexpected page debug %+v", run.Debug.Pages)
	}

	stored, _ := h.store.GetRun(context.Background(), runID)
	if stored.Status != models.RunStatusSucceeded || stored.FinishedAt == nil || stored.StartedAt == nil {
		t.Fatalf("expected stored terminal run with timestamps, got %+v", stored)
	}
	if len(h.finished) != 1 || h.finished[0].ID != runID {
		t.Fatalf("expected finish hook once, got %d", len(h.finished))
	}
}

func TestExecutePlansAtLeastOnePage(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": okPage(pageTwo),
	})
	runID := h.queueRun(t, testSource(), 0)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.PagesPlanned != 1 || run.PagesDone != 1 || len(h.fetcher.requests) != 1 {
		t.Fatalf("expected one planned and fetched page, got planned=%d done=%d fetched=%d",
			run.PagesPlanned, run.PagesDone, len(h.fetcher.requests))
	}
}

func TestExecuteBlockedLeavesProxyHealthAlone(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": {
			StatusCode:  403,
			Body:        []byte("please solve the captcha"),
			Outcome:     models.OutcomeBlocked,
			BlockReason: "captcha",
		},
	})
	exitIP := "203.0.113.9"
	h.proxies.endpoint = &models.ProxyEndpoint{ID: 7, Host: "10.0.0.7:3128", Enabled: true, LastCheckExitIP: &exitIP}
	runID := h.queueRun(t, testSource(), 2)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusBlocked || run.ErrorKind == nil || *run.ErrorKind != models.OutcomeBlocked {
		t.Fatalf("expected blocked run, got %s", run.Status)
	}
	if run.LastHTTPStatus == nil || *run.LastHTTPStatus != 403 {
		t.Fatalf("expected last status 403, got %v", run.LastHTTPStatus)
	}
	if run.ProxyID == nil || *run.ProxyID != 7 || run.ExitIP == nil || *run.ExitIP != exitIP {
		t.Fatalf("expected proxy 7 recorded on run, got %v %v", run.ProxyID, run.ExitIP)
	}
	if len(h.proxies.failures) != 0 || len(h.proxies.successes) != 0 {
		t.Fatalf("blocked page must not touch proxy health: %v %v", h.proxies.failures, h.proxies.successes)
	}
	if len(h.fetcher.requests) != 1 {
		t.Fatalf("expected paging to stop after the block, got %d fetches", len(h.fetcher.requests))
	}
	if len(run.Debug.Pages) != 1 || run.Debug.Pages[0].BlockReason != "captcha" {
		t.Fatalf("unexpected page debug %+v", run.Debug.Pages)
	}
}

func TestExecuteProxyFailureRecorded(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": {
			Outcome: models.OutcomeProxyFailed,
			Err:     errors.New("proxyconnect tcp: connection refused"),
		},
	})
	h.proxies.endpoint = &models.ProxyEndpoint{ID: 3, Host: "10.0.0.3:3128", Enabled: true}
	runID := h.queueRun(t, testSource(), 1)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusProxyFailed {
		t.Fatalf("expected proxy_failed, got %s", run.Status)
	}
	if len(h.proxies.failures) != 1 || h.proxies.failures[0] != 3 {
		t.Fatalf("expected one failure on proxy 3, got %v", h.proxies.failures)
	}
}

func TestExecuteRequiredProxyMissing(t *testing.T) {
	h := newHarness(t, nil)
	src := testSource()
	src.ProxyMode = models.ProxyModeRequire
	runID := h.queueRun(t, src, 1)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusProxyFailed || len(h.fetcher.requests) != 0 {
		t.Fatalf("expected proxy_failed without fetching, got %s after %d fetches", run.Status, len(h.fetcher.requests))
	}
}

func TestExecuteProxySuccessRecordedOnce(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list":        okPage(pageOne),
		"https://cars.example.com/list?page=2": okPage(pageTwo),
	})
	h.proxies.endpoint = &models.ProxyEndpoint{ID: 5, Host: "10.0.0.5:3128", Enabled: true}
	runID := h.queueRun(t, testSource(), 2)

	if _, err := h.tracker.Execute(context.Background(), runID); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(h.proxies.successes) != 1 {
		t.Fatalf("expected one success per run, got %v", h.proxies.successes)
	}
	for _, req := range h.fetcher.requests {
		if req.ProxyID != 5 || req.Proxy == nil {
			t.Fatalf("expected every fetch through proxy 5, got %+v", req)
		}
	}
}

func TestExecuteHTTPErrorKeepsEarlierPages(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": okPage(pageOne),
	})
	runID := h.queueRun(t, testSource(), 2)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusFailed || *run.ErrorKind != models.OutcomeHTTPError {
		t.Fatalf("expected failed http_error, got %s", run.Status)
	}
	if run.ItemsStaged != 2 || run.ItemsMerged != 1 {
		t.Fatalf("expected page 1 staged and reconciled, got staged=%d merged=%d", run.ItemsStaged, run.ItemsMerged)
	}
}

func TestExecuteSkipsRedelivery(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": okPage(emptyPage),
	})
	runID := h.queueRun(t, testSource(), 1)
	ctx := context.Background()

	if _, err := h.tracker.Execute(ctx, runID); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	run, err := h.tracker.Execute(ctx, runID)
	if err != nil {
		t.Fatalf("second execute failed: %v", err)
	}
	if run.Status != models.RunStatusSucceeded || len(h.fetcher.requests) != 1 || len(h.finished) != 1 {
		t.Fatalf("expected redelivery to be a no-op, got %s with %d fetches", run.Status, len(h.fetcher.requests))
	}
}

func TestExecuteUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.tracker.Execute(context.Background(), 99)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type flakySourceStore struct {
	*storage.MemoryStore
	failures int
}

func (s *flakySourceStore) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.GetSource(ctx, id)
}

func TestExecuteFinalizesWhenSourceLoadFails(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": okPage(pageOne),
	})
	runID := h.queueRun(t, testSource(), 1)
	store := &flakySourceStore{MemoryStore: h.store, failures: 1}

	var hooked []*models.Source
	tracker := NewTracker(store, h.proxies, services.NewStagingService(h.store), h.fetcher,
		WithTrackerClock(h.clock.Now, h.clock.Sleep),
		WithFinishHook(func(_ context.Context, src *models.Source, _ *models.Run) {
			hooked = append(hooked, src)
		}),
	)
	ctx := context.Background()

	run, err := tracker.Execute(ctx, runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusFailed || run.ErrorKind == nil || *run.ErrorKind != models.OutcomeUnknownException {
		t.Fatalf("expected failed unknown_exception run, got %s %v", run.Status, run.ErrorKind)
	}
	if len(h.fetcher.requests) != 0 {
		t.Fatal("nothing should be fetched without a source")
	}
	if len(hooked) != 1 || hooked[0].ID != run.SourceID {
		t.Fatalf("expected the finish hook with source %d, got %+v", run.SourceID, hooked)
	}

	// the redelivered task finds a terminal run
	again, err := tracker.Execute(ctx, runID)
	if err != nil || again.Status != models.RunStatusFailed {
		t.Fatalf("redelivery: %v %v", again, err)
	}
	stored, _ := h.store.GetRun(ctx, runID)
	if stored.Status != models.RunStatusFailed || stored.FinishedAt == nil {
		t.Fatalf("expected stored terminal run, got %s finished_at=%v", stored.Status, stored.FinishedAt)
	}
	if len(hooked) != 1 {
		t.Fatalf("finish hook ran %d times", len(hooked))
	}
}

func TestExecuteSinglePageSource(t *testing.T) {
	h := newHarness(t, map[string]*fetch.Result{
		"https://cars.example.com/list": okPage(pageOne),
	})
	src := testSource()
	src.Strategy.PageParam = ""
	runID := h.queueRun(t, src, 3)

	run, err := h.tracker.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if run.Status != models.RunStatusSucceeded {
		t.Fatalf("expected succeeded run, got %s (%v)", run.Status, run.ErrorSummary)
	}
	if len(h.fetcher.requests) != 1 || run.PagesDone != 1 || run.ItemsFound != 2 || run.ItemsStaged != 2 {
		t.Fatalf("expected one page counted once; got %d request(s), %d page(s), %d found, %d staged",
			len(h.fetcher.requests), run.PagesDone, run.ItemsFound, run.ItemsStaged)
	}
	if len(h.clock.waits) != 0 {
		t.Fatalf("expected no rate waits, got %v", h.clock.waits)
	}
}
