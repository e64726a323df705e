package scraper

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"harvestd/fetch"
	"harvestd/models"
	"harvestd/parser"
	"harvestd/services"
	"harvestd/storage"
	"harvestd/telemetry"
)

const (
	defaultCacheEntries = 64
	defaultCacheTTL     = 5 * time.Minute
)

// RunStore is the persistence the run state machine needs.
type RunStore interface {
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	StartRun(ctx context.Context, id int64, at time.Time) (bool, error)
	FinishRun(ctx context.Context, run *models.Run) (bool, error)
	GetSource(ctx context.Context, id int64) (*models.Source, error)
}

// FinishHook observes every run the tracker finalizes.
type FinishHook func(ctx context.Context, src *models.Source, run *models.Run)

// Tracker executes one Run of a Source: serial, rate-limited page fetches,
// parsing, staging and reconciliation.
type Tracker struct {
	store     RunStore
	proxies   ProxyPool
	staging   *services.StagingService
	fetcher   fetch.Fetcher
	renderer  fetch.Fetcher
	artifacts storage.ArtifactStore
	logf      LogFunc
	onFinish  FinishHook
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	cacheEntries int
	cacheTTL     time.Duration
}

type TrackerOption func(*Tracker)

// WithRenderer sets the fetcher used by sources with render enabled.
func WithRenderer(f fetch.Fetcher) TrackerOption {
	return func(t *Tracker) { t.renderer = f }
}

func WithArtifacts(a storage.ArtifactStore) TrackerOption {
	return func(t *Tracker) { t.artifacts = a }
}

func WithRunLogger(fn LogFunc) TrackerOption {
	return func(t *Tracker) { t.logf = fn }
}

func WithFinishHook(fn FinishHook) TrackerOption {
	return func(t *Tracker) { t.onFinish = fn }
}

func WithTrackerClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

func WithFetchCache(entries int, ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.cacheEntries = entries
		t.cacheTTL = ttl
	}
}

func NewTracker(store RunStore, proxies ProxyPool, staging *services.StagingService, fetcher fetch.Fetcher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:        store,
		proxies:      proxies,
		staging:      staging,
		fetcher:      fetcher,
		logf:         NoOpLogger,
		now:          time.Now,
		sleep:        Sleep,
		cacheEntries: defaultCacheEntries,
		cacheTTL:     defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runState is the in-flight bookkeeping of one execution.
type runState struct {
	run    *models.Run
	src    *models.Source
	proxy  ProxyChoice
	staged []*models.StagedListing
}

func (st *runState) fail(kind models.Outcome, summary string) {
	st.run.Status = kind.RunStatus()
	st.run.ErrorKind = &kind
	st.run.ErrorSummary = &summary
}

func (st *runState) failed() bool {
	return st.run.ErrorKind != nil
}

// Execute runs a queued run to a terminal status. A run that is not queued
// (a redelivered task) is returned unchanged.
func (t *Tracker) Execute(ctx context.Context, runID int64) (result *models.Run, err error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %d: %w", runID, models.ErrNotFound)
	}
	if run.Status != models.RunStatusQueued {
		log.Debug().Int64("run_id", runID).Str("status", string(run.Status)).Msg("Run already started, skipping delivery")
		return run, nil
	}

	startedAt := t.now()
	started, err := t.store.StartRun(ctx, runID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("start run %d: %w", runID, err)
	}
	if !started {
		log.Debug().Int64("run_id", runID).Msg("Run claimed by another worker")
		return run, nil
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = &startedAt

	// From here on the run is ours and must reach a terminal status.
	st := &runState{run: run}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("run_id", runID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Run panicked")
			st.fail(models.OutcomeUnknownException, fmt.Sprintf("panic: %v", r))
		}
		t.finish(ctx, st)
		result, err = st.run, nil
	}()

	src, err := t.store.GetSource(ctx, run.SourceID)
	if err != nil {
		st.fail(models.OutcomeUnknownException, fmt.Sprintf("load source %d: %v", run.SourceID, err))
		return st.run, nil
	}
	st.src = src

	t.crawl(ctx, st)
	t.reconcile(ctx, st)
	return st.run, nil
}

func (t *Tracker) crawl(ctx context.Context, st *runState) {
	run, src := st.run, st.src
	if src == nil {
		st.fail(models.OutcomeUnknownException, fmt.Sprintf("source %d not found", run.SourceID))
		return
	}
	t.logf(&run.ID, models.LogLevelInfo, src.Key, fmt.Sprintf("Starting run: %d page(s) planned", run.PagesPlanned))

	st.proxy = ChooseProxy(ctx, t.proxies, src.ProxyMode)
	run.Debug.ProxyNote = st.proxy.Note
	if st.proxy.Missing {
		st.fail(models.OutcomeProxyFailed, st.proxy.Note)
		return
	}
	if px := st.proxy.Endpoint; px != nil {
		id := px.ID
		run.ProxyID = &id
		run.ExitIP = px.LastCheckExitIP
	}

	fetcher := t.fetcher
	if src.Render {
		if t.renderer == nil {
			st.fail(models.OutcomeUnknownException, "source requires rendering but no render fetcher is configured")
			return
		}
		fetcher = t.renderer
		run.Debug.Rendered = true
	}
	fetcher = fetch.WithCache(fetcher, fetch.NewCache(t.cacheEntries, t.cacheTTL))

	interval := src.MinInterval()
	var lastFetch time.Time
	proxyConfirmed := false

	for n := 1; n <= run.PagesPlanned; n++ {
		pageURL, err := parser.PageURL(src.BaseURL, src.Strategy.PageParam, n)
		if err != nil {
			st.fail(models.OutcomeUnknownException, fmt.Sprintf("page %d url: %v", n, err))
			return
		}

		var waited time.Duration
		if !lastFetch.IsZero() && interval > 0 {
			if wait := interval - t.now().Sub(lastFetch); wait > 0 {
				if err := t.sleep(ctx, wait); err != nil {
					st.fail(models.OutcomeUnknownException, fmt.Sprintf("interrupted before page %d: %v", n, err))
					return
				}
				waited = wait
			}
		}
		lastFetch = t.now()

		res := fetcher.Fetch(ctx, fetch.Request{
			URL:     pageURL,
			Proxy:   st.proxy.URL,
			ProxyID: st.proxy.ID(),
			Timeout: src.Timeout(),
		})
		pd := models.PageDebug{
			Page:        n,
			URL:         pageURL,
			StatusCode:  res.StatusCode,
			Outcome:     res.Outcome,
			Bytes:       len(res.Body),
			ElapsedMS:   res.Elapsed.Milliseconds(),
			WaitedMS:    waited.Milliseconds(),
			Cached:      res.Cached,
			BlockReason: res.BlockReason,
		}
		if res.Err != nil {
			pd.Error = res.Err.Error()
		}
		if res.StatusCode != 0 {
			status := res.StatusCode
			run.LastHTTPStatus = &status
		}

		if res.Outcome != models.OutcomeOK {
			t.pageFailed(ctx, st, &pd, res)
			run.Debug.Pages = append(run.Debug.Pages, pd)
			return
		}

		if id := st.proxy.ID(); id != 0 && !proxyConfirmed {
			if err := t.proxies.RecordSuccess(ctx, id); err != nil {
				log.Warn().Int64("proxy_id", id).Err(err).Msg("Failed to record proxy success")
			}
			proxyConfirmed = true
		}

		more := t.pageOK(ctx, st, &pd, res)
		run.Debug.Pages = append(run.Debug.Pages, pd)
		if st.failed() || !more {
			return
		}
		if src.Strategy.PageParam == "" {
			if run.PagesPlanned > 1 {
				t.logf(&run.ID, models.LogLevelInfo, src.Key, "Source has no page parameter, stopping after page 1")
			}
			return
		}
	}
}

// pageOK parses and stages one fetched page. It reports whether paging should continue.
func (t *Tracker) pageOK(ctx context.Context, st *runState, pd *models.PageDebug, res *fetch.Result) bool {
	run, src := st.run, st.src

	page, err := parser.Parse(src.Strategy, res.FinalURL, res.Body)
	if err != nil {
		pd.Outcome = models.OutcomeParseError
		pd.Error = err.Error()
		st.fail(models.OutcomeParseError, fmt.Sprintf("page %d: %v", pd.Page, err))
		return false
	}
	pd.Items = len(page.Candidates)
	pd.ItemErrors = page.ItemErrors
	run.PagesDone++
	run.ItemsFound += len(page.Candidates)
	run.ItemErrors += page.ItemErrors
	if page.ItemErrors > 0 {
		telemetry.ItemErrors.Add(float64(page.ItemErrors))
		t.logf(&run.ID, models.LogLevelWarn, src.Key, fmt.Sprintf("Page %d: %d item(s) dropped", pd.Page, page.ItemErrors))
	}

	if len(page.Candidates) == 0 {
		t.logf(&run.ID, models.LogLevelInfo, src.Key, fmt.Sprintf("Page %d: no candidates, stopping", pd.Page))
		return false
	}

	runID := run.ID
	staged, err := t.staging.Stage(ctx, services.Origin{
		SourceKey: src.Key,
		Strategy:  src.Strategy.Kind,
		RunID:     &runID,
	}, page.Candidates)
	st.staged = append(st.staged, staged...)
	run.ItemsStaged += len(staged)
	if err != nil {
		st.fail(models.OutcomeUnknownException, fmt.Sprintf("page %d staging: %v", pd.Page, err))
		return false
	}

	t.logf(&run.ID, models.LogLevelInfo, src.Key,
		fmt.Sprintf("Page %d: %d candidate(s), %d staged", pd.Page, len(page.Candidates), len(staged)))
	return true
}

func (t *Tracker) pageFailed(ctx context.Context, st *runState, pd *models.PageDebug, res *fetch.Result) {
	run, src := st.run, st.src
	summary := fmt.Sprintf("page %d: %s", pd.Page, res.Summary())

	switch res.Outcome {
	case models.OutcomeBlocked:
		if t.artifacts != nil && len(res.Body) > 0 {
			loc, err := t.artifacts.PutPage(ctx, src.Key, run.ID, pd.Page, res.Body)
			if err != nil {
				log.Warn().Int64("run_id", run.ID).Err(err).Msg("Failed to upload blocked page")
			} else {
				pd.Artifact = loc
			}
		}
		t.logf(&run.ID, models.LogLevelWarn, src.Key, "Blocked: "+summary)
	case models.OutcomeProxyFailed:
		if id := res.ProxyID; id != 0 && t.proxies != nil {
			if err := t.proxies.RecordFailure(ctx, id, res.Summary()); err != nil {
				log.Warn().Int64("proxy_id", id).Err(err).Msg("Failed to record proxy failure")
			}
		}
		t.logf(&run.ID, models.LogLevelWarn, src.Key, "Proxy failed: "+summary)
	default:
		t.logf(&run.ID, models.LogLevelError, src.Key, "Fetch failed: "+summary)
	}
	st.fail(res.Outcome, summary)
}

// reconcile runs the gate over everything staged, including rows staged
// before a later page stopped the run.
func (t *Tracker) reconcile(ctx context.Context, st *runState) {
	if len(st.staged) == 0 {
		return
	}
	res, err := t.staging.Reconcile(ctx, st.src.MergeRules, st.staged)
	if res != nil {
		st.run.ItemsMerged = res.Merged
	}
	if err != nil {
		log.Error().Int64("run_id", st.run.ID).Err(err).Msg("Reconcile failed")
		if !st.failed() {
			st.fail(models.OutcomeUnknownException, fmt.Sprintf("reconcile: %v", err))
		}
		return
	}
	t.logf(&st.run.ID, models.LogLevelInfo, st.src.Key,
		fmt.Sprintf("Reconciled %d row(s): %d merged, %d to review", len(st.staged), res.Merged, res.Review))
}

func (t *Tracker) finish(ctx context.Context, st *runState) {
	ctx = context.WithoutCancel(ctx)
	run := st.run
	if run.Status == models.RunStatusRunning {
		run.Status = models.RunStatusSucceeded
	}
	finishedAt := t.now()
	run.FinishedAt = &finishedAt

	ok, err := t.store.FinishRun(ctx, run)
	if err != nil {
		log.Error().Int64("run_id", run.ID).Err(err).Msg("Failed to finalize run")
	} else if !ok {
		log.Warn().Int64("run_id", run.ID).Msg("Run was already terminal, result discarded")
		return
	}
	telemetry.RunsFinished.WithLabelValues(string(run.Status)).Inc()

	sourceKey := run.SourceKey
	level := models.LogLevelInfo
	msg := fmt.Sprintf("Finished %s: %d page(s), %d found, %d staged, %d merged, %d item error(s)",
		run.Status, run.PagesDone, run.ItemsFound, run.ItemsStaged, run.ItemsMerged, run.ItemErrors)
	if run.ErrorSummary != nil {
		level = models.LogLevelWarn
		msg += ": " + *run.ErrorSummary
	}
	t.logf(&run.ID, level, sourceKey, msg)
	log.Info().Int64("run_id", run.ID).Str("source", sourceKey).Str("status", string(run.Status)).
		Int("pages", run.PagesDone).Int("staged", run.ItemsStaged).Int("merged", run.ItemsMerged).Msg("Run finished")

	if t.onFinish == nil {
		return
	}
	src := st.src
	if src == nil {
		log.Warn().Int64("run_id", run.ID).Int64("source_id", run.SourceID).Msg("Run finished without its source loaded, scheduler reloads it by id")
		src = &models.Source{ID: run.SourceID, Key: run.SourceKey}
	}
	t.onFinish(ctx, src, run)
}
