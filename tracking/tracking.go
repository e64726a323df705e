package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"harvestd/fetch"
	"harvestd/identity"
	"harvestd/models"
	"harvestd/parser"
	"harvestd/queue"
	"harvestd/scraper"
	"harvestd/services"
	"harvestd/telemetry"
)

const DefaultBatchSize = 50

// Store is the persistence the tracking queue needs.
type Store interface {
	CreateTracking(ctx context.Context, targetURL, sourceKey string, now time.Time) (*models.AuctionTracking, error)
	GetTracking(ctx context.Context, id int64) (*models.AuctionTracking, error)
	ClaimDueTracking(ctx context.Context, now time.Time, limit int) ([]*models.AuctionTracking, error)
	ResetTracking(ctx context.Context, id int64, resetAttempts bool, now time.Time) error
	ClaimTracking(ctx context.Context, id int64, now time.Time) (*models.AuctionTracking, error)
	FinishTracking(ctx context.Context, t *models.AuctionTracking, token string) (bool, error)
	GetSourceByKey(ctx context.Context, key string) (*models.Source, error)
}

// Queue schedules one persistent check per target URL with its own backoff.
type Queue struct {
	store    Store
	tasks    queue.Queue
	proxies  scraper.ProxyPool
	staging  *services.StagingService
	fetcher  fetch.Fetcher
	renderer fetch.Fetcher
	logf     scraper.LogFunc
	now      func() time.Time
}

type Option func(*Queue)

func WithLogger(fn scraper.LogFunc) Option {
	return func(q *Queue) { q.logf = fn }
}

// WithRenderer sets the fetcher used for rows whose source renders pages.
func WithRenderer(f fetch.Fetcher) Option {
	return func(q *Queue) { q.renderer = f }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store Store, tasks queue.Queue, proxies scraper.ProxyPool, staging *services.StagingService, fetcher fetch.Fetcher, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		tasks:   tasks,
		proxies: proxies,
		staging: staging,
		fetcher: fetcher,
		logf:    scraper.NoOpLogger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CreateJob registers a target URL. Registering the same URL twice returns
// the existing row.
func (q *Queue) CreateJob(ctx context.Context, targetURL, sourceKey string) (*models.AuctionTracking, error) {
	canonical, err := identity.CanonicalURL(targetURL)
	if err != nil {
		return nil, fmt.Errorf("target url: %w", err)
	}
	if sourceKey == "" {
		return nil, fmt.Errorf("source key is required")
	}
	t, err := q.store.CreateTracking(ctx, canonical, sourceKey, q.now())
	if err != nil {
		return nil, fmt.Errorf("create tracking: %w", err)
	}
	log.Info().Int64("tracking_id", t.ID).Str("url", canonical).Msg("Tracking job registered")
	return t, nil
}

// ClaimDue claims up to limit due rows and dispatches a check for each.
func (q *Queue) ClaimDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	now := q.now()
	claimed, err := q.store.ClaimDueTracking(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("claim due tracking: %w", err)
	}

	dispatched := 0
	for _, t := range claimed {
		if err := q.dispatch(ctx, t); err != nil {
			log.Error().Int64("tracking_id", t.ID).Err(err).Msg("Failed to dispatch tracking check")
			q.release(ctx, t, now)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		log.Info().Int("dispatched", dispatched).Msg("Tracking checks dispatched")
	}
	return dispatched, nil
}

func (q *Queue) dispatch(ctx context.Context, t *models.AuctionTracking) error {
	if t.ClaimToken == nil {
		return fmt.Errorf("tracking %d claimed without a token", t.ID)
	}
	_, err := q.tasks.Enqueue(ctx, queue.NewTrackingCheck(t.ID, *t.ClaimToken))
	return err
}

// release hands a claimed row back to the next scan after a failed dispatch.
func (q *Queue) release(ctx context.Context, t *models.AuctionTracking, now time.Time) {
	if t.ClaimToken == nil {
		return
	}
	t.Status = models.TrackingPending
	t.NextCheckAt = &now
	if _, err := q.store.FinishTracking(ctx, t, *t.ClaimToken); err != nil {
		log.Error().Int64("tracking_id", t.ID).Err(err).Msg("Failed to release tracking row")
	}
}

// Retry resets a row to pending, optionally zeroing attempts, then claims and
// dispatches it at once.
func (q *Queue) Retry(ctx context.Context, id int64, resetAttempts bool) error {
	now := q.now()
	if err := q.store.ResetTracking(ctx, id, resetAttempts, now); err != nil {
		return fmt.Errorf("reset tracking %d: %w", id, err)
	}
	t, err := q.store.ClaimTracking(ctx, id, now)
	if err != nil {
		return fmt.Errorf("claim tracking %d: %w", id, err)
	}
	if t == nil {
		// a due scan got it first and already dispatched it
		return nil
	}
	if err := q.dispatch(ctx, t); err != nil {
		q.release(ctx, t, now)
		return fmt.Errorf("dispatch tracking %d: %w", id, err)
	}
	log.Info().Int64("tracking_id", id).Bool("reset_attempts", resetAttempts).Msg("Tracking retry dispatched")
	return nil
}

// Process runs one check. It does nothing unless the row is still running
// under token, so redelivered tasks are harmless.
func (q *Queue) Process(ctx context.Context, id int64, token string) error {
	t, err := q.store.GetTracking(ctx, id)
	if err != nil {
		return fmt.Errorf("load tracking %d: %w", id, err)
	}
	if t == nil || t.Status != models.TrackingRunning || t.ClaimToken == nil || *t.ClaimToken != token {
		telemetry.TrackingChecks.WithLabelValues("stale").Inc()
		log.Debug().Int64("tracking_id", id).Msg("Stale tracking delivery skipped")
		return nil
	}

	src, err := q.store.GetSourceByKey(ctx, t.SourceKey)
	if err != nil {
		return fmt.Errorf("load source %s: %w", t.SourceKey, err)
	}
	settings := settingsFor(src)

	res := q.check(ctx, t, settings)
	stats, checkErr := res.stats, res.err
	now := q.now()
	t.Stats = stats
	t.LastCheckedAt = &now
	t.LastHTTP = res.status
	if checkErr == nil {
		t.Status = models.TrackingDone
		t.NextCheckAt = nil
		t.LastError = nil
		telemetry.TrackingChecks.WithLabelValues("done").Inc()
	} else {
		t.Attempts++
		next := now.Add(models.TrackingBackoff(t.Attempts))
		msg := checkErr.Error()
		t.Status = models.TrackingFailed
		t.NextCheckAt = &next
		t.LastError = &msg
		telemetry.TrackingChecks.WithLabelValues("failed").Inc()
	}

	ok, err := q.store.FinishTracking(context.WithoutCancel(ctx), t, token)
	if err != nil {
		return fmt.Errorf("finish tracking %d: %w", id, err)
	}
	if !ok {
		log.Warn().Int64("tracking_id", id).Msg("Tracking claim lost before finish")
		return nil
	}

	ev := log.Info()
	if checkErr != nil {
		ev = log.Warn().Err(checkErr).Int("attempts", t.Attempts).Time("next_check_at", *t.NextCheckAt)
	}
	ev.Int64("tracking_id", id).Str("status", string(t.Status)).Int("staged", stats.ItemsStaged).Msg("Tracking check finished")
	return nil
}

type settings struct {
	sourceKey string
	strategy  models.ExtractionConfig
	rules     models.MergeRules
	mode      models.ProxyMode
	timeout   time.Duration
	render    bool
}

// settingsFor falls back to the auction extractor and manual review when the
// row's source is not configured.
func settingsFor(src *models.Source) settings {
	if src == nil {
		return settings{
			strategy: models.ExtractionConfig{Kind: models.StrategyAuctionResults},
			mode:     models.ProxyModePrefer,
			timeout:  fetch.DefaultTimeout,
		}
	}
	return settings{
		sourceKey: src.Key,
		strategy:  src.Strategy,
		rules:     src.MergeRules,
		mode:      src.ProxyMode,
		timeout:   src.Timeout(),
		render:    src.Render,
	}
}

type checkResult struct {
	stats  models.TrackingStats
	status *int
	err    error
}

// check fetches, parses, stages and reconciles one target URL.
func (q *Queue) check(ctx context.Context, t *models.AuctionTracking, cfg settings) checkResult {
	var out checkResult
	stats := &out.stats
	choice := scraper.ChooseProxy(ctx, q.proxies, cfg.mode)
	if choice.Missing {
		stats.Outcome = models.OutcomeProxyFailed
		out.err = fmt.Errorf("%s: %s", models.OutcomeProxyFailed, choice.Note)
		return out
	}

	fetcher := q.fetcher
	if cfg.render {
		if q.renderer == nil {
			stats.Outcome = models.OutcomeUnknownException
			out.err = fmt.Errorf("%s: source %s requires rendering but no render fetcher is configured", models.OutcomeUnknownException, cfg.sourceKey)
			return out
		}
		fetcher = q.renderer
	}

	res := fetcher.Fetch(ctx, fetch.Request{
		URL:     t.TargetURL,
		Proxy:   choice.URL,
		ProxyID: choice.ID(),
		Timeout: cfg.timeout,
	})
	stats.Outcome = res.Outcome
	if res.StatusCode != 0 {
		code := res.StatusCode
		out.status = &code
	}

	if res.Outcome != models.OutcomeOK {
		if res.Outcome == models.OutcomeProxyFailed && res.ProxyID != 0 {
			if err := q.proxies.RecordFailure(ctx, res.ProxyID, res.Summary()); err != nil {
				log.Warn().Int64("proxy_id", res.ProxyID).Err(err).Msg("Failed to record proxy failure")
			}
		}
		q.logf(nil, models.LogLevelWarn, t.SourceKey, fmt.Sprintf("Tracking %d: %s", t.ID, res.Summary()))
		out.err = errors.New(res.Summary())
		return out
	}
	if id := choice.ID(); id != 0 {
		if err := q.proxies.RecordSuccess(ctx, id); err != nil {
			log.Warn().Int64("proxy_id", id).Err(err).Msg("Failed to record proxy success")
		}
	}

	page, err := parser.Parse(cfg.strategy, res.FinalURL, res.Body)
	if err != nil {
		stats.Outcome = models.OutcomeParseError
		out.err = fmt.Errorf("%s: %w", models.OutcomeParseError, err)
		return out
	}
	stats.ItemsFound = len(page.Candidates)
	stats.ItemErrors = page.ItemErrors
	telemetry.ItemErrors.Add(float64(page.ItemErrors))

	trackingID := t.ID
	staged, err := q.staging.Stage(ctx, services.Origin{
		SourceKey:  t.SourceKey,
		Strategy:   cfg.strategy.Kind,
		TrackingID: &trackingID,
	}, page.Candidates)
	stats.ItemsStaged = len(staged)
	if err != nil {
		stats.Outcome = models.OutcomeUnknownException
		out.err = fmt.Errorf("%s: staging: %w", models.OutcomeUnknownException, err)
		return out
	}
	if len(staged) > 0 {
		rec, err := q.staging.Reconcile(ctx, cfg.rules, staged)
		if rec != nil {
			stats.ItemsMerged = rec.Merged
		}
		if err != nil {
			stats.Outcome = models.OutcomeUnknownException
			out.err = fmt.Errorf("%s: reconcile: %w", models.OutcomeUnknownException, err)
			return out
		}
	}
	q.logf(nil, models.LogLevelInfo, t.SourceKey,
		fmt.Sprintf("Tracking %d: %d found, %d staged, %d merged", t.ID, stats.ItemsFound, stats.ItemsStaged, stats.ItemsMerged))
	return out
}
