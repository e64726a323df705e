package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"harvestd/models"
	"harvestd/queue"
	"harvestd/storage"
	"harvestd/telemetry"
	"harvestd/tracking"
)

const (
	DefaultScanCron      = "@every 1m"
	DefaultDispatchLease = time.Hour
	DefaultScanLimit     = 100
	commandPollInterval  = 2 * time.Second
	logRetention         = 30 * 24 * time.Hour
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// SourceStore is the persistence the scheduler needs.
type SourceStore interface {
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	GetSourceByKey(ctx context.Context, key string) (*models.Source, error)
	ClaimDueSources(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Source, error)
	SaveSourceState(ctx context.Context, src *models.Source) error
	CreateRun(ctx context.Context, run *models.Run) (int64, error)
}

// ProxyAdmin applies manual proxy overrides.
type ProxyAdmin interface {
	Ban(ctx context.Context, id int64, d time.Duration) error
	Unban(ctx context.Context, id int64) error
}

type Config struct {
	SourceCron    string
	TrackingCron  string
	TrackingBatch int
	DispatchLease time.Duration
}

type Scheduler struct {
	cfg      Config
	store    SourceStore
	tasks    queue.Queue
	tracking *tracking.Queue
	ops      *storage.SQLiteStore
	proxies  ProxyAdmin
	checker  Triggerable
	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
	paused   atomic.Bool
	now      func() time.Time
}

func New(cfg Config, store SourceStore, tasks queue.Queue, tq *tracking.Queue) *Scheduler {
	if cfg.SourceCron == "" {
		cfg.SourceCron = DefaultScanCron
	}
	if cfg.TrackingCron == "" {
		cfg.TrackingCron = DefaultScanCron
	}
	if cfg.TrackingBatch <= 0 {
		cfg.TrackingBatch = tracking.DefaultBatchSize
	}
	if cfg.DispatchLease <= 0 {
		cfg.DispatchLease = DefaultDispatchLease
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		tasks:    tasks,
		tracking: tq,
		cron:     cron.New(),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetOps enables the SQLite command channel.
func (s *Scheduler) SetOps(ops *storage.SQLiteStore) {
	s.ops = ops
}

// SetProxyControls registers the proxy pool and its health-check worker for operator commands.
func (s *Scheduler) SetProxyControls(proxies ProxyAdmin, checker Triggerable) {
	s.proxies = proxies
	s.checker = checker
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.ops != nil {
		go s.pollCommands(ctx)
		if _, err := s.cron.AddFunc("@daily", s.pruneLogs); err != nil {
			return fmt.Errorf("schedule log pruning: %w", err)
		}
	}

	log.Info().Str("sources", s.cfg.SourceCron).Str("tracking", s.cfg.TrackingCron).Msg("Starting scheduler")
	if _, err := s.cron.AddFunc(s.cfg.SourceCron, func() {
		if _, err := s.ScanSources(ctx); err != nil {
			log.Error().Err(err).Msg("Source scan failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid source cron expression: %w", err)
	}
	if s.tracking != nil {
		if _, err := s.cron.AddFunc(s.cfg.TrackingCron, func() {
			if _, err := s.ScanTracking(ctx); err != nil {
				log.Error().Err(err).Msg("Tracking scan failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid tracking cron expression: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) pruneLogs() {
	n, err := s.ops.PruneLogs(s.now().Add(-logRetention))
	if err != nil {
		log.Error().Err(err).Msg("Log pruning failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Pruned run logs")
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

func (s *Scheduler) Pause() {
	s.paused.Store(true)
	log.Info().Msg("Scheduler paused")
}

func (s *Scheduler) Resume() {
	s.paused.Store(false)
	log.Info().Msg("Scheduler resumed")
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// ScanSources claims every due source and dispatches one run for each.
func (s *Scheduler) ScanSources(ctx context.Context) (int, error) {
	if s.Paused() {
		return 0, nil
	}
	due, err := s.store.ClaimDueSources(ctx, s.now(), s.cfg.DispatchLease, DefaultScanLimit)
	if err != nil {
		return 0, fmt.Errorf("claim due sources: %w", err)
	}
	dispatched := 0
	for _, src := range due {
		if _, err := s.dispatch(ctx, src); err != nil {
			log.Error().Str("source", src.Key).Err(err).Msg("Failed to dispatch source")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// ScanTracking claims a bounded batch of due tracking rows and dispatches them.
func (s *Scheduler) ScanTracking(ctx context.Context) (int, error) {
	if s.Paused() || s.tracking == nil {
		return 0, nil
	}
	return s.tracking.ClaimDue(ctx, s.cfg.TrackingBatch)
}

func (s *Scheduler) dispatch(ctx context.Context, src *models.Source) (int64, error) {
	run := &models.Run{
		SourceID:     src.ID,
		SourceKey:    src.Key,
		Status:       models.RunStatusQueued,
		PagesPlanned: src.MaxPagesPerRun,
	}
	runID, err := s.store.CreateRun(ctx, run)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	if _, err := s.tasks.Enqueue(ctx, queue.NewSourceRun(runID, src.ID)); err != nil {
		return runID, fmt.Errorf("enqueue run %d: %w", runID, err)
	}
	telemetry.SourcesDispatched.Inc()
	log.Info().Str("source", src.Key).Int64("run_id", runID).Int("pages", run.PagesPlanned).Msg("Run dispatched")
	return runID, nil
}

// RunFinished applies the outcome policy to the run's source. It is the
// run tracker's finish hook.
func (s *Scheduler) RunFinished(ctx context.Context, src *models.Source, run *models.Run) {
	fresh, err := s.store.GetSource(ctx, src.ID)
	if err != nil || fresh == nil {
		log.Error().Str("source", src.Key).Err(err).Msg("Failed to reload source after run")
		return
	}
	summary := ""
	if run.ErrorSummary != nil {
		summary = *run.ErrorSummary
	}
	disabled := ApplyOutcome(fresh, run.Status, summary, s.now())
	if err := s.store.SaveSourceState(ctx, fresh); err != nil {
		log.Error().Str("source", src.Key).Err(err).Msg("Failed to save source state")
		return
	}
	if disabled {
		telemetry.SourcesDisabled.Inc()
		log.Warn().Str("source", src.Key).Str("reason", *fresh.DisabledReason).Msg("Source disabled")
	}
}

// RunSource dispatches a run now, outside the schedule.
func (s *Scheduler) RunSource(ctx context.Context, key string) (int64, error) {
	src, err := s.store.GetSourceByKey(ctx, key)
	if err != nil {
		return 0, err
	}
	if src == nil {
		return 0, fmt.Errorf("source %s: %w", key, models.ErrNotFound)
	}
	return s.dispatch(ctx, src)
}

func (s *Scheduler) RetryTracking(ctx context.Context, id int64, resetAttempts bool) error {
	if s.tracking == nil {
		return errors.New("tracking queue not configured")
	}
	return s.tracking.Retry(ctx, id, resetAttempts)
}

func (s *Scheduler) BanProxy(ctx context.Context, id int64, d time.Duration) error {
	if s.proxies == nil {
		return errors.New("proxy pool not configured")
	}
	return s.proxies.Ban(ctx, id, d)
}

func (s *Scheduler) UnbanProxy(ctx context.Context, id int64) error {
	if s.proxies == nil {
		return errors.New("proxy pool not configured")
	}
	return s.proxies.Unban(ctx, id)
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands handles every pending operator command once.
func (s *Scheduler) ProcessCommands(ctx context.Context) {
	cmds, err := s.ops.GetPendingCommands()
	if err != nil {
		log.Error().Err(err).Msg("Error getting commands")
		return
	}

	for _, cmd := range cmds {
		log.Info().Str("command", string(cmd.Command)).Int64("id", cmd.ID).Msg("Processing command")
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Error().Str("command", string(cmd.Command)).Err(err).Msg("Command error")
		}
		if err := s.ops.MarkCommandProcessed(cmd.ID); err != nil {
			log.Error().Int64("id", cmd.ID).Err(err).Msg("Error marking command processed")
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := s.ops.ParseCommandParams(cmd)
	if err != nil {
		return fmt.Errorf("bad params: %w", err)
	}

	switch cmd.Command {
	case models.CmdRunSource:
		_, err := s.RunSource(ctx, params.SourceKey)
		return err
	case models.CmdRetryTracking:
		return s.RetryTracking(ctx, params.TrackingID, params.ResetAttempts)
	case models.CmdBanProxy:
		return s.BanProxy(ctx, params.ProxyID, time.Duration(params.BanMinutes)*time.Minute)
	case models.CmdUnbanProxy:
		return s.UnbanProxy(ctx, params.ProxyID)
	case models.CmdCheckProxies:
		if s.checker == nil {
			return errors.New("proxy health worker not running")
		}
		s.checker.Trigger()
		return nil
	case models.CmdPause:
		s.Pause()
		return nil
	case models.CmdResume:
		s.Resume()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

var _ telemetry.Operator = (*Scheduler)(nil)
