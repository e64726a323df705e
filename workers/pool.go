package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"harvestd/models"
	"harvestd/queue"
	"harvestd/telemetry"
)

const (
	DefaultConcurrency = 4
	defaultPoll        = 500 * time.Millisecond
	reclaimInterval    = 30 * time.Second
)

// RunExecutor executes a queued source run.
type RunExecutor interface {
	Execute(ctx context.Context, runID int64) (*models.Run, error)
}

// TrackingProcessor processes one claimed tracking row.
type TrackingProcessor interface {
	Process(ctx context.Context, id int64, token string) error
}

// Pool pulls tasks off the queue and dispatches them by kind. Items are
// handled concurrently with no ordering guarantee.
type Pool struct {
	tasks       queue.Queue
	runs        RunExecutor
	checks      TrackingProcessor
	concurrency int
	poll        time.Duration
}

func NewPool(tasks queue.Queue, runs RunExecutor, checks TrackingProcessor, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		tasks:       tasks,
		runs:        runs,
		checks:      checks,
		concurrency: concurrency,
		poll:        defaultPoll,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	if r, ok := p.tasks.(queue.Reclaimer); ok {
		g.Go(func() error {
			p.reclaim(ctx, r)
			return nil
		})
	}
	log.Info().Int("workers", p.concurrency).Msg("Worker pool started")
	err := g.Wait()
	log.Info().Msg("Worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.tasks.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Int("worker", worker).Err(err).Msg("Dequeue failed")
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		p.Handle(ctx, task)
	}
}

// Handle executes one task and acknowledges it unless it should be redelivered.
func (p *Pool) Handle(ctx context.Context, task *queue.Task) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := p.dispatch(ctx, task)
	result := "ok"
	if err != nil {
		result = "error"
		log.Error().Str("task_id", task.ID).Str("kind", string(task.Kind)).Err(err).Msg("Task failed")
	}
	telemetry.TasksProcessed.WithLabelValues(string(task.Kind), result).Inc()

	if err != nil && !permanent(err) {
		// left un-acked so the lease expires and the task is redelivered
		return
	}
	if err := p.tasks.Ack(ctx, queue.Handle(task.ID)); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("Ack failed")
	}
}

func (p *Pool) dispatch(ctx context.Context, task *queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", queue.ErrInvalidTask, r)
		}
	}()
	if err := task.Validate(); err != nil {
		return err
	}
	switch task.Kind {
	case queue.KindSourceRun:
		_, err := p.runs.Execute(ctx, task.SourceRun.RunID)
		return err
	case queue.KindTrackingCheck:
		return p.checks.Process(ctx, task.TrackingCheck.TrackingID, task.TrackingCheck.ClaimToken)
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, queue.ErrInvalidTask)
}

func (p *Pool) reclaim(ctx context.Context, r queue.Reclaimer) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := r.RequeueExpired(ctx, time.Now(), 100)
			if err != nil {
				log.Error().Err(err).Msg("Requeue of expired tasks failed")
				continue
			}
			if len(ids) > 0 {
				log.Warn().Int("count", len(ids)).Msg("Expired task leases requeued")
			}
		}
	}
}
