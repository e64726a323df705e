package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ProxyChecker checks every enabled proxy's egress.
type ProxyChecker interface {
	CheckAll(ctx context.Context) (ok, failed int, err error)
}

// ProxyHealthWorker runs egress checks on an interval and on demand.
type ProxyHealthWorker struct {
	checker   ProxyChecker
	interval  time.Duration
	triggerCh chan struct{}
}

func NewProxyHealthWorker(checker ProxyChecker, interval time.Duration) *ProxyHealthWorker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ProxyHealthWorker{
		checker:   checker,
		interval:  interval,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the worker to run immediately
func (w *ProxyHealthWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *ProxyHealthWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Proxy health worker stopping")
			return
		case <-ticker.C:
			w.checkAll(ctx)
		case <-w.triggerCh:
			log.Info().Msg("Proxy health worker triggered manually")
			w.checkAll(ctx)
		}
	}
}

func (w *ProxyHealthWorker) checkAll(ctx context.Context) {
	ok, failed, err := w.checker.CheckAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Proxy health check failed")
		return
	}
	if ok+failed > 0 {
		log.Info().Int("ok", ok).Int("failed", failed).Msg("Proxy health check complete")
	}
}
