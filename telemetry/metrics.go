package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_runs_finished_total", Help: "Runs reaching a terminal status"}, []string{"status"})
	PagesFetched      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_pages_fetched_total", Help: "Page fetches by outcome"}, []string{"outcome"})
	FetchDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "harvest_fetch_duration_seconds", Help: "Page fetch latency", Buckets: prometheus.DefBuckets}, []string{"outcome"})
	FetchCacheHits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_fetch_cache_hits_total", Help: "Fetches served from the run cache"})
	ItemsStaged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_items_staged_total", Help: "Candidates upserted into staging"})
	ItemsMerged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_items_merged_total", Help: "Staged rows promoted by the gate"})
	ItemErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_item_errors_total", Help: "Items dropped by the parser"})
	ProxyEvents       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_proxy_events_total", Help: "Proxy health transitions"}, []string{"event"})
	ProxyChecks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_proxy_checks_total", Help: "Proxy egress checks by status"}, []string{"status"})
	SourcesDispatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_sources_dispatched_total", Help: "Source runs enqueued by the scheduler"})
	SourcesDisabled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_sources_disabled_total", Help: "Sources disabled after repeated failures"})
	TrackingChecks    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_tracking_checks_total", Help: "Tracking checks by result"}, []string{"result"})
	TasksProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "harvest_tasks_processed_total", Help: "Queue tasks handled by workers"}, []string{"kind", "result"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "harvest_tasks_inflight", Help: "Tasks currently being handled"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsFinished,
			PagesFetched,
			FetchDuration,
			FetchCacheHits,
			ItemsStaged,
			ItemsMerged,
			ItemErrors,
			ProxyEvents,
			ProxyChecks,
			SourcesDispatched,
			SourcesDisabled,
			TrackingChecks,
			TasksProcessed,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
