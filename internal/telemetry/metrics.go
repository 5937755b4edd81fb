package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_jobs_created_total", Help: "Generation jobs created"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_jobs_completed_total", Help: "Jobs that merged successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_jobs_cancelled_total", Help: "Jobs cancelled by callers"})
	RowsAccepted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_rows_accepted_total", Help: "Rows accepted into chunks"})
	RowsDuplicate    = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_rows_duplicate_total", Help: "Candidate rows rejected by the fingerprint ledger"})
	ChunkRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_chunk_retries_total", Help: "Chunk generation attempts retried after transient failures"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "datagen_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	ActiveJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "datagen_active_jobs", Help: "Jobs currently leased by workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "datagen_queue_depth", Help: "Job runs waiting in the ready queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			RowsAccepted,
			RowsDuplicate,
			ChunkRetries,
			RateLimitRejects,
			ActiveJobsGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
