// Package telemetry provides Prometheus metrics and OpenTelemetry tracing setup.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Ingest
	EventsPublished    prometheus.Counter
	FramesDropped      prometheus.Counter
	BridgeReconnects   prometheus.Counter
	BridgeDisconnects  prometheus.Counter

	// Processor
	CommentsAccepted prometheus.Counter
	CommentsDeduped  prometheus.Counter
	CommentsFlushed  prometheus.Counter
	FlushBatchSize   prometheus.Observer
	SnapshotsWritten prometheus.Counter
	ViewerPersists   prometheus.Counter

	// Jobs
	JobsSucceeded prometheus.Counter
	JobsCancelled prometheus.Counter
	JobsSnoozed   prometheus.Counter
	JobsFailed    prometheus.Counter
	JobDuration   prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
	QueueDepthGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_events_published_total", Help: "Normalized bridge events published to the bus"})
		FramesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_frames_dropped_total", Help: "Malformed bridge frames dropped"})
		BridgeReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_bridge_reconnects_total", Help: "Bridge stream reconnect attempts"})
		BridgeDisconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_bridge_disconnects_total", Help: "Bridge stream disconnections observed"})
		CommentsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_comments_accepted_total", Help: "Comments accepted after dedup"})
		CommentsDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_comments_deduped_total", Help: "Comments dropped as duplicates"})
		CommentsFlushed = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_comments_flushed_total", Help: "Comments written to storage"})
		FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "capture_comment_flush_batch_size", Help: "Comment flush batch sizes", Buckets: []float64{1, 5, 10, 25, 50, 100}})
		SnapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_stats_snapshots_total", Help: "Stats snapshots written"})
		ViewerPersists = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_viewer_persists_total", Help: "Throttled viewer-count writes"})
		JobsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_jobs_succeeded_total", Help: "Jobs that completed successfully"})
		JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_jobs_cancelled_total", Help: "Jobs cancelled by their handler"})
		JobsSnoozed = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_jobs_snoozed_total", Help: "Jobs requeued via snooze"})
		JobsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_jobs_failed_total", Help: "Job executions that errored"})
		JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "capture_job_duration_seconds", Help: "Job execution duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "capture_active_sessions", Help: "Sessions currently capturing"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "capture_job_queue_depth", Help: "Queued jobs"})
	})
}

// SetActiveSessions records the number of sessions currently capturing.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetQueueDepth records the number of queued jobs.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
