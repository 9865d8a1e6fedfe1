package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity store metrics
	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_entities_total",
			Help: "Total number of live entities by type",
		},
		[]string{"type"},
	)

	CurrentRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_current_revision",
			Help: "The resource's current monotonic revision counter",
		},
	)

	// Pipeline metrics
	PipelineCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_pipeline_commands_total",
			Help: "Total number of pipeline commands applied, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PipelineApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_pipeline_apply_duration_seconds",
			Help:    "Time taken to commit one pipeline batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_pipeline_batch_size",
			Help:    "Number of commands committed per pipeline batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// Query engine metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_queries_total",
			Help: "Total number of queries executed, by type and live/one-shot",
		},
		[]string{"type", "live"},
	)

	QueryExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_query_execute_duration_seconds",
			Help:    "Time taken to execute a query's seed/filter/sort/reduce pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_active_subscriptions",
			Help: "Number of live query subscriptions currently open",
		},
	)

	// Synchronizer metrics
	ReplayQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_replay_queue_depth",
			Help: "Number of revisions pending replay to the source",
		},
	)

	ReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_replayed_total",
			Help: "Total number of revisions replayed to the source, by outcome",
		},
		[]string{"outcome"},
	)

	DeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_dead_lettered_total",
			Help: "Total number of revisions moved to the dead letter queue",
		},
	)

	SynchronizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_synchronize_duration_seconds",
			Help:    "Time taken for one synchronize-with-source cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Listener metrics
	ListenerConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_listener_connections",
			Help: "Number of currently connected listener clients",
		},
	)

	ListenerCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_listener_commands_total",
			Help: "Total number of listener commands handled, by command and success",
		},
		[]string{"command", "success"},
	)

	NotificationsPushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_notifications_pushed_total",
			Help: "Total number of notifications pushed to connected listener clients",
		},
	)
)

func init() {
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(CurrentRevision)
	prometheus.MustRegister(PipelineCommandsTotal)
	prometheus.MustRegister(PipelineApplyDuration)
	prometheus.MustRegister(PipelineBatchSize)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryExecuteDuration)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(ReplayQueueDepth)
	prometheus.MustRegister(ReplayedTotal)
	prometheus.MustRegister(DeadLetteredTotal)
	prometheus.MustRegister(SynchronizeDuration)
	prometheus.MustRegister(ListenerConnections)
	prometheus.MustRegister(ListenerCommandsTotal)
	prometheus.MustRegister(NotificationsPushedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
