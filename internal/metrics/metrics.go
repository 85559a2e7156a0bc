package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send pipeline metrics
	SendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_sends_total",
			Help: "Total optimistic sends started",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_send_failures_total",
			Help: "Total send failures by class",
		},
		[]string{"class"}, // "transport", "permission", "validation", "chat_gone"
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_retries_total",
			Help: "Total manual retries of failed sends",
		},
	)

	// Reconciliation metrics
	SnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_snapshots_total",
			Help: "Total remote snapshots reconciled",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgsync_reconcile_duration_seconds",
			Help:    "Ledger merge duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PlaceholdersSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_placeholders_superseded_total",
			Help: "Total placeholders replaced by confirmed records",
		},
	)

	// Offline queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_queue_depth",
			Help: "Current offline queue depth",
		},
	)

	QueueEnqueues = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_queue_enqueues_total",
			Help: "Total sends parked in the offline queue",
		},
	)

	QueueDrains = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_queue_drains_total",
			Help: "Total non-empty queue drains",
		},
	)

	QueueResends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_queue_resends_total",
			Help: "Total queued sends delivered by a drain",
		},
	)

	// Infrastructure metrics
	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_cache_write_failures_total",
			Help: "Total best-effort cache writes that failed",
		},
	)
)
