package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_nodes_total",
			Help: "Total number of registered nodes by availability",
		},
		[]string{"available"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_tasks_total",
			Help: "Total number of batch tasks by status",
		},
		[]string{"status"},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_locks_held",
			Help: "Number of file locks currently held",
		},
	)

	FolderRowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_folder_rows_total",
			Help: "Total number of folder progress rows by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_events_dropped_total",
			Help: "Total number of events dropped because the central buffer was full",
		},
	)

	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_event_subscribers_dropped_total",
			Help: "Total number of subscribers disconnected for lagging",
		},
	)

	// Sweeper metrics
	SweeperRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sweeper_runs_total",
			Help: "Total number of liveness sweep cycles",
		},
	)

	SweeperNodesMarkedDown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sweeper_nodes_marked_down_total",
			Help: "Total number of nodes marked unavailable for missing heartbeats",
		},
	)

	SweeperLocksReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sweeper_locks_reaped_total",
			Help: "Total number of expired file locks deleted by the sweeper",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_sweep_duration_seconds",
			Help:    "Time taken by one liveness sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(FolderRowsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SubscribersDropped)
	prometheus.MustRegister(SweeperRunsTotal)
	prometheus.MustRegister(SweeperNodesMarkedDown)
	prometheus.MustRegister(SweeperLocksReaped)
	prometheus.MustRegister(SweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
