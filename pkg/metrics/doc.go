/*
Package metrics provides Prometheus metrics collection and exposition
for Drover.

All metric families are package-level variables registered with the
default registry at init. The API server mounts Handler() at /metrics
for scraping.

# Metric Categories

Fleet gauges (sampled by the Collector):
  - drover_nodes_total{available}: registered nodes by availability
  - drover_tasks_total{status}: batch tasks by status
  - drover_locks_held: file locks currently held
  - drover_folder_rows_total{status}: folder progress rows by status

API:
  - drover_api_requests_total{method,path,status}
  - drover_api_request_duration_seconds{method,path}

Event bus:
  - drover_events_published_total{type}
  - drover_events_dropped_total
  - drover_event_subscribers_dropped_total

Sweeper:
  - drover_sweeper_runs_total
  - drover_sweeper_nodes_marked_down_total
  - drover_sweeper_locks_reaped_total
  - drover_sweep_duration_seconds

# Collector

The Collector samples entity counts from the store on a fixed interval
(15s by default) and writes them into the fleet gauges. It enumerates
every known status label each cycle so emptied series read zero rather
than holding their last value.

# Timing Operations

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)
*/
package metrics
