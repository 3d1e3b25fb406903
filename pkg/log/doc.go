/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Architecture

	+---------------------- LOGGING SYSTEM ----------------------+
	|                                                             |
	|  +-----------------------------------------------+         |
	|  |            Global Logger                      |         |
	|  |  - Zerolog instance                           |         |
	|  |  - Initialized via log.Init()                 |         |
	|  |  - Thread-safe for concurrent use             |         |
	|  +----------------------+------------------------+         |
	|                         |                                   |
	|  +----------------------v------------------------+         |
	|  |           Configuration                       |         |
	|  |  - Level: debug/info/warn/error               |         |
	|  |  - Format: JSON or console (human)            |         |
	|  |  - Output: stdout, file, or custom writer     |         |
	|  +----------------------+------------------------+         |
	|                         |                                   |
	|  +----------------------v------------------------+         |
	|  |         Context Loggers                       |         |
	|  |  - WithComponent("sweeper")                   |         |
	|  |  - WithNodeID("render-03")                    |         |
	|  |  - WithTaskID(42)                             |         |
	|  |  - WithCorrelationID("9f0c-...")              |         |
	|  +----------------------+------------------------+         |
	|                         |                                   |
	|  +----------------------v------------------------+         |
	|  |            Log Output                         |         |
	|  |                                               |         |
	|  |  JSON:                                        |         |
	|  |  {"level":"info","component":"locks",         |         |
	|  |   "time":"2025-06-01T10:30:00Z",              |         |
	|  |   "message":"lock acquired"}                  |         |
	|  |                                               |         |
	|  |  Console:                                     |         |
	|  |  10:30AM INF lock acquired component=locks    |         |
	|  +-----------------------------------------------+         |
	+-------------------------------------------------------------+

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() at process start
  - Accessible from all Drover packages
  - Thread-safe concurrent writes

Context Loggers:
  - WithComponent: tags every line with the owning subsystem
    (registry, locks, tasks, progress, events, sweeper, api, storage)
  - WithNodeID: node identity for registry and lock activity
  - WithTaskID: task identity for lifecycle and roll-up activity
  - WithCorrelationID: request correlation for API error forensics;
    5xx responses carry only this id, the detail lives in the log

# Log Levels

  - Debug: per-request and per-transition detail for troubleshooting
  - Info: lifecycle milestones (node registered, task completed,
    lock stolen, sweeper pass summary)
  - Warn: recoverable anomalies (subscriber dropped, heartbeat lost)
  - Error: failed operations needing investigation
  - Fatal: unrecoverable startup errors; exits the process

# Usage

Initializing the logger:

	import "github.com/drovergrid/drover/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("sweeper")
	logger.Info().
		Int("reaped", reaped).
		Dur("took", elapsed).
		Msg("expired lock sweep complete")

Request correlation:

	logger := log.WithCorrelationID(correlationID)
	logger.Error().Err(err).Msg("task update failed")
*/
package log
