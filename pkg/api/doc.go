/*
Package api implements Drover's HTTP and websocket surface with Gin.

The api package is the only transport layer of the coordinator. It
authenticates callers, translates request bodies and query strings into
component calls, maps error kinds to HTTP statuses exactly once, and
streams broker events over websocket connections.

# Architecture

	+--------------------- CLIENT (worker/admin) ---------------------+
	|                                                                  |
	|   HTTP + JSON, Authorization: Bearer <jwt>                       |
	|   websocket /events for live updates                             |
	+--------------------------------+---------------------------------+
	                                 |
	+--------------------------------v---------------------------------+
	|                        API SERVER (pkg/api)                       |
	|                                                                   |
	|   Recovery -> correlation id -> request log -> metrics            |
	|            -> per-route timeout -> JWT auth                       |
	|                                                                   |
	|   +----------+  +---------+  +---------+  +-----------+           |
	|   | registry |  |  tasks  |  |  locks  |  | progress  |           |
	|   +----------+  +---------+  +---------+  +-----------+           |
	|                                                                   |
	|   events.Broker --> websocket subscribers                         |
	+-------------------------------------------------------------------+

# Routes

Public:

  - POST /api/auth/register: register a node, returns a token
  - POST /api/auth/login: re-authenticate with the hardware fingerprint
  - GET  /api/health: liveness probe backed by a store ping
  - GET  /metrics: Prometheus exposition

Authenticated (bearer token):

  - POST /api/nodes/heartbeat, GET /api/nodes
  - GET/POST /api/tasks, GET/PUT/DELETE /api/tasks/:id
  - POST /api/tasks/:id/assign, POST /api/tasks/:id/checkcomplete
  - GET/POST /api/tasks/:id/folders, PUT /api/folders/:id
  - POST /api/filelocks/acquire, POST /api/filelocks/release
  - GET /api/filelocks, POST /api/filelocks/reset (admin only)
  - GET /events: websocket event stream

# Authorization

Tokens carry a node id and a role. Node tokens may only act for their
own node id on heartbeat, lock acquire, and lock release; admin tokens
may act for any node and are required for destructive operations such
as the lock reset. The actor check runs before any lookup so a foreign
caller cannot probe what exists.

# Error Mapping

writeError is the single translation point from error kinds to
statuses:

  - ValidationError: 400 with a field -> message map
  - ErrInvalidArgument, ErrInvalidTransition: 400
  - ErrUnauthorized: 401
  - ErrForbidden, ErrNotOwner: 403
  - ErrNotFound: 404
  - ErrConflict, ErrConcurrency: 409
  - ErrTimeout: 504
  - anything else: 500, logged with the correlation id

# Event Stream

GET /events upgrades to a websocket. Clients filter with
?types=JobChanged,LockChanged and size their queue with ?buffer=n.
The server pings every 30 seconds and drops peers that stay silent
past 60. A subscriber that cannot drain its queue is disconnected
with a policy-violation close frame so it knows events were lost and
can resynchronize by querying current state.

# Usage

	srv := api.New(api.Config{
		ListenAddr: cfg.ListenAddr,
		Registry:   reg,
		Tasks:      taskMgr,
		Locks:      lockMgr,
		Progress:   tracker,
		Broker:     broker,
		Store:      store,
		Tokens:     tokens,
	})

	go srv.Start()
	defer srv.Shutdown(ctx)
*/
package api
