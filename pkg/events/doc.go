/*
Package events provides the in-memory broker that fans coordinator
state changes out to subscribers.

Every mutation the coordinator commits (node availability, task status,
folder progress, lock ownership) publishes one typed event after its
store transaction. Subscribers are in-process consumers: the websocket
handler holds one per connected client, and tests subscribe directly.

# Architecture

	+---------------------- EVENT BROKER ----------------------+
	|                                                           |
	|   registry   tasks   progress   locks   sweeper           |
	|       |        |        |         |        |              |
	|       +--------+----+---+---------+--------+              |
	|                     |                                     |
	|                     v  Publish (non-blocking)             |
	|  +------------------------------------------+             |
	|  |        central channel (buffer 1024)     |             |
	|  +---------------------+--------------------+             |
	|                        |                                  |
	|  +---------------------v--------------------+             |
	|  |              dispatch goroutine          |             |
	|  |  - applies each subscriber's type filter |             |
	|  |  - non-blocking send per subscriber      |             |
	|  |  - full queue: drop subscriber, close    |             |
	|  |    channel, announce SubscriberDropped   |             |
	|  +---------------------+--------------------+             |
	|                        |                                  |
	|        +---------------+---------------+                  |
	|        |               |               |                  |
	|   subscriber      subscriber      subscriber              |
	|   queue (1024)    queue (1024)    queue (n)               |
	+-----------------------------------------------------------+

# Event Types

  - NodeChanged: registration, heartbeat lost, heartbeat restored
  - JobChanged: task status transition (from, to)
  - FolderProgressChanged: folder row status or progress moved
  - LockChanged: acquired, released, expired, reset
  - SubscriberDropped: diagnostic, a subscriber lagged and was removed

Payload structs live in pkg/types; the envelope carries a uuid, the
type, a timestamp, and the payload.

# Delivery Guarantees

Events from one publisher arrive at every subscriber in publish order.
Delivery is at-most-once: Publish never blocks a request handler, so a
subscriber that stops draining its queue is cut off rather than allowed
to apply backpressure. The dispatch loop closes the laggard's channel,
marks it dropped, and broadcasts a SubscriberDropped event naming it so
operators can see which consumer fell behind. A dropped websocket
client reconnects and re-reads current state; events are notifications,
not a replayable log.

Publication sites run after their store transaction commits. A consumer
that reads the store on receipt sees state at least as new as the
event.

# Subscriber Lifecycle

Subscribe registers a queue with the default buffer; SubscribeBuffered
sizes it explicitly, and an optional type list filters at dispatch so
unwanted events never consume queue space. Unsubscribe is idempotent
and safe concurrently with delivery. Stop closes every remaining
subscriber channel without marking them dropped.
*/
package events
