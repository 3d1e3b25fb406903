package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/metrics"
	"github.com/drovergrid/drover/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeChanged           EventType = "NodeChanged"
	EventJobChanged            EventType = "JobChanged"
	EventFolderProgressChanged EventType = "FolderProgressChanged"
	EventLockChanged           EventType = "LockChanged"

	// EventSubscriberDropped is the diagnostic emitted to surviving
	// subscribers when a laggard is disconnected.
	EventSubscriberDropped EventType = "SubscriberDropped"
)

// NodeChangeKind distinguishes node lifecycle events.
type NodeChangeKind string

const (
	NodeRegistered        NodeChangeKind = "Registered"
	NodeHeartbeatLost     NodeChangeKind = "HeartbeatLost"
	NodeHeartbeatRestored NodeChangeKind = "HeartbeatRestored"
)

// LockChangeKind distinguishes lock lifecycle events.
type LockChangeKind string

const (
	LockAcquired LockChangeKind = "Acquired"
	LockReleased LockChangeKind = "Released"
	LockExpired  LockChangeKind = "Expired"
	LockReset    LockChangeKind = "Reset"
)

// NodeChangedPayload carries a node lifecycle change.
type NodeChangedPayload struct {
	NodeID string         `json:"nodeId"`
	Kind   NodeChangeKind `json:"kind"`
}

// JobChangedPayload carries a task status transition. FromStatus is
// empty for creation.
type JobChangedPayload struct {
	JobID      int64            `json:"jobId"`
	FromStatus types.TaskStatus `json:"fromStatus,omitempty"`
	ToStatus   types.TaskStatus `json:"toStatus"`
}

// FolderProgressChangedPayload carries a folder row change.
type FolderProgressChangedPayload struct {
	TaskID     int64              `json:"taskId"`
	FolderPath string             `json:"folderPath"`
	Status     types.FolderStatus `json:"status"`
	Progress   float64            `json:"progress"`
}

// LockChangedPayload carries a lock lifecycle change. NodeID is the
// acting node where one exists; Count is set for Reset.
type LockChangedPayload struct {
	Path   string         `json:"path,omitempty"`
	Kind   LockChangeKind `json:"kind"`
	NodeID string         `json:"nodeId,omitempty"`
	Count  int            `json:"count,omitempty"`
}

// SubscriberDroppedPayload identifies a disconnected laggard.
type SubscriberDroppedPayload struct {
	SubscriberID string `json:"subscriberId"`
	QueueLen     int    `json:"queueLen"`
}

// Event is the envelope delivered to subscribers. Its JSON form is
// also the wire frame pushed over the event stream.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"ts"`
	Payload   interface{} `json:"payload"`
}

// DefaultQueueSize is the per-subscriber buffer when none is given.
// A subscriber that falls this far behind is dropped.
const DefaultQueueSize = 1024

// centralBuffer absorbs publish bursts ahead of the dispatch loop so
// publishers never block on fan-out.
const centralBuffer = 1024

// Subscription is one subscriber's view of the broker. Events arrives
// in publish order; the channel closes when the subscriber is
// unsubscribed or dropped for lagging.
type Subscription struct {
	id      string
	ch      chan *Event
	types   map[EventType]bool
	dropped atomic.Bool
}

// ID returns the subscription's unique id, used in drop diagnostics.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive channel.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped reports whether the broker disconnected this subscription
// for lagging. It distinguishes a lag drop from an ordinary close when
// the events channel is found closed.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// wants reports whether the subscription's filter admits the type.
// Drop diagnostics bypass filters: every subscriber hears them.
func (s *Subscription) wants(t EventType) bool {
	if t == EventSubscriberDropped {
		return true
	}
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Broker manages event subscriptions and distribution. A single
// dispatch goroutine fans events out, which keeps delivery ordered per
// subscriber; per-subscriber buffered channels with drop-on-full keep
// slow consumers from ever blocking publishers.
type Broker struct {
	subscribers map[string]*Subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker(clk clock.Clock) *Broker {
	return &Broker{
		subscribers: make(map[string]*Subscription),
		eventCh:     make(chan *Event, centralBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		clock:       clk,
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every subscription.
func (b *Broker) Stop() {
	close(b.stopCh)
	<-b.doneCh

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Subscribe registers a subscriber with the default queue size.
// Passing no types subscribes to everything.
func (b *Broker) Subscribe(eventTypes ...EventType) *Subscription {
	return b.SubscribeBuffered(DefaultQueueSize, eventTypes...)
}

// SubscribeBuffered registers a subscriber with an explicit queue
// size. Sizes below 1 fall back to the default.
func (b *Broker) SubscribeBuffered(buffer int, eventTypes ...EventType) *Subscription {
	if buffer < 1 {
		buffer = DefaultQueueSize
	}

	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan *Event, buffer),
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call after the subscriber was already dropped.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish enqueues an event for fan-out. It never blocks: if the
// central buffer is full the event is counted and dropped, which only
// happens when the dispatch loop itself is wedged.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	select {
	case b.eventCh <- event:
		metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	case <-b.stopCh:
	default:
		metrics.EventsDropped.Inc()
		b.logger.Warn().Str("type", string(event.Type)).Msg("central event buffer full, event dropped")
	}
}

// PublishNodeChanged emits a node lifecycle event.
func (b *Broker) PublishNodeChanged(nodeID string, kind NodeChangeKind) {
	b.Publish(&Event{
		Type:    EventNodeChanged,
		Payload: &NodeChangedPayload{NodeID: nodeID, Kind: kind},
	})
}

// PublishJobChanged emits a task status transition event. Pass an
// empty from status for creation.
func (b *Broker) PublishJobChanged(jobID int64, from, to types.TaskStatus) {
	b.Publish(&Event{
		Type:    EventJobChanged,
		Payload: &JobChangedPayload{JobID: jobID, FromStatus: from, ToStatus: to},
	})
}

// PublishFolderProgressChanged emits a folder row change event.
func (b *Broker) PublishFolderProgressChanged(taskID int64, folderPath string, status types.FolderStatus, progress float64) {
	b.Publish(&Event{
		Type: EventFolderProgressChanged,
		Payload: &FolderProgressChangedPayload{
			TaskID:     taskID,
			FolderPath: folderPath,
			Status:     status,
			Progress:   progress,
		},
	})
}

// PublishLockChanged emits a lock lifecycle event for one path.
func (b *Broker) PublishLockChanged(path string, kind LockChangeKind, nodeID string) {
	b.Publish(&Event{
		Type:    EventLockChanged,
		Payload: &LockChangedPayload{Path: path, Kind: kind, NodeID: nodeID},
	})
}

// PublishLockReset emits the administrative reset event with the
// number of cleared locks.
func (b *Broker) PublishLockReset(count int) {
	b.Publish(&Event{
		Type:    EventLockChanged,
		Payload: &LockChangedPayload{Kind: LockReset, Count: count},
	})
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast fans one event out. Laggards found full are removed and
// announced to the survivors before the next event is processed, so
// the diagnostic lands in order.
func (b *Broker) broadcast(event *Event) {
	var dropped []*Subscription

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	if len(dropped) == 0 {
		return
	}

	b.mu.Lock()
	for _, sub := range dropped {
		if _, ok := b.subscribers[sub.id]; ok {
			delete(b.subscribers, sub.id)
			sub.dropped.Store(true)
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		metrics.SubscribersDropped.Inc()
		b.logger.Warn().
			Str("subscriber_id", sub.id).
			Int("queue_len", cap(sub.ch)).
			Msg("subscriber lagging, dropped")

		b.broadcast(&Event{
			ID:        uuid.NewString(),
			Type:      EventSubscriberDropped,
			Timestamp: b.clock.Now(),
			Payload:   &SubscriberDroppedPayload{SubscriberID: sub.id, QueueLen: cap(sub.ch)},
		})
	}
}
