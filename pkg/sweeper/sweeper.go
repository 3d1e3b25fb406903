// Package sweeper runs the background janitor: nodes that stopped
// heartbeating are marked unavailable, and file locks idle past the
// expiry window are reaped. Each repair is its own short store
// transaction, so sweeps never hold up request handlers.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/metrics"
	"github.com/drovergrid/drover/pkg/storage"
)

// sweepTimeout bounds one full sweep pass.
const sweepTimeout = 30 * time.Second

// Sweeper periodically repairs liveness state.
type Sweeper struct {
	store        storage.Store
	clock        clock.Clock
	broker       *events.Broker
	interval     time.Duration
	liveWindow   time.Duration
	expiryWindow time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	logger       zerolog.Logger
}

// New creates a sweeper. liveWindow governs when a silent node is
// marked down; expiryWindow governs when an unrefreshed lock is reaped.
func New(store storage.Store, clk clock.Clock, broker *events.Broker, interval, liveWindow, expiryWindow time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		clock:        clk,
		broker:       broker,
		interval:     interval,
		liveWindow:   liveWindow,
		expiryWindow: expiryWindow,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       log.WithComponent("sweeper"),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one pass: silent nodes first, stale locks second.
// Errors are logged and the pass continues; the next tick retries.
func (s *Sweeper) Sweep() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)
	metrics.SweeperRunsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if err := s.sweepNodes(ctx); err != nil {
		s.logger.Error().Err(err).Msg("node sweep failed")
	}
	if err := s.sweepLocks(ctx); err != nil {
		s.logger.Error().Err(err).Msg("lock sweep failed")
	}
}

// sweepNodes marks available nodes with expired heartbeats as down.
func (s *Sweeper) sweepNodes(ctx context.Context) error {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	cutoff := s.clock.Now().Add(-s.liveWindow)
	for _, node := range nodes {
		if !node.IsAvailable || !node.LastHeartbeat.Before(cutoff) {
			continue
		}

		node.IsAvailable = false
		if err := s.store.UpdateNode(ctx, node); err != nil {
			s.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to mark node down")
			continue
		}

		metrics.SweeperNodesMarkedDown.Inc()
		s.broker.PublishNodeChanged(node.ID, events.NodeHeartbeatLost)
		s.logger.Warn().
			Str("node_id", node.ID).
			Time("last_heartbeat", node.LastHeartbeat).
			Msg("node heartbeat lost, marked unavailable")
	}
	return nil
}

// sweepLocks reaps locks that went unrefreshed past the expiry window.
func (s *Sweeper) sweepLocks(ctx context.Context) error {
	reaped, err := s.store.DeleteExpiredLocks(ctx, s.clock.Now().Add(-s.expiryWindow))
	if err != nil {
		return err
	}

	for _, lock := range reaped {
		metrics.SweeperLocksReaped.Inc()
		s.broker.PublishLockChanged(lock.FilePath, events.LockExpired, lock.LockingNodeID)
		s.logger.Info().
			Str("path", lock.FilePath).
			Str("node_id", lock.LockingNodeID).
			Msg("expired lock reaped")
	}
	return nil
}
