// Package locks arbitrates advisory exclusive locks on shared
// filesystem paths. Keys are normalized spellings, so locks taken on
// `Y:\Data\Shot01` and `y:/data/shot01/` contend for the same row.
// Ownership is leased: a holder keeps a lock alive by re-acquiring it,
// and a lock idle past the expiry window may be stolen by any node or
// reaped by the sweeper.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/pathkey"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

// HeldError reports a contested acquisition: the path is owned by a
// live lock on another node. It wraps ErrConflict so generic
// classification maps it to the conflict status, while callers that
// care can read the holder.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("path %s is locked by node %s", e.Path, e.Holder)
}

func (e *HeldError) Unwrap() error { return errdefs.ErrConflict }

// Manager coordinates lock acquisition, release, and administrative
// reset on top of the store's atomic acquire transaction.
type Manager struct {
	store        storage.Store
	clock        clock.Clock
	broker       *events.Broker
	expiryWindow time.Duration
	logger       zerolog.Logger
}

// New creates a lock manager. expiryWindow is how long a lock may go
// unrefreshed before any other node may steal it.
func New(store storage.Store, clk clock.Clock, broker *events.Broker, expiryWindow time.Duration) *Manager {
	return &Manager{
		store:        store,
		clock:        clk,
		broker:       broker,
		expiryWindow: expiryWindow,
		logger:       log.WithComponent("locks"),
	}
}

// Acquire takes or refreshes the lock on a file path for a node.
// Success means the node owns the lock on return; a live lock on
// another node returns *HeldError and changes nothing.
func (m *Manager) Acquire(ctx context.Context, path, nodeID string) error {
	key, err := normalizeKey(path)
	if err != nil {
		return err
	}
	return m.acquire(ctx, key, nodeID)
}

// AcquireFolder is Acquire in the folder-lock namespace. Folder locks
// never collide with plain file locks on the same path.
func (m *Manager) AcquireFolder(ctx context.Context, path, nodeID string) error {
	key, err := normalizeKey(path)
	if err != nil {
		return err
	}
	return m.acquire(ctx, pathkey.FolderLockPrefix+key, nodeID)
}

func (m *Manager) acquire(ctx context.Context, key, nodeID string) error {
	now := m.clock.Now()
	acq, err := m.store.AcquireLock(ctx, key, nodeID, now, now.Add(-m.expiryWindow))
	if err != nil {
		return err
	}

	switch acq.Outcome {
	case storage.LockAcquired, storage.LockRefreshed:
		m.broker.PublishLockChanged(key, events.LockAcquired, nodeID)
	case storage.LockStolen:
		// the eviction is announced before the new ownership so
		// subscribers see the handover in causal order
		m.broker.PublishLockChanged(key, events.LockExpired, acq.EvictedNodeID)
		m.broker.PublishLockChanged(key, events.LockAcquired, nodeID)
		m.logger.Info().
			Str("path", key).
			Str("node_id", nodeID).
			Str("evicted_node_id", acq.EvictedNodeID).
			Msg("stale lock stolen")
	case storage.LockHeld:
		return &HeldError{Path: key, Holder: acq.Lock.LockingNodeID}
	}
	return nil
}

// Release drops a node's lock on a file path. Only the owner may
// release: a lock held by another node, or no lock at all, yields
// ErrNotOwner and no mutation.
func (m *Manager) Release(ctx context.Context, path, nodeID string) error {
	key, err := normalizeKey(path)
	if err != nil {
		return err
	}
	return m.release(ctx, key, nodeID)
}

// ReleaseFolder is Release in the folder-lock namespace.
func (m *Manager) ReleaseFolder(ctx context.Context, path, nodeID string) error {
	key, err := normalizeKey(path)
	if err != nil {
		return err
	}
	return m.release(ctx, pathkey.FolderLockPrefix+key, nodeID)
}

func (m *Manager) release(ctx context.Context, key, nodeID string) error {
	err := m.store.ReleaseLock(ctx, key, nodeID)
	if err != nil {
		// releasing an absent lock is a not-owner condition: the
		// caller holds nothing there to give up
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("lock %s not held: %w", key, errdefs.ErrNotOwner)
		}
		return err
	}

	m.broker.PublishLockChanged(key, events.LockReleased, nodeID)
	return nil
}

// List returns every lock row, file and folder scope alike.
func (m *Manager) List(ctx context.Context) ([]*types.FileLock, error) {
	return m.store.ListLocks(ctx)
}

// ResetAll clears every lock unconditionally and returns the count.
// Administrative surface for wedged fleets; workers learn their leases
// are gone from the reset event.
func (m *Manager) ResetAll(ctx context.Context) (int, error) {
	count, err := m.store.ResetLocks(ctx)
	if err != nil {
		return 0, err
	}

	m.broker.PublishLockReset(count)
	m.logger.Warn().Int("cleared", count).Msg("all locks reset")
	return count, nil
}

// normalizeKey canonicalizes a path and bounds its length.
func normalizeKey(path string) (string, error) {
	key, err := pathkey.Normalize(path)
	if err != nil {
		return "", err
	}
	if len(key) > pathkey.MaxKeyLength {
		return "", errdefs.NewValidationError().
			Add("filePath", fmt.Sprintf("must not exceed %d characters after normalization", pathkey.MaxKeyLength)).
			Err()
	}
	return key, nil
}
