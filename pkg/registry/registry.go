// Package registry manages the node fleet: registration, login,
// heartbeats, and availability listings. Nodes authenticate with a
// hardware fingerprint once at registration and hold bearer tokens
// afterwards; availability is written by heartbeats and cleared by the
// liveness sweeper.
package registry

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/auth"
	"github.com/drovergrid/drover/pkg/clock"
	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/log"
	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

// MaxFingerprintLength bounds the hardware fingerprint credential.
const MaxFingerprintLength = 128

// nodeIDPattern admits ids safe to embed in paths, logs, and tokens.
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// Registry coordinates node identity and liveness on top of the store.
type Registry struct {
	store      storage.Store
	clock      clock.Clock
	broker     *events.Broker
	tokens     *auth.TokenManager
	liveWindow time.Duration
	logger     zerolog.Logger
}

// New creates a node registry. liveWindow is the maximum heartbeat age
// for a node to count as available in listings.
func New(store storage.Store, clk clock.Clock, broker *events.Broker, tokens *auth.TokenManager, liveWindow time.Duration) *Registry {
	return &Registry{
		store:      store,
		clock:      clk,
		broker:     broker,
		tokens:     tokens,
		liveWindow: liveWindow,
		logger:     log.WithComponent("registry"),
	}
}

// Register enrolls a new node and returns it with a fresh node-role
// token. The id must be unique; a duplicate yields ErrConflict and no
// state change. The fingerprint becomes the node's login credential.
func (r *Registry) Register(ctx context.Context, id, name, ip, fingerprint string) (*types.Node, string, error) {
	name = strings.TrimSpace(name)

	verr := errdefs.NewValidationError()
	if !nodeIDPattern.MatchString(id) {
		verr.Add("id", "must be 3-64 characters of letters, digits, hyphen, or underscore")
	}
	if name == "" {
		verr.Add("name", "must not be empty")
	}
	if net.ParseIP(ip) == nil {
		verr.Add("ipAddress", "must be a valid IPv4 or IPv6 literal")
	}
	if fingerprint == "" {
		verr.Add("hardwareFingerprint", "must not be empty")
	} else if len(fingerprint) > MaxFingerprintLength {
		verr.Add("hardwareFingerprint", fmt.Sprintf("must not exceed %d bytes", MaxFingerprintLength))
	}
	if err := verr.Err(); err != nil {
		return nil, "", err
	}

	now := r.clock.Now()
	node := &types.Node{
		ID:                  id,
		Name:                name,
		IPAddress:           ip,
		HardwareFingerprint: fingerprint,
		IsAvailable:         true,
		LastHeartbeat:       now,
		CreatedAt:           now,
	}

	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, "", err
	}

	token, err := r.tokens.Issue(node.ID, auth.RoleNode)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue token for node %s: %w", node.ID, err)
	}

	r.broker.PublishNodeChanged(node.ID, events.NodeRegistered)
	r.logger.Info().Str("node_id", node.ID).Str("ip", ip).Msg("node registered")
	return node, token, nil
}

// Login re-authenticates a registered node by fingerprint and returns
// a fresh token. An unknown id and a wrong fingerprint produce the
// same ErrUnauthorized, so a caller cannot probe which ids exist.
// Login also counts as a heartbeat.
func (r *Registry) Login(ctx context.Context, id, fingerprint string) (*types.Node, string, error) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, "", fmt.Errorf("login rejected: %w", errdefs.ErrUnauthorized)
		}
		return nil, "", err
	}
	if fingerprint == "" || node.HardwareFingerprint != fingerprint {
		return nil, "", fmt.Errorf("login rejected: %w", errdefs.ErrUnauthorized)
	}

	wasAvailable := node.IsAvailable
	node.LastHeartbeat = r.clock.Now()
	node.IsAvailable = true
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, "", err
	}

	token, err := r.tokens.Issue(node.ID, auth.RoleNode)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue token for node %s: %w", node.ID, err)
	}

	if !wasAvailable {
		r.broker.PublishNodeChanged(node.ID, events.NodeHeartbeatRestored)
	}
	r.logger.Info().Str("node_id", node.ID).Msg("node logged in")
	return node, token, nil
}

// Heartbeat records liveness for a node, reviving it if the sweeper
// had marked it down. Unknown ids yield ErrNotFound: a heartbeat
// carries a token, so existence is no secret here.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*types.Node, error) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	wasAvailable := node.IsAvailable
	node.LastHeartbeat = r.clock.Now()
	node.IsAvailable = true
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}

	if !wasAvailable {
		r.broker.PublishNodeChanged(node.ID, events.NodeHeartbeatRestored)
		r.logger.Info().Str("node_id", node.ID).Msg("node availability restored")
	}
	return node, nil
}

// ListAvailable returns nodes that are marked available and whose last
// heartbeat is within the live window. The flag alone is not trusted:
// between sweeps a node may be marked available yet already silent.
func (r *Registry) ListAvailable(ctx context.Context) ([]*types.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.clock.Now().Add(-r.liveWindow)
	available := make([]*types.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.IsAvailable && !node.LastHeartbeat.Before(cutoff) {
			available = append(available, node)
		}
	}
	return available, nil
}

// ListAll returns every registered node regardless of availability.
func (r *Registry) ListAll(ctx context.Context) ([]*types.Node, error) {
	return r.store.ListNodes(ctx)
}
