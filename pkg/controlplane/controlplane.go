// Package controlplane exposes party membership behind a single
// interface with two interchangeable backends: a discovery-file variant
// for LAN-only operation and a central-server variant for remote play.
package controlplane

import (
	"context"
	"net/url"

	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/controlplane/local"
	"github.com/coff33ninja/LANRage-sub004/pkg/controlplane/remote"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// ControlPlane is the membership contract shared by both backends.
// Callers never branch on the mode; they hold this interface.
type ControlPlane interface {
	// Initialize loads persisted state and starts background workers.
	Initialize(ctx context.Context) error

	// Shutdown flushes pending state and stops background workers.
	Shutdown(ctx context.Context) error

	// RegisterParty creates a new party under the given id, hosted by
	// the given peer. An empty partyID gets a generated one; a known
	// partyID returns ErrConflict.
	RegisterParty(ctx context.Context, partyID, name string, host models.PeerInfo) (*models.PartyInfo, error)

	// JoinParty adds the peer to an existing party. Joining again with
	// the same peer id replaces the stored record.
	JoinParty(ctx context.Context, partyID string, peer models.PeerInfo) (*models.PartyInfo, error)

	// LeaveParty removes the peer. Removing the last peer removes the
	// party itself.
	LeaveParty(ctx context.Context, partyID, peerID string) error

	// UpdatePeer replaces the stored record for a peer already in the
	// party, refreshing its last_seen.
	UpdatePeer(ctx context.Context, partyID string, peer models.PeerInfo) error

	// GetParty returns a snapshot of the party.
	GetParty(ctx context.Context, partyID string) (*models.PartyInfo, error)

	// GetPeers returns a snapshot of the party's peers.
	GetPeers(ctx context.Context, partyID string) ([]models.PeerInfo, error)

	// DiscoverPeer returns connectivity metadata for one peer.
	DiscoverPeer(ctx context.Context, partyID, peerID string) (*models.PeerInfo, error)

	// Heartbeat refreshes the peer's last_seen so the reaper keeps it.
	Heartbeat(ctx context.Context, partyID, peerID string) error
}

// New selects the backend from configuration. Construction performs no
// network or disk I/O; that is deferred to Initialize. If the remote
// backend cannot be constructed the control plane degrades to local
// mode with a warning rather than failing the caller.
func New(cfg config.ControlPlane, logger logging.Logger) ControlPlane {
	if cfg.Remote() {
		if _, err := url.Parse(cfg.ControlServerURL); err != nil {
			logger.WithError(err).WithFields(logging.Fields{
				"control_server_url": cfg.ControlServerURL,
			}).Warn("Invalid control server URL, falling back to local mode")
		} else {
			return remote.New(cfg, logger)
		}
	}
	return local.New(cfg, logger)
}
