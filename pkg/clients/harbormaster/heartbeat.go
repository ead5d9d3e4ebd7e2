package harbormaster

import (
	"context"
	"errors"
	"time"

	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// DefaultHeartbeatInterval is how often a joined peer refreshes its
// last_seen on the server. It must stay well under the server's stale
// TTL or the reaper will drop live peers.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatFunc issues one liveness refresh for a membership.
type HeartbeatFunc func(ctx context.Context) error

// RunHeartbeat drives beat on a fixed cadence for one party membership.
// The loop exits when the context is cancelled or when the server
// reports the membership gone (party deleted or peer reaped); transient
// failures are logged and the loop keeps its cadence.
//
// The returned channel closes when the loop has exited.
func RunHeartbeat(ctx context.Context, logger logging.Logger, partyID, peerID string, interval time.Duration, beat HeartbeatFunc) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		log := logger.WithFields(logging.Fields{
			"party_id": partyID,
			"peer_id":  peerID,
		})

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := beat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrCancelled):
				return
			case errors.Is(err, models.ErrNotFound):
				// Membership is gone server-side. Stop heartbeating;
				// the caller rejoins if it still wants the party.
				log.Warn("Heartbeat target no longer exists, stopping")
				return
			case errors.Is(err, models.ErrAuth):
				log.Warn("Heartbeat rejected as unauthorized, stopping")
				return
			default:
				log.WithError(err).Warn("Heartbeat failed, will retry next tick")
			}
		}
	}()
	return done
}

// StartHeartbeat runs the heartbeat loop against this client's server.
func (c *Client) StartHeartbeat(ctx context.Context, partyID, peerID string, interval time.Duration) <-chan struct{} {
	return RunHeartbeat(ctx, c.logger, partyID, peerID, interval,
		func(ctx context.Context) error {
			return c.Heartbeat(ctx, partyID, peerID)
		})
}
