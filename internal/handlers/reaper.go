package handlers

import (
	"context"
	"time"

	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
)

// StartReaper runs the periodic cleanup until ctx is cancelled. Each
// step runs in its own short transaction; no locks are held across
// steps.
func StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cfg.ReaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ReapOnce(time.Now().UTC())
			}
		}
	}()
}

// ReapOnce performs one cleanup cycle: stale peers, empty parties,
// expired tokens, dead relays.
func ReapOnce(now time.Time) {
	stalePeers := reapStep(`DELETE FROM peers WHERE last_seen < ?`, now.Add(-cfg.StaleTTL))
	emptyParties := reapStep(`
		DELETE FROM parties
		WHERE NOT EXISTS (SELECT 1 FROM peers WHERE peers.party_id = parties.party_id)
	`)
	expiredTokens := reapStep(`DELETE FROM auth_tokens WHERE expires_at < ?`, now)
	deadRelays := reapStep(`DELETE FROM relays WHERE last_seen < ?`, now.Add(-cfg.RelayTTL))

	countReaped("stale_peers", stalePeers)
	countReaped("empty_parties", emptyParties)
	countReaped("expired_tokens", expiredTokens)
	countReaped("dead_relays", deadRelays)

	if stalePeers+emptyParties+expiredTokens+deadRelays > 0 {
		logger.WithFields(logging.Fields{
			"stale_peers":    stalePeers,
			"empty_parties":  emptyParties,
			"expired_tokens": expiredTokens,
			"dead_relays":    deadRelays,
		}).Info("Reaped stale rows")
	}
}

func reapStep(query string, args ...interface{}) int64 {
	tx, err := db.Begin()
	if err != nil {
		logger.WithError(err).Warn("Reaper could not open transaction")
		return 0
	}
	defer tx.Rollback()

	res, err := tx.Exec(query, args...)
	if err != nil {
		logger.WithError(err).Warn("Reaper step failed")
		return 0
	}
	if err := tx.Commit(); err != nil {
		logger.WithError(err).Warn("Reaper step failed to commit")
		return 0
	}

	affected, _ := res.RowsAffected()
	return affected
}
