package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// loadParty reads a full party snapshot. Returns sql.ErrNoRows when the
// party does not exist.
func loadParty(partyID string) (*models.PartyInfo, error) {
	party := &models.PartyInfo{Peers: make(map[string]models.PeerInfo)}
	err := db.QueryRow(`
		SELECT party_id, name, host_id, created_at
		FROM parties
		WHERE party_id = ?
	`, partyID).Scan(&party.PartyID, &party.Name, &party.HostID, &party.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT peer_id, name, public_key, nat_type, public_ip, public_port, local_ip, local_port, last_seen
		FROM peers
		WHERE party_id = ?
	`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var peer models.PeerInfo
		if err := rows.Scan(
			&peer.PeerID, &peer.Name, &peer.PublicKey, &peer.NATType,
			&peer.PublicIP, &peer.PublicPort, &peer.LocalIP, &peer.LocalPort, &peer.LastSeen,
		); err != nil {
			return nil, err
		}
		party.Peers[peer.PeerID] = peer
	}
	return party, rows.Err()
}

// CreateParty creates a party with the caller as host.
func CreateParty(c *gin.Context) {
	var req api.CreatePartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, "party_id is required")
		return
	}
	if err := models.ValidatePartyID(req.PartyID); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, err.Error())
		return
	}
	if err := req.Host.Validate(); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, err.Error())
		return
	}
	if req.Host.PeerID != BoundPeer(c) {
		respondError(c, http.StatusUnauthorized, models.CodeAuth, "token is bound to a different peer")
		return
	}

	now := time.Now().UTC()
	req.Host.Touch(now)

	tx, err := db.Begin()
	if err != nil {
		respondServerError(c, err, "Failed to create party")
		return
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM parties WHERE party_id = ?`, req.PartyID).Scan(&exists); err != nil {
		respondServerError(c, err, "Failed to create party")
		return
	}
	if exists > 0 {
		respondError(c, http.StatusConflict, models.CodeConflict, "party already exists")
		return
	}

	if _, err := tx.Exec(`
		INSERT INTO parties (party_id, name, host_id, created_at)
		VALUES (?, ?, ?, ?)
	`, req.PartyID, req.Name, req.Host.PeerID, now); err != nil {
		respondServerError(c, err, "Failed to create party")
		return
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO peers
			(peer_id, party_id, name, public_key, nat_type, public_ip, public_port, local_ip, local_port, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Host.PeerID, req.PartyID, req.Host.Name, req.Host.PublicKey, req.Host.NATType,
		req.Host.PublicIP, req.Host.PublicPort, req.Host.LocalIP, req.Host.LocalPort, req.Host.LastSeen); err != nil {
		respondServerError(c, err, "Failed to create party")
		return
	}

	if err := tx.Commit(); err != nil {
		respondServerError(c, err, "Failed to create party")
		return
	}

	party := &models.PartyInfo{
		PartyID:   req.PartyID,
		Name:      req.Name,
		HostID:    req.Host.PeerID,
		CreatedAt: now,
		Peers:     map[string]models.PeerInfo{req.Host.PeerID: req.Host},
	}

	logger.WithFields(logging.Fields{
		"party_id": req.PartyID,
		"host_id":  req.Host.PeerID,
	}).Info("Created party")

	if notifier != nil {
		notifier.PartyUpdated(party)
	}
	c.JSON(http.StatusCreated, party)
}

// GetParty returns a full party snapshot.
func GetParty(c *gin.Context) {
	party, err := loadParty(c.Param("id"))
	if err == sql.ErrNoRows {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "party not found")
		return
	} else if err != nil {
		respondServerError(c, err, "Failed to get party")
		return
	}
	c.JSON(http.StatusOK, party)
}

// JoinParty adds the caller to the party. Rejoining replaces the stored
// record; joining while listed in another party moves the peer, keeping
// a peer_id in at most one party.
func JoinParty(c *gin.Context) {
	partyID := c.Param("id")

	var req api.JoinPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, "peer is required")
		return
	}
	if err := req.Peer.Validate(); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, err.Error())
		return
	}
	if req.Peer.PeerID != BoundPeer(c) {
		respondError(c, http.StatusUnauthorized, models.CodeAuth, "token is bound to a different peer")
		return
	}

	var exists int
	if err := db.QueryRow(`SELECT COUNT(1) FROM parties WHERE party_id = ?`, partyID).Scan(&exists); err != nil {
		respondServerError(c, err, "Failed to join party")
		return
	}
	if exists == 0 {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "party not found")
		return
	}

	req.Peer.Touch(time.Now().UTC())
	if _, err := db.Exec(`
		INSERT OR REPLACE INTO peers
			(peer_id, party_id, name, public_key, nat_type, public_ip, public_port, local_ip, local_port, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Peer.PeerID, partyID, req.Peer.Name, req.Peer.PublicKey, req.Peer.NATType,
		req.Peer.PublicIP, req.Peer.PublicPort, req.Peer.LocalIP, req.Peer.LocalPort, req.Peer.LastSeen); err != nil {
		respondServerError(c, err, "Failed to join party")
		return
	}

	party, err := loadParty(partyID)
	if err != nil {
		respondServerError(c, err, "Failed to load party after join")
		return
	}

	logger.WithFields(logging.Fields{
		"party_id": partyID,
		"peer_id":  req.Peer.PeerID,
	}).Info("Peer joined party")

	if notifier != nil {
		notifier.PeerJoined(partyID, req.Peer)
		notifier.PartyUpdated(party)
	}
	c.JSON(http.StatusOK, party)
}

// LeaveParty removes the caller from the party. The last peer leaving
// deletes the party.
func LeaveParty(c *gin.Context) {
	partyID := c.Param("id")
	peerID := c.Param("peer_id")

	res, err := db.Exec(`DELETE FROM peers WHERE party_id = ? AND peer_id = ?`, partyID, peerID)
	if err != nil {
		respondServerError(c, err, "Failed to leave party")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "peer not found in party")
		return
	}

	if _, err := db.Exec(`
		DELETE FROM parties
		WHERE party_id = ? AND NOT EXISTS (SELECT 1 FROM peers WHERE party_id = ?)
	`, partyID, partyID); err != nil {
		logger.WithError(err).Warn("Failed to collapse empty party, reaper will catch it")
	}

	logger.WithFields(logging.Fields{
		"party_id": partyID,
		"peer_id":  peerID,
	}).Info("Peer left party")

	if notifier != nil {
		notifier.PeerLeft(partyID, peerID)
	}
	c.Status(http.StatusNoContent)
}

// GetPeers lists the peers in a party.
func GetPeers(c *gin.Context) {
	party, err := loadParty(c.Param("id"))
	if err == sql.ErrNoRows {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "party not found")
		return
	} else if err != nil {
		respondServerError(c, err, "Failed to get peers")
		return
	}

	peers := make([]models.PeerInfo, 0, len(party.Peers))
	for _, peer := range party.Peers {
		peers = append(peers, peer)
	}
	c.JSON(http.StatusOK, peers)
}

// DiscoverPeer returns one peer's connectivity record.
func DiscoverPeer(c *gin.Context) {
	var peer models.PeerInfo
	err := db.QueryRow(`
		SELECT peer_id, name, public_key, nat_type, public_ip, public_port, local_ip, local_port, last_seen
		FROM peers
		WHERE party_id = ? AND peer_id = ?
	`, c.Param("id"), c.Param("peer_id")).Scan(
		&peer.PeerID, &peer.Name, &peer.PublicKey, &peer.NATType,
		&peer.PublicIP, &peer.PublicPort, &peer.LocalIP, &peer.LocalPort, &peer.LastSeen,
	)
	if err == sql.ErrNoRows {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "peer not found in party")
		return
	} else if err != nil {
		respondServerError(c, err, "Failed to discover peer")
		return
	}
	c.JSON(http.StatusOK, peer)
}

// Heartbeat refreshes the caller's last_seen.
func Heartbeat(c *gin.Context) {
	res, err := db.Exec(`
		UPDATE peers SET last_seen = ?
		WHERE party_id = ? AND peer_id = ?
	`, time.Now().UTC(), c.Param("id"), c.Param("peer_id"))
	if err != nil {
		respondServerError(c, err, "Failed to record heartbeat")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "peer not found in party")
		return
	}
	c.Status(http.StatusNoContent)
}
