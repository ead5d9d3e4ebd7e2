package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// RegisterRelay registers or refreshes a data-plane relay. Re-registering
// the same relay_id replaces the record, so relays heartbeat by
// re-registering.
func RegisterRelay(c *gin.Context) {
	var req api.RegisterRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, "relay is required")
		return
	}
	if err := req.Relay.Validate(); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, err.Error())
		return
	}
	if req.Relay.RelayID == "" {
		req.Relay.RelayID = uuid.New().String()
	}

	req.Relay.LastSeen = time.Now().UTC()
	if _, err := db.Exec(`
		INSERT OR REPLACE INTO relays
			(relay_id, region, endpoint_ip, endpoint_port, capacity, current_load, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.Relay.RelayID, req.Relay.Region, req.Relay.EndpointIP, req.Relay.EndpointPort,
		req.Relay.Capacity, req.Relay.CurrentLoad, req.Relay.LastSeen); err != nil {
		respondServerError(c, err, "Failed to register relay")
		return
	}

	logger.WithFields(logging.Fields{
		"relay_id": req.Relay.RelayID,
		"region":   req.Relay.Region,
	}).Info("Registered relay")
	c.JSON(http.StatusCreated, req.Relay)
}

func queryRelays(query string, args ...interface{}) ([]models.RelayInfo, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relays := make([]models.RelayInfo, 0)
	for rows.Next() {
		var relay models.RelayInfo
		if err := rows.Scan(
			&relay.RelayID, &relay.Region, &relay.EndpointIP, &relay.EndpointPort,
			&relay.Capacity, &relay.CurrentLoad, &relay.LastSeen,
		); err != nil {
			return nil, err
		}
		relays = append(relays, relay)
	}
	return relays, rows.Err()
}

// GetRelays lists every relay seen within the liveness window.
func GetRelays(c *gin.Context) {
	relays, err := queryRelays(`
		SELECT relay_id, region, endpoint_ip, endpoint_port, capacity, current_load, last_seen
		FROM relays
		WHERE last_seen > ?
		ORDER BY region, relay_id
	`, time.Now().UTC().Add(-cfg.RelayTTL))
	if err != nil {
		respondServerError(c, err, "Failed to get relays")
		return
	}
	c.JSON(http.StatusOK, relays)
}

// GetRelaysByRegion lists live relays in one region.
func GetRelaysByRegion(c *gin.Context) {
	relays, err := queryRelays(`
		SELECT relay_id, region, endpoint_ip, endpoint_port, capacity, current_load, last_seen
		FROM relays
		WHERE region = ? AND last_seen > ?
		ORDER BY relay_id
	`, c.Param("region"), time.Now().UTC().Add(-cfg.RelayTTL))
	if err != nil {
		respondServerError(c, err, "Failed to get relays")
		return
	}
	c.JSON(http.StatusOK, relays)
}
