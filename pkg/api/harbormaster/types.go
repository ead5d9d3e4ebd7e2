package harbormaster

import (
	"encoding/json"
	"time"

	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// RegisterTokenRequest asks the server to issue a bearer token bound to a
// peer id.
type RegisterTokenRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// RegisterTokenResponse carries the issued token.
type RegisterTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePartyRequest creates a party with the caller as host.
type CreatePartyRequest struct {
	PartyID string          `json:"party_id" binding:"required"`
	Name    string          `json:"name"`
	Host    models.PeerInfo `json:"host"`
}

// JoinPartyRequest adds (or replaces, on rejoin) a peer in a party. It
// doubles as the peer-update payload: rejoining with fresh endpoint data
// overwrites the stored record.
type JoinPartyRequest struct {
	Peer models.PeerInfo `json:"peer"`
}

// RegisterRelayRequest registers or refreshes a data-plane relay.
type RegisterRelayRequest struct {
	Relay models.RelayInfo `json:"relay"`
}

// HealthResponse is returned by GET /.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Stream frame types pushed over the websocket endpoint.
const (
	MessageHello       = "hello"
	MessagePartyUpdate = "party_update"
	MessagePeerJoined  = "peer_joined"
	MessagePeerLeft    = "peer_left"
	MessageSignal      = "signal"
	MessageError       = "error"
)

// StreamMessage is the single frame shape used on the streaming channel.
// The populated fields depend on Type; Data is an opaque blob routed by
// recipient peer id for signal frames.
type StreamMessage struct {
	Type    string            `json:"type"`
	Token   string            `json:"token,omitempty"`
	PartyID string            `json:"party_id,omitempty"`
	PeerID  string            `json:"peer_id,omitempty"`
	Party   *models.PartyInfo `json:"party,omitempty"`
	Peer    *models.PeerInfo  `json:"peer,omitempty"`
	From    string            `json:"from,omitempty"`
	To      string            `json:"to,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Error   *models.APIError  `json:"error,omitempty"`
}
