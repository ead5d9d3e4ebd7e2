// Package websocket implements the server side of the event stream:
// party-scoped fan-out of membership changes plus peer-to-peer signal
// routing.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	helloWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenValidator checks a bearer token and returns the peer it is bound
// to.
type TokenValidator func(token string) (peerID string, err error)

// PartyResolver returns the party a peer currently belongs to, or empty.
type PartyResolver func(peerID string) (partyID string, err error)

// Hub maintains the set of connected peers and routes frames between
// them. All membership of the hub's maps is owned by the Run loop.
type Hub struct {
	logger       logging.Logger
	validateTok  TokenValidator
	resolveParty PartyResolver

	register   chan *Client
	unregister chan *Client
	events     chan api.StreamMessage

	clients map[*Client]bool
	byPeer  map[string]*Client
}

// Client is one connected peer.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	peerID  string
	partyID string
	logger  logging.Logger
}

// NewHub creates the hub. Run must be started before serving clients.
func NewHub(logger logging.Logger, validate TokenValidator, resolve PartyResolver) *Hub {
	return &Hub{
		logger:       logger,
		validateTok:  validate,
		resolveParty: resolve,
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		events:       make(chan api.StreamMessage, 256),
		clients:      make(map[*Client]bool),
		byPeer:       make(map[string]*Client),
	}
}

// Run is the hub's single event loop. It owns the client maps; nothing
// else touches them.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			// A reconnecting peer replaces its previous connection.
			if old, ok := h.byPeer[client.peerID]; ok {
				delete(h.clients, old)
				close(old.send)
			}
			h.clients[client] = true
			h.byPeer[client.peerID] = client
			h.logger.WithFields(logging.Fields{
				"peer_id":      client.peerID,
				"party_id":     client.partyID,
				"client_count": len(h.clients),
			}).Info("Stream client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if h.byPeer[client.peerID] == client {
					delete(h.byPeer, client.peerID)
				}
				close(client.send)
			}

		case msg := <-h.events:
			h.dispatch(msg)
		}
	}
}

// PartyUpdated pushes a full snapshot to every member of the party.
func (h *Hub) PartyUpdated(party *models.PartyInfo) {
	if party == nil {
		return
	}
	h.enqueue(api.StreamMessage{
		Type:    api.MessagePartyUpdate,
		PartyID: party.PartyID,
		Party:   party,
	})
}

// PeerJoined announces a new member to the party.
func (h *Hub) PeerJoined(partyID string, peer models.PeerInfo) {
	h.enqueue(api.StreamMessage{
		Type:    api.MessagePeerJoined,
		PartyID: partyID,
		Peer:    &peer,
	})
}

// PeerLeft announces a departure to the party.
func (h *Hub) PeerLeft(partyID, peerID string) {
	h.enqueue(api.StreamMessage{
		Type:    api.MessagePeerLeft,
		PartyID: partyID,
		PeerID:  peerID,
	})
}

func (h *Hub) enqueue(msg api.StreamMessage) {
	select {
	case h.events <- msg:
	default:
		h.logger.Warn("Event queue full, dropping frame")
	}
}

// dispatch runs on the Run loop and fans one event out to its party, or
// routes a signal to its single recipient.
func (h *Hub) dispatch(msg api.StreamMessage) {
	if msg.Type == api.MessageSignal {
		h.routeSignal(msg)
		return
	}

	// Membership events move peers between parties; keep the
	// connection-side view in sync before fanning out.
	switch msg.Type {
	case api.MessagePeerJoined:
		if msg.Peer != nil {
			if client, ok := h.byPeer[msg.Peer.PeerID]; ok {
				client.partyID = msg.PartyID
			}
		}
	case api.MessagePeerLeft:
		if client, ok := h.byPeer[msg.PeerID]; ok && client.partyID == msg.PartyID {
			client.partyID = ""
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal event frame")
		return
	}

	for client := range h.clients {
		if client.partyID != msg.PartyID {
			continue
		}
		client.deliver(data)
	}
}

// routeSignal forwards an opaque payload to exactly one recipient in the
// same party. Unknown or cross-party recipients earn the sender an error
// frame.
func (h *Hub) routeSignal(msg api.StreamMessage) {
	sender := h.byPeer[msg.From]

	target, ok := h.byPeer[msg.To]
	if !ok || target.partyID == "" || target.partyID != msg.PartyID {
		if sender != nil {
			sender.sendError(models.CodeNotFound, "recipient is not reachable")
		}
		return
	}
	if sender != nil && sender.partyID != msg.PartyID {
		sender.sendError(models.CodeAuth, "sender is not in that party")
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal signal frame")
		return
	}
	target.deliver(data)
}

func (c *Client) deliver(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer; the read pump notices the closed connection
		// and unregisters.
		c.logger.WithField("peer_id", c.peerID).Warn("Client send buffer full, closing")
		c.conn.Close()
	}
}

func (c *Client) sendError(code, message string) {
	frame := api.StreamMessage{
		Type:  api.MessageError,
		Error: &models.APIError{Code: code, Message: message},
	}
	if data, err := json.Marshal(frame); err == nil {
		c.deliver(data)
	}
}

// ServeWS upgrades the connection and performs the hello handshake. The
// first frame must be a hello carrying a valid token; anything else
// closes the connection with an error frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(helloWait))

	var hello api.StreamMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != api.MessageHello {
		writeErrorFrame(conn, models.CodeInvalid, "expected hello frame")
		conn.Close()
		return
	}

	peerID, err := h.validateTok(hello.Token)
	if err != nil || peerID != hello.PeerID {
		writeErrorFrame(conn, models.CodeAuth, "invalid or mismatched token")
		conn.Close()
		return
	}

	partyID, err := h.resolveParty(peerID)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to resolve party for stream client")
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		peerID:  peerID,
		partyID: partyID,
		logger:  h.logger,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func writeErrorFrame(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(api.StreamMessage{
		Type:  api.MessageError,
		Error: &models.APIError{Code: code, Message: message},
	})
}

// readPump consumes client frames. The only client-originated frame is
// signal; everything else is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg api.StreamMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("peer_id", c.peerID).Warn("Stream connection error")
			}
			return
		}

		if msg.Type != api.MessageSignal {
			continue
		}
		// The hub trusts the authenticated identity, not the frame.
		msg.From = c.peerID
		c.hub.enqueue(msg)
	}
}

// writePump pushes queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
