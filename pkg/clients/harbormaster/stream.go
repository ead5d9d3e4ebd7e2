package harbormaster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
)

// Stream reconnect schedule: delays double from StreamReconnectDelay up
// to StreamMaxReconnects consecutive failures, then the stream gives up
// for good and the owner falls back to HTTP polling.
const (
	StreamReconnectDelay = 1 * time.Second
	StreamMaxReconnects  = 5
)

// Stream is the WebSocket client for the Harbormaster event stream. One
// goroutine (Run) owns the connection and the reconnect schedule; frames
// are delivered on a single channel for one consumer.
type Stream struct {
	baseURL string
	token   string
	peerID  string
	logger  logging.Logger

	reconnectDelay time.Duration
	maxReconnects  int

	messageChan chan api.StreamMessage
	failedChan  chan struct{}
	failedOnce  sync.Once

	mutex     sync.RWMutex
	conn      *websocket.Conn
	connected bool
}

// StreamConfig represents the configuration for the event stream client
type StreamConfig struct {
	BaseURL        string
	Token          string
	PeerID         string
	Logger         logging.Logger
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// NewStream creates a stream client. No connection is made until Run.
func NewStream(config StreamConfig) *Stream {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = StreamReconnectDelay
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = StreamMaxReconnects
	}

	return &Stream{
		baseURL:        config.BaseURL,
		token:          config.Token,
		peerID:         config.PeerID,
		logger:         config.Logger,
		reconnectDelay: config.ReconnectDelay,
		maxReconnects:  config.MaxReconnects,
		messageChan:    make(chan api.StreamMessage, 100),
		failedChan:     make(chan struct{}),
	}
}

// Messages returns the channel delivering stream frames. It is closed
// when Run returns.
func (s *Stream) Messages() <-chan api.StreamMessage {
	return s.messageChan
}

// Failed returns a channel that closes once the reconnect budget is
// exhausted. After that the stream never recovers on its own.
func (s *Stream) Failed() <-chan struct{} {
	return s.failedChan
}

// IsConnected reports whether a connection is currently established.
func (s *Stream) IsConnected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

// Run connects and reads frames until the context is cancelled or the
// reconnect budget is exhausted. Each successful connection resets the
// budget. Run closes the message channel on return.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.messageChan)

	failures := 0
	for {
		if err := s.connect(ctx); err != nil {
			failures++
			if failures > s.maxReconnects {
				s.markFailed()
				return fmt.Errorf("event stream gave up after %d failed connects: %w", failures-1, err)
			}

			delay := s.reconnectDelay << (failures - 1)
			s.logger.WithError(err).WithFields(logging.Fields{
				"attempt":     failures,
				"retry_after": delay,
			}).Warn("Event stream connect failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		err := s.readLoop(ctx)
		s.disconnect()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WithError(err).Warn("Event stream disconnected, reconnecting")
		failures++

		delay := s.reconnectDelay
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// SendSignal routes an opaque payload to one peer in the party through
// the server.
func (s *Stream) SendSignal(partyID, to string, data json.RawMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.connected || s.conn == nil {
		return fmt.Errorf("event stream is not connected")
	}

	msg := api.StreamMessage{
		Type:    api.MessageSignal,
		PartyID: partyID,
		From:    s.peerID,
		To:      to,
		Data:    data,
	}

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

// connect dials the websocket endpoint and performs the hello exchange.
func (s *Stream) connect(ctx context.Context) error {
	wsURL, err := s.buildWebSocketURL("/ws")
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status: %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	hello := api.StreamMessage{
		Type:   api.MessageHello,
		Token:  s.token,
		PeerID: s.peerID,
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	s.mutex.Lock()
	s.conn = conn
	s.connected = true
	s.mutex.Unlock()

	s.logger.WithFields(logging.Fields{
		"peer_id": s.peerID,
	}).Info("Connected to event stream")
	return nil
}

// readLoop reads frames until the connection drops or ctx is cancelled.
func (s *Stream) readLoop(ctx context.Context) error {
	conn := s.currentConn()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	// Unblock ReadJSON when the context goes away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("websocket read error: %w", err)
			}
			return err
		}

		if msg.Type == api.MessageError && msg.Error != nil {
			s.logger.WithFields(logging.Fields{
				"code":    msg.Error.Code,
				"message": msg.Error.Message,
			}).Warn("Event stream error frame")
		}

		select {
		case s.messageChan <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.logger.Warn("Message channel full, dropping frame")
		}
	}
}

func (s *Stream) currentConn() *websocket.Conn {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.conn
}

func (s *Stream) disconnect() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

func (s *Stream) markFailed() {
	s.failedOnce.Do(func() { close(s.failedChan) })
}

// buildWebSocketURL converts the HTTP base URL to its ws/wss equivalent.
func (s *Stream) buildWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}

	wsURL := &url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   endpoint,
	}
	return wsURL.String(), nil
}
