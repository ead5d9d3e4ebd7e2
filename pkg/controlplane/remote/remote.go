// Package remote implements the server-backed control plane. Every
// contract call translates to an HTTP request against the central
// server; a local shadow of party state absorbs streaming events and
// serves reads when the server is unreachable.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/clients"
	"github.com/coff33ninja/LANRage-sub004/pkg/clients/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
	"github.com/coff33ninja/LANRage-sub004/pkg/statefile"
)

const shadowFileName = "control_state.json"

// SignalHandler receives opaque signaling payloads routed to this peer.
type SignalHandler func(partyID, from string, data json.RawMessage)

// ControlPlane is the remote membership backend.
type ControlPlane struct {
	cfg    config.ControlPlane
	logger logging.Logger
	client *harbormaster.Client

	mu       sync.Mutex
	shadow   map[string]*models.PartyInfo
	peerID   string
	degraded bool

	persister *statefile.Persister

	streamMu     sync.Mutex
	stream       *harbormaster.Stream
	streamCancel context.CancelFunc
	streamFailed bool

	heartbeatMu      sync.Mutex
	heartbeatCancels map[string]context.CancelFunc

	signalHandler SignalHandler

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New constructs the remote control plane. No network I/O happens here.
func New(cfg config.ControlPlane, logger logging.Logger) *ControlPlane {
	cbConfig := clients.DefaultCircuitBreakerConfig()
	cbConfig.Name = "harbormaster"
	cbConfig.Logger = logger

	client := harbormaster.NewClient(harbormaster.Config{
		BaseURL:              cfg.ControlServerURL,
		Logger:               logger,
		CircuitBreakerConfig: &cbConfig,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &ControlPlane{
		cfg:              cfg,
		logger:           logger,
		client:           client,
		shadow:           make(map[string]*models.PartyInfo),
		persister:        statefile.NewPersister(filepath.Join(cfg.StateDir, shadowFileName), logger),
		heartbeatCancels: make(map[string]context.CancelFunc),
		rootCtx:          ctx,
		rootCancel:       cancel,
	}
}

// OnSignal registers the handler for incoming signal frames. Must be
// called before Initialize.
func (cp *ControlPlane) OnSignal(handler SignalHandler) {
	cp.signalHandler = handler
}

// Initialize loads the persisted shadow and starts the shadow reaper.
// Token registration is deferred to the first authenticated call because
// the token is bound to the acting peer id, which is not known until
// then.
func (cp *ControlPlane) Initialize(ctx context.Context) error {
	var loaded map[string]*models.PartyInfo
	err := statefile.LoadJSON(cp.persister.Path(), &loaded)
	switch {
	case err == nil:
		cp.mu.Lock()
		cp.shadow = models.SanitizeSnapshot(loaded)
		cp.mu.Unlock()
	case errors.Is(err, os.ErrNotExist):
	default:
		cp.logger.WithError(err).Warn("Shadow state unreadable, starting empty")
	}

	go cp.reapLoop()
	return nil
}

// Shutdown stops heartbeats and the stream, then flushes the shadow.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	cp.rootCancel()

	cp.heartbeatMu.Lock()
	for _, cancel := range cp.heartbeatCancels {
		cancel()
	}
	cp.heartbeatCancels = make(map[string]context.CancelFunc)
	cp.heartbeatMu.Unlock()

	cp.streamMu.Lock()
	if cp.streamCancel != nil {
		cp.streamCancel()
		cp.streamCancel = nil
	}
	cp.streamMu.Unlock()

	cp.persister.Close()
	return nil
}

// Degraded reports whether the last server round-trip failed and reads
// are being served from the shadow.
func (cp *ControlPlane) Degraded() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.degraded
}

func (cp *ControlPlane) RegisterParty(ctx context.Context, partyID, name string, host models.PeerInfo) (*models.PartyInfo, error) {
	if err := host.Validate(); err != nil {
		return nil, err
	}
	if partyID == "" {
		var err error
		if partyID, err = models.GeneratePartyID(); err != nil {
			return nil, err
		}
	} else if err := models.ValidatePartyID(partyID); err != nil {
		return nil, err
	}

	if err := cp.ensureToken(ctx, host.PeerID); err != nil {
		return nil, err
	}

	party, err := cp.client.CreateParty(ctx, partyID, name, host)
	if err != nil {
		return nil, cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.storeParty(party)
	cp.startHeartbeat(partyID, host.PeerID)
	cp.startStream(host.PeerID)
	return party, nil
}

func (cp *ControlPlane) JoinParty(ctx context.Context, partyID string, peer models.PeerInfo) (*models.PartyInfo, error) {
	if err := peer.Validate(); err != nil {
		return nil, err
	}
	if err := cp.ensureToken(ctx, peer.PeerID); err != nil {
		return nil, err
	}

	party, err := cp.client.JoinParty(ctx, partyID, peer)
	if err != nil {
		return nil, cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.storeParty(party)
	cp.startHeartbeat(partyID, peer.PeerID)
	cp.startStream(peer.PeerID)
	return party, nil
}

func (cp *ControlPlane) LeaveParty(ctx context.Context, partyID, peerID string) error {
	cp.stopHeartbeat(partyID)

	err := cp.client.LeaveParty(ctx, partyID, peerID)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			// Apply locally; the server reaper converges once it is
			// reachable again.
			cp.removePeerFromShadow(partyID, peerID)
			cp.noteOutcome(err)
			return nil
		}
		return cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.removePeerFromShadow(partyID, peerID)
	return nil
}

func (cp *ControlPlane) UpdatePeer(ctx context.Context, partyID string, peer models.PeerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}

	// Updates apply only to current members; the join path below would
	// otherwise admit the peer instead.
	current, err := cp.GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	if _, ok := current.Peers[peer.PeerID]; !ok {
		return fmt.Errorf("%w: peer %s is not in party %s", models.ErrNotFound, peer.PeerID, partyID)
	}

	// The server applies updates through the idempotent join path.
	party, err := cp.client.JoinParty(ctx, partyID, peer)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			cp.updatePeerInShadow(partyID, peer)
			cp.noteOutcome(err)
			return nil
		}
		return cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.storeParty(party)
	return nil
}

func (cp *ControlPlane) GetParty(ctx context.Context, partyID string) (*models.PartyInfo, error) {
	party, err := cp.client.GetParty(ctx, partyID)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			if cached := cp.shadowParty(partyID); cached != nil {
				cp.noteOutcome(err)
				return cached, nil
			}
		}
		return nil, cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.storeParty(party)
	return party, nil
}

func (cp *ControlPlane) GetPeers(ctx context.Context, partyID string) ([]models.PeerInfo, error) {
	party, err := cp.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}

	peers := make([]models.PeerInfo, 0, len(party.Peers))
	for _, peer := range party.Peers {
		peers = append(peers, peer)
	}
	return peers, nil
}

func (cp *ControlPlane) DiscoverPeer(ctx context.Context, partyID, peerID string) (*models.PeerInfo, error) {
	peer, err := cp.client.DiscoverPeer(ctx, partyID, peerID)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			if cached := cp.shadowParty(partyID); cached != nil {
				if p, ok := cached.Peers[peerID]; ok {
					cp.noteOutcome(err)
					return &p, nil
				}
			}
		}
		return nil, cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)
	return peer, nil
}

func (cp *ControlPlane) Heartbeat(ctx context.Context, partyID, peerID string) error {
	if err := cp.client.Heartbeat(ctx, partyID, peerID); err != nil {
		return cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)
	cp.touchShadowPeer(partyID, peerID)
	return nil
}

// SendSignal routes an opaque payload to another peer via the stream.
func (cp *ControlPlane) SendSignal(partyID, to string, data json.RawMessage) error {
	cp.streamMu.Lock()
	stream := cp.stream
	failed := cp.streamFailed
	cp.streamMu.Unlock()

	if failed || stream == nil {
		return fmt.Errorf("%w: event stream is down", models.ErrUnavailable)
	}
	return stream.SendSignal(partyID, to, data)
}

// ensureToken registers with the server on first use and remembers the
// acting peer id.
func (cp *ControlPlane) ensureToken(ctx context.Context, peerID string) error {
	cp.mu.Lock()
	if cp.client.Token() != "" && cp.peerID == peerID {
		cp.mu.Unlock()
		return nil
	}
	cp.mu.Unlock()

	if _, err := cp.client.RegisterToken(ctx, peerID); err != nil {
		return cp.noteOutcome(err)
	}
	cp.noteOutcome(nil)

	cp.mu.Lock()
	cp.peerID = peerID
	cp.mu.Unlock()
	return nil
}

// noteOutcome tracks degraded mode: any ErrUnavailable enters it, any
// success clears it. Returns err unchanged for call-site convenience.
func (cp *ControlPlane) noteOutcome(err error) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	switch {
	case err == nil:
		if cp.degraded {
			cp.degraded = false
			cp.logger.Info("Control server reachable again, leaving degraded mode")
		}
	case errors.Is(err, models.ErrUnavailable):
		if !cp.degraded {
			cp.degraded = true
			cp.logger.Warn("Control server unreachable, entering degraded mode")
		}
	}
	return err
}

func (cp *ControlPlane) storeParty(party *models.PartyInfo) {
	if party == nil {
		return
	}
	cp.mu.Lock()
	cp.shadow[party.PartyID] = party.Clone()
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()
	cp.persister.QueueWrite(snapshot)
}

func (cp *ControlPlane) removePeerFromShadow(partyID, peerID string) {
	cp.mu.Lock()
	if party, ok := cp.shadow[partyID]; ok {
		delete(party.Peers, peerID)
		if len(party.Peers) == 0 {
			delete(cp.shadow, partyID)
		}
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()
	cp.persister.QueueWrite(snapshot)
}

func (cp *ControlPlane) updatePeerInShadow(partyID string, peer models.PeerInfo) {
	peer.Touch(time.Now().UTC())
	cp.mu.Lock()
	if party, ok := cp.shadow[partyID]; ok {
		party.Peers[peer.PeerID] = peer
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()
	cp.persister.QueueWrite(snapshot)
}

// touchShadowPeer refreshes last_seen in the shadow so reads stay
// monotonic even when the next snapshot comes from disk.
func (cp *ControlPlane) touchShadowPeer(partyID, peerID string) {
	now := time.Now().UTC()
	cp.mu.Lock()
	if party, ok := cp.shadow[partyID]; ok {
		if peer, ok := party.Peers[peerID]; ok {
			peer.Touch(now)
			party.Peers[peerID] = peer
		}
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()
	cp.persister.QueueWrite(snapshot)
}

func (cp *ControlPlane) shadowParty(partyID string) *models.PartyInfo {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if party, ok := cp.shadow[partyID]; ok {
		return party.Clone()
	}
	return nil
}

func (cp *ControlPlane) snapshotLocked() map[string]*models.PartyInfo {
	snapshot := make(map[string]*models.PartyInfo, len(cp.shadow))
	for id, party := range cp.shadow {
		snapshot[id] = party.Clone()
	}
	return snapshot
}

// startHeartbeat drives the shared heartbeat loop through this backend's
// Heartbeat, so every beat also refreshes the shadow.
func (cp *ControlPlane) startHeartbeat(partyID, peerID string) {
	cp.heartbeatMu.Lock()
	defer cp.heartbeatMu.Unlock()

	if _, running := cp.heartbeatCancels[partyID]; running {
		return
	}
	ctx, cancel := context.WithCancel(cp.rootCtx)
	cp.heartbeatCancels[partyID] = cancel

	done := harbormaster.RunHeartbeat(ctx, cp.logger, partyID, peerID, cp.cfg.HeartbeatInterval,
		func(ctx context.Context) error {
			return cp.Heartbeat(ctx, partyID, peerID)
		})
	go func() {
		<-done
		cp.stopHeartbeat(partyID)
	}()
}

// reapLoop ages the shadow so degraded reads honor the same liveness
// window as the server.
func (cp *ControlPlane) reapLoop() {
	interval := cp.cfg.ReaperInterval
	if interval <= 0 {
		interval = config.DefaultReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.rootCtx.Done():
			return
		case <-ticker.C:
			cp.reapShadow(time.Now().UTC())
		}
	}
}

// reapShadow drops shadow peers that missed their liveness window, then
// parties left empty.
func (cp *ControlPlane) reapShadow(now time.Time) {
	ttl := cp.cfg.StaleTTL
	if ttl <= 0 {
		ttl = config.DefaultStaleTTL
	}

	cp.mu.Lock()
	var reapedPeers, reapedParties int
	for partyID, party := range cp.shadow {
		for peerID, peer := range party.Peers {
			if peer.Stale(now, ttl) {
				delete(party.Peers, peerID)
				reapedPeers++
			}
		}
		if len(party.Peers) == 0 {
			delete(cp.shadow, partyID)
			reapedParties++
		}
	}

	if reapedPeers == 0 && reapedParties == 0 {
		cp.mu.Unlock()
		return
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()

	cp.logger.WithFields(logging.Fields{
		"stale_peers":   reapedPeers,
		"empty_parties": reapedParties,
	}).Info("Reaped stale shadow entries")
	cp.persister.QueueWrite(snapshot)
}

func (cp *ControlPlane) stopHeartbeat(partyID string) {
	cp.heartbeatMu.Lock()
	defer cp.heartbeatMu.Unlock()
	if cancel, ok := cp.heartbeatCancels[partyID]; ok {
		cancel()
		delete(cp.heartbeatCancels, partyID)
	}
}

// startStream brings up the event stream once per session. A stream
// that exhausts its reconnect budget is never restarted; the contract
// keeps working over HTTP.
func (cp *ControlPlane) startStream(peerID string) {
	cp.streamMu.Lock()
	defer cp.streamMu.Unlock()

	if cp.stream != nil || cp.streamFailed {
		return
	}

	stream := harbormaster.NewStream(harbormaster.StreamConfig{
		BaseURL: cp.client.BaseURL(),
		Token:   cp.client.Token(),
		PeerID:  peerID,
		Logger:  cp.logger,
	})
	ctx, cancel := context.WithCancel(cp.rootCtx)
	cp.stream = stream
	cp.streamCancel = cancel

	go cp.consumeStream(ctx, stream)
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			cp.logger.WithError(err).Warn("Event stream stopped")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-stream.Failed():
			cp.streamMu.Lock()
			cp.streamFailed = true
			cp.streamMu.Unlock()
			cp.logger.Warn("Event stream failed for good, falling back to HTTP")
		}
	}()
}

// consumeStream is the single worker applying stream events to the
// shadow, strictly in arrival order.
func (cp *ControlPlane) consumeStream(ctx context.Context, stream *harbormaster.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			cp.applyStreamMessage(msg)
		}
	}
}

func (cp *ControlPlane) applyStreamMessage(msg api.StreamMessage) {
	switch msg.Type {
	case api.MessagePartyUpdate:
		cp.storeParty(msg.Party)
	case api.MessagePeerJoined:
		if msg.Peer != nil {
			cp.mu.Lock()
			if party, ok := cp.shadow[msg.PartyID]; ok {
				party.Peers[msg.Peer.PeerID] = *msg.Peer
			}
			snapshot := cp.snapshotLocked()
			cp.mu.Unlock()
			cp.persister.QueueWrite(snapshot)
		}
	case api.MessagePeerLeft:
		cp.removePeerFromShadow(msg.PartyID, msg.PeerID)
	case api.MessageSignal:
		if cp.signalHandler != nil {
			cp.signalHandler(msg.PartyID, msg.From, msg.Data)
		}
	case api.MessageError:
		if msg.Error != nil && msg.Error.Code == models.CodeAuth {
			cp.logger.WithFields(logging.Fields{
				"code":    msg.Error.Code,
				"message": msg.Error.Message,
			}).Error("Event stream rejected our credentials, closing")
			cp.streamMu.Lock()
			if cp.streamCancel != nil {
				cp.streamCancel()
			}
			cp.streamMu.Unlock()
		}
	}
}
