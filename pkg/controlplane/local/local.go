// Package local implements the file-backed control plane. All membership
// state lives in one mutex-guarded map; mutations queue a write-behind
// persist and refresh the same-host discovery file.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
	"github.com/coff33ninja/LANRage-sub004/pkg/statefile"
)

const (
	stateFileName     = "control_state.json"
	discoveryFileName = "discovery.json"
)

// ControlPlane is the local, single-host membership backend.
type ControlPlane struct {
	cfg    config.ControlPlane
	logger logging.Logger

	mu      sync.Mutex
	parties map[string]*models.PartyInfo

	persister     *statefile.Persister
	discoveryPath string

	advertiseMu   sync.Mutex
	advertisedIDs map[string]bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New constructs the local control plane. No disk I/O happens here;
// Initialize loads state and starts the reaper.
func New(cfg config.ControlPlane, logger logging.Logger) *ControlPlane {
	statePath := filepath.Join(cfg.StateDir, stateFileName)
	return &ControlPlane{
		cfg:           cfg,
		logger:        logger,
		parties:       make(map[string]*models.PartyInfo),
		persister:     statefile.NewPersister(statePath, logger),
		discoveryPath: filepath.Join(cfg.StateDir, discoveryFileName),
		advertisedIDs: make(map[string]bool),
		stopReaper:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
}

// Initialize loads the persisted snapshot and starts the reaper. A
// missing or corrupt state file is not fatal; we warn and start empty.
func (cp *ControlPlane) Initialize(ctx context.Context) error {
	var loaded map[string]*models.PartyInfo
	err := statefile.LoadJSON(cp.persister.Path(), &loaded)
	switch {
	case err == nil:
		cp.mu.Lock()
		cp.parties = models.SanitizeSnapshot(loaded)
		n := len(cp.parties)
		cp.mu.Unlock()
		cp.logger.WithFields(logging.Fields{
			"parties": n,
			"path":    cp.persister.Path(),
		}).Info("Loaded control plane state")
	case errors.Is(err, os.ErrNotExist):
		// First run.
	default:
		cp.logger.WithError(err).Warn("State file unreadable, starting empty")
	}

	go cp.reaperLoop()
	return nil
}

// Shutdown stops the reaper and flushes pending state to disk.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	close(cp.stopReaper)
	select {
	case <-cp.reaperDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	cp.persister.Close()
	return nil
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

	now := time.Now().UTC()
	host.Touch(now)

	cp.mu.Lock()
	if _, exists := cp.parties[partyID]; exists {
		cp.mu.Unlock()
		return nil, fmt.Errorf("%w: party %s", models.ErrConflict, partyID)
	}

	party := &models.PartyInfo{
		PartyID:   partyID,
		Name:      name,
		HostID:    host.PeerID,
		CreatedAt: now,
		Peers:     map[string]models.PeerInfo{host.PeerID: host},
	}
	cp.parties[partyID] = party
	snapshot := cp.snapshotLocked()
	out := party.Clone()
	cp.mu.Unlock()

	cp.persistAndAdvertise(snapshot)
	cp.logger.WithFields(logging.Fields{
		"party_id": partyID,
		"host_id":  host.PeerID,
	}).Info("Registered party")
	return out, nil
}

func (cp *ControlPlane) JoinParty(ctx context.Context, partyID string, peer models.PeerInfo) (*models.PartyInfo, error) {
	if err := peer.Validate(); err != nil {
		return nil, err
	}
	peer.Touch(time.Now().UTC())

	cp.mu.Lock()
	party, ok := cp.parties[partyID]
	if !ok {
		cp.mu.Unlock()
		return nil, fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}

	// Rejoin with a known peer_id replaces the record.
	party.Peers[peer.PeerID] = peer
	snapshot := cp.snapshotLocked()
	out := party.Clone()
	cp.mu.Unlock()

	cp.persistAndAdvertise(snapshot)
	cp.logger.WithFields(logging.Fields{
		"party_id": partyID,
		"peer_id":  peer.PeerID,
	}).Info("Peer joined party")
	return out, nil
}

func (cp *ControlPlane) LeaveParty(ctx context.Context, partyID, peerID string) error {
	cp.mu.Lock()
	party, ok := cp.parties[partyID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}
	if _, ok := party.Peers[peerID]; !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: peer %s in party %s", models.ErrNotFound, peerID, partyID)
	}

	delete(party.Peers, peerID)
	if len(party.Peers) == 0 {
		delete(cp.parties, partyID)
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()

	cp.persistAndAdvertise(snapshot)
	cp.logger.WithFields(logging.Fields{
		"party_id": partyID,
		"peer_id":  peerID,
	}).Info("Peer left party")
	return nil
}

func (cp *ControlPlane) UpdatePeer(ctx context.Context, partyID string, peer models.PeerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	peer.Touch(time.Now().UTC())

	cp.mu.Lock()
	party, ok := cp.parties[partyID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}
	if _, ok := party.Peers[peer.PeerID]; !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: peer %s in party %s", models.ErrNotFound, peer.PeerID, partyID)
	}

	party.Peers[peer.PeerID] = peer
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()

	cp.persister.QueueWrite(snapshot)
	return nil
}

func (cp *ControlPlane) GetParty(ctx context.Context, partyID string) (*models.PartyInfo, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	party, ok := cp.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}
	return party.Clone(), nil
}

func (cp *ControlPlane) GetPeers(ctx context.Context, partyID string) ([]models.PeerInfo, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	party, ok := cp.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}

	peers := make([]models.PeerInfo, 0, len(party.Peers))
	for _, peer := range party.Peers {
		peers = append(peers, peer)
	}
	return peers, nil
}

func (cp *ControlPlane) DiscoverPeer(ctx context.Context, partyID, peerID string) (*models.PeerInfo, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	party, ok := cp.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}
	peer, ok := party.Peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: peer %s in party %s", models.ErrNotFound, peerID, partyID)
	}
	return &peer, nil
}

func (cp *ControlPlane) Heartbeat(ctx context.Context, partyID, peerID string) error {
	cp.mu.Lock()
	party, ok := cp.parties[partyID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: party %s", models.ErrNotFound, partyID)
	}
	peer, ok := party.Peers[peerID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: peer %s in party %s", models.ErrNotFound, peerID, partyID)
	}

	peer.Touch(time.Now().UTC())
	party.Peers[peerID] = peer
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()

	cp.persister.QueueWrite(snapshot)
	return nil
}

// DiscoverParties re-reads the shared discovery file and returns every
// party currently advertised on this host, including those registered by
// other processes.
func (cp *ControlPlane) DiscoverParties(ctx context.Context) ([]models.PartyInfo, error) {
	var advertised map[string]models.PartyInfo
	if err := statefile.LoadJSON(cp.discoveryPath, &advertised); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read discovery file: %w", err)
	}

	parties := make([]models.PartyInfo, 0, len(advertised))
	for _, party := range advertised {
		parties = append(parties, party)
	}
	return parties, nil
}

// snapshotLocked deep-copies the party map for persistence. Caller holds
// the mutex.
func (cp *ControlPlane) snapshotLocked() map[string]*models.PartyInfo {
	snapshot := make(map[string]*models.PartyInfo, len(cp.parties))
	for id, party := range cp.parties {
		snapshot[id] = party.Clone()
	}
	return snapshot
}

// persistAndAdvertise queues a state write and merges this instance's
// parties into the shared discovery file. Entries advertised by other
// processes are kept unless every peer in them is past the liveness
// window. Discovery failures are logged, never surfaced; the in-memory
// map stays authoritative.
func (cp *ControlPlane) persistAndAdvertise(snapshot map[string]*models.PartyInfo) {
	cp.persister.QueueWrite(snapshot)

	cp.advertiseMu.Lock()
	defer cp.advertiseMu.Unlock()

	advertised := make(map[string]models.PartyInfo)
	if err := statefile.LoadJSON(cp.discoveryPath, &advertised); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			cp.logger.WithError(err).Warn("Discarding unreadable discovery file")
		}
		advertised = make(map[string]models.PartyInfo)
	}

	now := time.Now().UTC()
	ttl := cp.cfg.StaleTTL
	if ttl <= 0 {
		ttl = config.DefaultStaleTTL
	}
	for id, party := range advertised {
		if _, ours := snapshot[id]; ours {
			continue
		}
		if cp.advertisedIDs[id] || partyDead(party, now, ttl) {
			delete(advertised, id)
		}
	}

	cp.advertisedIDs = make(map[string]bool, len(snapshot))
	for id, party := range snapshot {
		advertised[id] = *party
		cp.advertisedIDs[id] = true
	}

	if err := statefile.WriteJSONAtomic(cp.discoveryPath, advertised); err != nil {
		cp.logger.WithError(err).WithField("path", cp.discoveryPath).Warn("Failed to update discovery file")
	}
}

// partyDead reports whether every peer in an advertised party has missed
// its liveness window.
func partyDead(party models.PartyInfo, now time.Time, ttl time.Duration) bool {
	for _, peer := range party.Peers {
		if !peer.Stale(now, ttl) {
			return false
		}
	}
	return true
}

func (cp *ControlPlane) reaperLoop() {
	defer close(cp.reaperDone)

	interval := cp.cfg.ReaperInterval
	if interval <= 0 {
		interval = config.DefaultReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stopReaper:
			return
		case <-ticker.C:
			cp.reapStale(time.Now().UTC())
		}
	}
}

// reapStale drops peers that missed their liveness window, then parties
// left empty.
func (cp *ControlPlane) reapStale(now time.Time) {
	ttl := cp.cfg.StaleTTL
	if ttl <= 0 {
		ttl = config.DefaultStaleTTL
	}

	cp.mu.Lock()
	var reapedPeers, reapedParties int
	for partyID, party := range cp.parties {
		for peerID, peer := range party.Peers {
			if peer.Stale(now, ttl) {
				delete(party.Peers, peerID)
				reapedPeers++
			}
		}
		if len(party.Peers) == 0 {
			delete(cp.parties, partyID)
			reapedParties++
		}
	}

	if reapedPeers == 0 && reapedParties == 0 {
		cp.mu.Unlock()
		return
	}
	snapshot := cp.snapshotLocked()
	cp.mu.Unlock()

	cp.persistAndAdvertise(snapshot)
	cp.logger.WithFields(logging.Fields{
		"stale_peers":   reapedPeers,
		"empty_parties": reapedParties,
	}).Info("Reaped stale control plane entries")
}
