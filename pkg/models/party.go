package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// NAT types a peer can report. Anything else is rejected at validation.
const (
	NATOpen               = "open"
	NATFullCone           = "full_cone"
	NATRestrictedCone     = "restricted_cone"
	NATPortRestrictedCone = "port_restricted_cone"
	NATSymmetric          = "symmetric"
	NATUnknown            = "unknown"
)

var natTypes = map[string]bool{
	NATOpen:               true,
	NATFullCone:           true,
	NATRestrictedCone:     true,
	NATPortRestrictedCone: true,
	NATSymmetric:          true,
	NATUnknown:            true,
}

var partyIDPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// PeerInfo represents one participant within a party. The public key and
// NAT metadata are opaque to the control plane; it only stores and
// distributes them.
type PeerInfo struct {
	PeerID     string    `json:"peer_id"`
	Name       string    `json:"name"`
	PublicKey  string    `json:"public_key"`
	NATType    string    `json:"nat_type"`
	PublicIP   string    `json:"public_ip"`
	PublicPort int       `json:"public_port"`
	LocalIP    string    `json:"local_ip"`
	LocalPort  int       `json:"local_port"`
	LastSeen   time.Time `json:"last_seen"`
}

// PartyInfo represents a virtual LAN: a named set of peers keyed by peer_id.
type PartyInfo struct {
	PartyID   string              `json:"party_id"`
	Name      string              `json:"name"`
	HostID    string              `json:"host_id"`
	CreatedAt time.Time           `json:"created_at"`
	Peers     map[string]PeerInfo `json:"peers"`
}

// GeneratePartyID returns a fresh 12-hex-character party identifier built
// from 6 cryptographically random bytes. Callers must regenerate on an
// insertion collision.
func GeneratePartyID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate party id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ValidatePartyID checks the 12-hex-character identifier shape.
func ValidatePartyID(id string) error {
	if !partyIDPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed party id %q", ErrInvalid, id)
	}
	return nil
}

// Validate checks the fields the control plane cares about. An empty
// nat_type is normalized to unknown; an unrecognized one is rejected.
func (p *PeerInfo) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("%w: peer id is required", ErrInvalid)
	}
	if p.NATType == "" {
		p.NATType = NATUnknown
	}
	if !natTypes[p.NATType] {
		return fmt.Errorf("%w: unknown nat_type %q", ErrInvalid, p.NATType)
	}
	return nil
}

// Touch refreshes last_seen, keeping it monotonically non-decreasing.
func (p *PeerInfo) Touch(now time.Time) {
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
}

// Stale reports whether the peer has missed its liveness window.
func (p *PeerInfo) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeen) > ttl
}

// SanitizeSnapshot makes a loaded snapshot safe to mutate: nil parties
// are dropped and nil peer maps are replaced. State files are plain JSON
// and can carry both after hand edits or partial writes.
func SanitizeSnapshot(parties map[string]*PartyInfo) map[string]*PartyInfo {
	out := make(map[string]*PartyInfo, len(parties))
	for id, party := range parties {
		if party == nil {
			continue
		}
		if party.Peers == nil {
			party.Peers = make(map[string]PeerInfo)
		}
		out[id] = party
	}
	return out
}

// Clone returns a deep copy of the party so callers can hand out
// snapshots without exposing the owned map.
func (pi *PartyInfo) Clone() *PartyInfo {
	if pi == nil {
		return nil
	}
	out := *pi
	out.Peers = make(map[string]PeerInfo, len(pi.Peers))
	for id, peer := range pi.Peers {
		out.Peers[id] = peer
	}
	return &out
}
