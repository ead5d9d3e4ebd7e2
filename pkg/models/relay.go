package models

import "time"

// RelayInfo represents a data-plane relay registration. The control plane
// only stores relay metadata; forwarding is out of its hands.
type RelayInfo struct {
	RelayID      string    `json:"relay_id"`
	Region       string    `json:"region"`
	EndpointIP   string    `json:"endpoint_ip"`
	EndpointPort int       `json:"endpoint_port"`
	Capacity     int       `json:"capacity"`
	CurrentLoad  int       `json:"current_load"`
	LastSeen     time.Time `json:"last_seen"`
}

// Validate checks the fields required to make a relay reachable.
func (r *RelayInfo) Validate() error {
	if r.Region == "" {
		return ErrorForCode(CodeInvalid, "relay region is required")
	}
	if r.EndpointIP == "" || r.EndpointPort <= 0 {
		return ErrorForCode(CodeInvalid, "relay endpoint is required")
	}
	return nil
}
