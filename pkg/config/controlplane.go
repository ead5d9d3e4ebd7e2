package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultControlServerURL is the placeholder shipped in example configs.
// A config that still carries it is treated as "no server configured" and
// the local file-backed control plane is used instead.
const DefaultControlServerURL = "https://lanrage.example.com"

// Control-plane timing defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleTTL          = 5 * time.Minute
	DefaultTokenTTL          = 24 * time.Hour
	DefaultReaperInterval    = 60 * time.Second
)

// ControlPlane holds the recognized control-plane options. The set is
// closed: anything else in the environment is ignored by this layer.
type ControlPlane struct {
	ControlServerURL  string
	KeysDir           string
	StateDir          string
	HeartbeatInterval time.Duration
	StaleTTL          time.Duration
	TokenTTL          time.Duration
	ReaperInterval    time.Duration
}

// LoadControlPlane binds the control-plane options from the environment.
func LoadControlPlane() ControlPlane {
	return ControlPlane{
		ControlServerURL:  GetEnv("CONTROL_SERVER_URL", ""),
		KeysDir:           GetEnv("KEYS_DIR", defaultDir("keys")),
		StateDir:          GetEnv("STATE_DIR", defaultDir("state")),
		HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		StaleTTL:          GetEnvDuration("STALE_TTL", DefaultStaleTTL),
		TokenTTL:          GetEnvDuration("TOKEN_TTL", DefaultTokenTTL),
		ReaperInterval:    GetEnvDuration("REAPER_INTERVAL", DefaultReaperInterval),
	}
}

// Remote reports whether a usable control server is configured. The
// documented placeholder does not count.
func (c ControlPlane) Remote() bool {
	return c.ControlServerURL != "" && c.ControlServerURL != DefaultControlServerURL
}

func defaultDir(sub string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "lanrage", sub)
}
