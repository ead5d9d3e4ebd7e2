package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
	"github.com/coff33ninja/LANRage-sub004/pkg/statefile"
)

// fakeServer is a minimal in-memory control server for driving the
// remote backend through its paces.
type fakeServer struct {
	mu       sync.Mutex
	parties  map[string]*models.PartyInfo
	upgrader websocket.Upgrader
	wsConns  chan *websocket.Conn
	noWS     bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		parties:  make(map[string]*models.PartyInfo),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		wsConns:  make(chan *websocket.Conn, 4),
	}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.RegisterTokenResponse{
			Token:     "lrt_test",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/parties", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreatePartyRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		party := &models.PartyInfo{
			PartyID:   req.PartyID,
			Name:      req.Name,
			HostID:    req.Host.PeerID,
			CreatedAt: time.Now().UTC(),
			Peers:     map[string]models.PeerInfo{req.Host.PeerID: req.Host},
		}
		f.parties[req.PartyID] = party
		out := party.Clone()
		f.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if f.noWS {
			http.Error(w, "streaming disabled", http.StatusBadRequest)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello api.StreamMessage
		if err := conn.ReadJSON(&hello); err != nil {
			conn.Close()
			return
		}
		f.wsConns <- conn
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// GET /parties/{id} and friends.
		f.mu.Lock()
		defer f.mu.Unlock()
		for id, party := range f.parties {
			switch r.URL.Path {
			case "/parties/" + id:
				json.NewEncoder(w).Encode(party.Clone())
				return
			case "/parties/" + id + "/join":
				var req api.JoinPartyRequest
				json.NewDecoder(r.Body).Decode(&req)
				party.Peers[req.Peer.PeerID] = req.Peer
				json.NewEncoder(w).Encode(party.Clone())
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(models.ErrorResponse{
			Error: models.APIError{Code: models.CodeNotFound, Message: "party not found"},
		})
	})
	return mux
}

func testRemote(t *testing.T, serverURL string) *ControlPlane {
	t.Helper()
	cfg := config.ControlPlane{
		ControlServerURL:  serverURL,
		StateDir:          t.TempDir(),
		HeartbeatInterval: time.Hour,
		StaleTTL:          config.DefaultStaleTTL,
	}
	cp := New(cfg, logging.NewLoggerWithService("remote-test"))
	require.NoError(t, cp.Initialize(context.Background()))
	t.Cleanup(func() { cp.Shutdown(context.Background()) })
	return cp
}

func hostPeer() models.PeerInfo {
	return models.PeerInfo{PeerID: "peer-h", Name: "Host", PublicKey: "K1", NATType: models.NATFullCone}
}

func TestRegisterPartyAgainstServer(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cp := testRemote(t, srv.URL)

	party, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)
	assert.Equal(t, "peer-h", party.HostID)
	assert.False(t, cp.Degraded())

	// The shadow now carries the party too.
	cached := cp.shadowParty("a1b2c3d4e5f6")
	require.NotNil(t, cached)
	assert.Equal(t, "Friday", cached.Name)
}

func TestDegradedModeServesShadowReads(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())

	cp := testRemote(t, srv.URL)
	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	srv.Close()

	party, err := cp.GetParty(context.Background(), "a1b2c3d4e5f6")
	require.NoError(t, err, "shadow must answer while the server is down")
	assert.Equal(t, "Friday", party.Name)
	assert.True(t, cp.Degraded())

	peer, err := cp.DiscoverPeer(context.Background(), "a1b2c3d4e5f6", "peer-h")
	require.NoError(t, err)
	assert.Equal(t, "K1", peer.PublicKey)
}

func TestUnknownPartyNotMaskedByShadow(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cp := testRemote(t, srv.URL)
	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	_, err = cp.GetParty(context.Background(), "000000000000")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, cp.Degraded(), "a definitive 404 is not an outage")
}

func TestStreamEventsUpdateShadow(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cp := testRemote(t, srv.URL)
	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	var conn *websocket.Conn
	select {
	case conn = <-fake.wsConns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never opened the event stream")
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.StreamMessage{
		Type:    api.MessagePeerJoined,
		PartyID: "a1b2c3d4e5f6",
		Peer:    &models.PeerInfo{PeerID: "peer-j", Name: "Joiner", NATType: models.NATRestrictedCone},
	}))

	require.Eventually(t, func() bool {
		cached := cp.shadowParty("a1b2c3d4e5f6")
		if cached == nil {
			return false
		}
		_, ok := cached.Peers["peer-j"]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "peer_joined event not applied to shadow")

	require.NoError(t, conn.WriteJSON(api.StreamMessage{
		Type:    api.MessagePeerLeft,
		PartyID: "a1b2c3d4e5f6",
		PeerID:  "peer-j",
	}))

	require.Eventually(t, func() bool {
		cached := cp.shadowParty("a1b2c3d4e5f6")
		if cached == nil {
			return false
		}
		_, ok := cached.Peers["peer-j"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "peer_left event not applied to shadow")
}

func TestSignalFramesReachHandler(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	signals := make(chan json.RawMessage, 1)
	cp := testRemote(t, srv.URL)
	cp.OnSignal(func(partyID, from string, data json.RawMessage) {
		signals <- data
	})

	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	var conn *websocket.Conn
	select {
	case conn = <-fake.wsConns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never opened the event stream")
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.StreamMessage{
		Type:    api.MessageSignal,
		PartyID: "a1b2c3d4e5f6",
		From:    "peer-j",
		To:      "peer-h",
		Data:    json.RawMessage(`{"sdp":"offer"}`),
	}))

	select {
	case data := <-signals:
		assert.JSONEq(t, `{"sdp":"offer"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("signal never reached the handler")
	}
}

func TestUpdatePeerRequiresMembership(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cp := testRemote(t, srv.URL)
	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	stranger := models.PeerInfo{PeerID: "peer-x", NATType: models.NATOpen}
	err = cp.UpdatePeer(context.Background(), "a1b2c3d4e5f6", stranger)
	assert.ErrorIs(t, err, models.ErrNotFound, "updating a non-member must not admit it")

	cached := cp.shadowParty("a1b2c3d4e5f6")
	require.NotNil(t, cached)
	assert.NotContains(t, cached.Peers, "peer-x")

	// An actual member updates through the same call.
	updated := hostPeer()
	updated.PublicIP = "203.0.113.9"
	require.NoError(t, cp.UpdatePeer(context.Background(), "a1b2c3d4e5f6", updated))

	cached = cp.shadowParty("a1b2c3d4e5f6")
	require.NotNil(t, cached)
	assert.Equal(t, "203.0.113.9", cached.Peers["peer-h"].PublicIP)
}

func TestShadowReaperDropsStaleEntries(t *testing.T) {
	stateDir := t.TempDir()
	seed := map[string]*models.PartyInfo{
		"a1b2c3d4e5f6": {
			PartyID: "a1b2c3d4e5f6",
			Name:    "Friday",
			HostID:  "peer-h",
			Peers: map[string]models.PeerInfo{
				"peer-h": {
					PeerID:   "peer-h",
					NATType:  models.NATOpen,
					LastSeen: time.Now().UTC().Add(-3 * time.Hour),
				},
			},
		},
	}
	require.NoError(t, statefile.WriteJSONAtomic(filepath.Join(stateDir, shadowFileName), seed))

	cfg := config.ControlPlane{
		ControlServerURL:  "http://127.0.0.1:1", // unreachable
		StateDir:          stateDir,
		StaleTTL:          time.Minute,
		HeartbeatInterval: time.Hour,
		ReaperInterval:    time.Hour,
	}
	cp := New(cfg, logging.NewLoggerWithService("remote-test"))
	require.NoError(t, cp.Initialize(context.Background()))
	t.Cleanup(func() { cp.Shutdown(context.Background()) })

	cp.reapShadow(time.Now().UTC())

	_, err := cp.GetParty(context.Background(), "a1b2c3d4e5f6")
	assert.ErrorIs(t, err, models.ErrUnavailable,
		"a party whose peers all went stale must not be served from the shadow")
}

func TestShadowToleratesNullPeerSets(t *testing.T) {
	stateDir := t.TempDir()
	raw := []byte(`{"ffffffffffff":{"party_id":"ffffffffffff","name":"ghost","host_id":"peer-x","peers":null}}`)
	require.NoError(t, statefile.WriteFileAtomic(filepath.Join(stateDir, shadowFileName), raw))

	cfg := config.ControlPlane{
		ControlServerURL:  "http://127.0.0.1:1",
		StateDir:          stateDir,
		StaleTTL:          config.DefaultStaleTTL,
		HeartbeatInterval: time.Hour,
		ReaperInterval:    time.Hour,
	}
	cp := New(cfg, logging.NewLoggerWithService("remote-test"))
	require.NoError(t, cp.Initialize(context.Background()))
	t.Cleanup(func() { cp.Shutdown(context.Background()) })

	// A stream event touching the loaded party must not panic.
	cp.applyStreamMessage(api.StreamMessage{
		Type:    api.MessagePeerJoined,
		PartyID: "ffffffffffff",
		Peer:    &models.PeerInfo{PeerID: "peer-x", NATType: models.NATOpen},
	})

	cached := cp.shadowParty("ffffffffffff")
	require.NotNil(t, cached)
	assert.Contains(t, cached.Peers, "peer-x")
}

func TestContractSurvivesStreamFailure(t *testing.T) {
	fake := newFakeServer()
	fake.noWS = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cp := testRemote(t, srv.URL)
	_, err := cp.RegisterParty(context.Background(), "a1b2c3d4e5f6", "Friday", hostPeer())
	require.NoError(t, err)

	// With streaming refused, the HTTP contract still answers.
	require.Eventually(t, func() bool {
		party, err := cp.GetParty(context.Background(), "a1b2c3d4e5f6")
		return err == nil && party.Name == "Friday"
	}, 2*time.Second, 50*time.Millisecond)
	assert.False(t, cp.Degraded())
}
