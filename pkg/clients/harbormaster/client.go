package harbormaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/clients"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// Client is the HTTP client for the Harbormaster control server. It owns
// the bearer token and the retry budget; business errors come back as
// models error kinds.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      logging.Logger
	retryConfig clients.RetryConfig

	mu           sync.RWMutex
	token        string
	tokenExpires time.Time
}

// Config represents the configuration for the Harbormaster client
type Config struct {
	BaseURL              string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new Harbormaster API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: clients.DefaultTransport(),
	}

	return &Client{
		baseURL:     config.BaseURL,
		httpClient:  httpClient,
		logger:      config.Logger,
		retryConfig: retryConfig,
	}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token, if any.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RegisterToken obtains a bearer token bound to peerID and stores it for
// subsequent requests.
func (c *Client) RegisterToken(ctx context.Context, peerID string) (*api.RegisterTokenResponse, error) {
	var out api.RegisterTokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/register",
		&api.RegisterTokenRequest{PeerID: peerID}, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = out.Token
	c.tokenExpires = out.ExpiresAt
	c.mu.Unlock()

	c.logger.WithFields(logging.Fields{
		"peer_id":    peerID,
		"expires_at": out.ExpiresAt,
	}).Debug("Registered with control server")
	return &out, nil
}

// CreateParty creates a party with the given host peer.
func (c *Client) CreateParty(ctx context.Context, partyID, name string, host models.PeerInfo) (*models.PartyInfo, error) {
	var out models.PartyInfo
	err := c.do(ctx, http.MethodPost, "/parties",
		&api.CreatePartyRequest{PartyID: partyID, Name: name, Host: host}, &out, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetParty fetches a party snapshot.
func (c *Client) GetParty(ctx context.Context, partyID string) (*models.PartyInfo, error) {
	var out models.PartyInfo
	err := c.do(ctx, http.MethodGet, "/parties/"+url.PathEscape(partyID), nil, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinParty adds the peer to the party. Rejoining with the same peer id
// replaces the stored record, so this doubles as the peer-update call.
func (c *Client) JoinParty(ctx context.Context, partyID string, peer models.PeerInfo) (*models.PartyInfo, error) {
	var out models.PartyInfo
	err := c.do(ctx, http.MethodPost, "/parties/"+url.PathEscape(partyID)+"/join",
		&api.JoinPartyRequest{Peer: peer}, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveParty removes the peer from the party.
func (c *Client) LeaveParty(ctx context.Context, partyID, peerID string) error {
	path := fmt.Sprintf("/parties/%s/peers/%s", url.PathEscape(partyID), url.PathEscape(peerID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusNoContent)
}

// GetPeers lists the peers in a party.
func (c *Client) GetPeers(ctx context.Context, partyID string) ([]models.PeerInfo, error) {
	var out []models.PeerInfo
	err := c.do(ctx, http.MethodGet, "/parties/"+url.PathEscape(partyID)+"/peers", nil, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DiscoverPeer fetches a single peer's record, including NAT metadata.
func (c *Client) DiscoverPeer(ctx context.Context, partyID, peerID string) (*models.PeerInfo, error) {
	path := fmt.Sprintf("/parties/%s/peers/%s", url.PathEscape(partyID), url.PathEscape(peerID))
	var out models.PeerInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the peer's last_seen on the server.
func (c *Client) Heartbeat(ctx context.Context, partyID, peerID string) error {
	path := fmt.Sprintf("/parties/%s/peers/%s/heartbeat", url.PathEscape(partyID), url.PathEscape(peerID))
	return c.do(ctx, http.MethodPost, path, nil, nil, http.StatusNoContent)
}

// RegisterRelay registers or refreshes a relay record.
func (c *Client) RegisterRelay(ctx context.Context, relay models.RelayInfo) (*models.RelayInfo, error) {
	var out models.RelayInfo
	err := c.do(ctx, http.MethodPost, "/relays", &api.RegisterRelayRequest{Relay: relay}, &out, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRelays lists all live relays.
func (c *Client) GetRelays(ctx context.Context) ([]models.RelayInfo, error) {
	var out []models.RelayInfo
	if err := c.do(ctx, http.MethodGet, "/relays", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRelaysByRegion lists live relays in one region.
func (c *Client) GetRelaysByRegion(ctx context.Context, region string) ([]models.RelayInfo, error) {
	var out []models.RelayInfo
	err := c.do(ctx, http.MethodGet, "/relays/"+url.PathEscape(region), nil, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// do sends one request through the retry layer and decodes the result.
// Transport failures after retry exhaustion surface as ErrUnavailable;
// non-2xx responses are mapped to their error kinds.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, wantStatus int) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.errorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// errorFromResponse maps a non-success response onto an error kind,
// preferring the server's error envelope over the bare status code.
func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope models.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		return models.ErrorForCode(envelope.Error.Code, envelope.Error.Message)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrAuth
	case http.StatusConflict:
		return models.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return models.ErrInvalid
	default:
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"response":    string(raw),
			}).Error("Control server request failed")
		}
		return fmt.Errorf("%w: status %d", models.ErrServer, resp.StatusCode)
	}
}
