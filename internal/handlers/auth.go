package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

const tokenPrefix = "lrt_"

// boundPeerKey is the gin context key carrying the token's peer binding.
const boundPeerKey = "bound_peer_id"

func generateToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b[:]), nil
}

// RegisterToken issues a bearer token bound to a peer_id. The endpoint
// is unauthenticated; the token plus the unguessable party id are the
// security model.
func RegisterToken(c *gin.Context) {
	var req api.RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, models.CodeInvalid, "peer_id is required")
		return
	}

	token, err := generateToken()
	if err != nil {
		respondServerError(c, err, "Failed to generate token")
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(cfg.TokenTTL)

	_, err = db.Exec(`
		INSERT INTO auth_tokens (token, peer_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, token, req.PeerID, expiresAt, now)
	if err != nil {
		respondServerError(c, err, "Failed to store token")
		return
	}

	logger.WithField("peer_id", req.PeerID).Info("Issued auth token")
	c.JSON(http.StatusOK, api.RegisterTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// AuthMiddleware validates the bearer token against an unexpired row and
// records the bound peer_id. Endpoints carrying a :peer_id path param
// must additionally pass RequirePeerMatch.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(c, http.StatusUnauthorized, models.CodeAuth, "missing bearer token")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		var peerID string
		err := db.QueryRow(`
			SELECT peer_id FROM auth_tokens
			WHERE token = ? AND expires_at > ?
		`, token, time.Now().UTC()).Scan(&peerID)
		if err == sql.ErrNoRows {
			respondError(c, http.StatusUnauthorized, models.CodeAuth, "invalid or expired token")
			c.Abort()
			return
		} else if err != nil {
			respondServerError(c, err, "Failed to validate token")
			c.Abort()
			return
		}

		c.Set(boundPeerKey, peerID)
		c.Next()
	}
}

// RequirePeerMatch rejects requests whose :peer_id path parameter does
// not match the peer the token was issued for.
func RequirePeerMatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		bound := c.GetString(boundPeerKey)
		if target := c.Param("peer_id"); target != "" && target != bound {
			respondError(c, http.StatusUnauthorized, models.CodeAuth, "token is bound to a different peer")
			c.Abort()
			return
		}
		c.Next()
	}
}

// BoundPeer returns the peer_id the request's token is bound to.
func BoundPeer(c *gin.Context) string {
	return c.GetString(boundPeerKey)
}
