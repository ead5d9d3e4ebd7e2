package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

// RelayTTL is how long a relay stays listed without re-registering.
const RelayTTL = 2 * time.Minute

var (
	db       *sql.DB
	logger   logging.Logger
	cfg      Config
	notifier Notifier
)

// Config carries the handler-level tunables.
type Config struct {
	TokenTTL       time.Duration
	StaleTTL       time.Duration
	RelayTTL       time.Duration
	ReaperInterval time.Duration
}

// DefaultHandlerConfig returns the documented timing defaults.
func DefaultHandlerConfig() Config {
	return Config{
		TokenTTL:       config.DefaultTokenTTL,
		StaleTTL:       config.DefaultStaleTTL,
		RelayTTL:       RelayTTL,
		ReaperInterval: config.DefaultReaperInterval,
	}
}

// Notifier fans membership changes out to streaming clients. A nil
// notifier is valid; events are simply not pushed.
type Notifier interface {
	PartyUpdated(party *models.PartyInfo)
	PeerJoined(partyID string, peer models.PeerInfo)
	PeerLeft(partyID, peerID string)
}

// Init initializes the handlers with database, logger and config
func Init(database *sql.DB, log logging.Logger, c Config) {
	db = database
	logger = log
	cfg = c
}

// SetNotifier wires the streaming hub into the mutation handlers.
func SetNotifier(n Notifier) {
	notifier = n
}

// respondError writes the error envelope used by every endpoint.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{
		Error: models.APIError{Code: code, Message: message},
	})
}

// respondServerError logs the cause and hides it from the caller.
func respondServerError(c *gin.Context, err error, what string) {
	logger.WithError(err).Error(what)
	respondError(c, http.StatusInternalServerError, models.CodeServer, what)
}
