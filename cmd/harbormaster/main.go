package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/coff33ninja/LANRage-sub004/internal/handlers"
	ws "github.com/coff33ninja/LANRage-sub004/internal/websocket"
	"github.com/coff33ninja/LANRage-sub004/pkg/config"
	"github.com/coff33ninja/LANRage-sub004/pkg/database"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/monitoring"
	"github.com/coff33ninja/LANRage-sub004/pkg/server"
	"github.com/coff33ninja/LANRage-sub004/pkg/version"
)

const (
	exitInitFailure = 1
	exitBadConfig   = 2
)

var (
	flagListenAddr     string
	flagDatabasePath   string
	flagTokenTTL       time.Duration
	flagStaleTTL       time.Duration
	flagReaperInterval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "harbormaster",
		Short:   "LANRage control server: party rendezvous, peer discovery and relay registry",
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.Flags().StringVar(&flagListenAddr, "listen-addr", "", "listen address (overrides LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&flagDatabasePath, "database-path", "", "path to the sqlite database (overrides DATABASE_PATH)")
	rootCmd.Flags().DurationVar(&flagTokenTTL, "token-ttl", 0, "auth token lifetime (overrides TOKEN_TTL)")
	rootCmd.Flags().DurationVar(&flagStaleTTL, "stale-ttl", 0, "peer liveness window (overrides STALE_TTL)")
	rootCmd.Flags().DurationVar(&flagReaperInterval, "reaper-interval", 0, "cleanup cycle period (overrides REAPER_INTERVAL)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInitFailure)
	}
}

func run() error {
	logger := logging.NewLoggerWithService("harbormaster")
	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting Harbormaster (LANRage Control Server)")

	cpCfg := config.LoadControlPlane()
	if flagTokenTTL != 0 {
		cpCfg.TokenTTL = flagTokenTTL
	}
	if flagStaleTTL != 0 {
		cpCfg.StaleTTL = flagStaleTTL
	}
	if flagReaperInterval != 0 {
		cpCfg.ReaperInterval = flagReaperInterval
	}
	if cpCfg.TokenTTL <= 0 || cpCfg.StaleTTL <= 0 || cpCfg.ReaperInterval <= 0 {
		logger.Error("Token TTL, stale TTL and reaper interval must be positive")
		os.Exit(exitBadConfig)
	}

	dbCfg := database.DefaultConfig()
	if path := config.GetEnv("DATABASE_PATH", ""); path != "" {
		dbCfg.Path = path
	}
	if flagDatabasePath != "" {
		dbCfg.Path = flagDatabasePath
	}

	db, err := database.Connect(dbCfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(exitInitFailure)
	}
	defer db.Close()

	if err := handlers.EnsureSchema(db); err != nil {
		logger.WithError(err).Error("Failed to apply schema")
		os.Exit(exitInitFailure)
	}

	handlerCfg := handlers.Config{
		TokenTTL:       cpCfg.TokenTTL,
		StaleTTL:       cpCfg.StaleTTL,
		RelayTTL:       handlers.RelayTTL,
		ReaperInterval: cpCfg.ReaperInterval,
	}
	handlers.Init(db, logger, handlerCfg)

	// Monitoring
	healthChecker := monitoring.NewHealthChecker("harbormaster", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	metricsCollector := monitoring.NewMetricsCollector("harbormaster", version.Version, version.GitCommit)

	// Streaming hub
	hub := ws.NewHub(logger, tokenValidator(db), partyResolver(db))
	go hub.Run()
	handlers.SetNotifier(hub)

	handlers.SetMetrics(
		metricsCollector.NewGauge("registry_rows", "Rows currently in each control registry", []string{"table"}),
		metricsCollector.NewCounter("reaped_rows_total", "Rows removed by the cleanup cycle", []string{"kind"}),
	)

	// Background reaper and gauge sampling
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	handlers.StartReaper(reaperCtx)
	handlers.StartRegistryGauges(reaperCtx, cpCfg.ReaperInterval)

	router := server.SetupRouter(logger)
	router.Use(metricsCollector.MetricsMiddleware())
	handlers.RegisterRoutes(router)
	router.GET("/healthz", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	serverCfg := server.DefaultConfig("harbormaster", ":8090")
	if flagListenAddr != "" {
		serverCfg.Addr = flagListenAddr
	}

	if err := server.Start(serverCfg, router, logger, func() {
		stopReaper()
	}); err != nil {
		logger.WithError(err).Error("Server startup failed")
		os.Exit(exitInitFailure)
	}
	return nil
}

func tokenValidator(db *sql.DB) ws.TokenValidator {
	return func(token string) (string, error) {
		var peerID string
		err := db.QueryRow(`
			SELECT peer_id FROM auth_tokens
			WHERE token = ? AND expires_at > ?
		`, token, time.Now().UTC()).Scan(&peerID)
		if err != nil {
			return "", fmt.Errorf("token lookup failed: %w", err)
		}
		return peerID, nil
	}
}

func partyResolver(db *sql.DB) ws.PartyResolver {
	return func(peerID string) (string, error) {
		var partyID string
		err := db.QueryRow(`SELECT party_id FROM peers WHERE peer_id = ?`, peerID).Scan(&partyID)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("party lookup failed: %w", err)
		}
		return partyID, nil
	}
}
