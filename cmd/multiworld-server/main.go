package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alttpr-multiworld/server/internal/auth"
	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/fanout"
	"github.com/alttpr-multiworld/server/internal/gamedata"
	"github.com/alttpr-multiworld/server/internal/httpapi"
	"github.com/alttpr-multiworld/server/internal/multidata"
	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/session"
	"github.com/alttpr-multiworld/server/internal/session/connection"
	"github.com/alttpr-multiworld/server/internal/user"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/alttpr-multiworld/server/pkg/encryption"
	"github.com/alttpr-multiworld/server/pkg/logging"
	"github.com/alttpr-multiworld/server/pkg/metrics"
)

var (
	version   string = "dev"
	buildTime string = "unknown"
	gitCommit string = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "configs/multiworld-server.yaml", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ALTTPR Multiworld Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		return
	}

	cfg, err := config.LoadServerConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerBasic("multiworld-server", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("starting ALTTPR multiworld server", "version", version)

	metricsRegistry := metrics.NewRegistry("multiworld-server", version, buildTime, gitCommit, logger)
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		go func() {
			if err := metricsRegistry.StartMetricsServer(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server starting", "port", cfg.Metrics.Port)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.CreateTables(db); err != nil {
		logger.Error("failed to create tables", "error", err)
		os.Exit(1)
	}

	if err := seedGames(db); err != nil {
		logger.Error("failed to seed games table", "error", err)
		os.Exit(1)
	}

	encryptor, err := encryption.New(cfg.Encryption)
	if err != nil {
		logger.Error("failed to initialize encryption", "error", err)
		os.Exit(1)
	}

	userSvc, err := user.NewService(db, cfg.Auth)
	if err != nil {
		logger.Error("failed to create user service", "error", err)
		os.Exit(1)
	}

	authSvc, err := auth.NewService(db, userSvc, encryptor, cfg.Auth, logger)
	if err != nil {
		logger.Error("failed to create auth service", "error", err)
		os.Exit(1)
	}

	bus := fanout.New(logger, metricsRegistry.Multiworld)
	eventStore := event.NewSQLStore(db, bus)
	itemRouter := router.New(eventStore, logger, metricsRegistry.Multiworld)
	sessionStore := session.NewSQLStore(db)

	tables, err := loadGameTables(db, logger)
	if err != nil {
		logger.Error("failed to load game data", "error", err)
		os.Exit(1)
	}

	connMgr := connection.NewManager(cfg.Server.MaxConnections, logger)
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	if err := connMgr.Start(connCtx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	sessionHandler := session.NewHandler(db, sessionStore, eventStore, bus, authSvc, itemRouter, tables, cfg.SessionManagement, connMgr, logger, metricsRegistry.Multiworld)
	multidataHandler := multidata.NewHandler(db, logger)
	apiHandler := httpapi.NewHandler(db, eventStore, sessionStore, bus, authSvc, itemRouter, sessionHandler, cfg.SessionManagement, logger)

	mux := http.NewServeMux()
	apiHandler.Register(mux)
	mux.Handle("POST /multidata", multidataHandler)
	mux.HandleFunc("GET /ws/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := strconv.Atoi(r.PathValue("sessionId"))
		if err != nil {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}
		sessionHandler.ServeHTTP(w, r, sessionID)
	})
	if cfg.Health != nil && cfg.Health.Enabled {
		mux.HandleFunc("GET "+cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"healthy","service":"multiworld-server","version":"%s"}`, version)
		})
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: metricsRegistry.HTTPMiddleware()(mux),
	}

	go func() {
		logger.Info("starting http server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	connCancel()
	if err := connMgr.Stop(shutdownCtx); err != nil {
		logger.Error("connection manager shutdown error", "error", err)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := metricsRegistry.StopMetricsServer(shutdownCtx); err != nil {
			logger.Error("error stopping metrics server", "error", err)
		}
	}

	logger.Info("multiworld server stopped")
}

// seedGames registers the built-in games this server ships gamedata assets
// for, matching the embedded assets under internal/gamedata/assets.
func seedGames(db *database.Connection) error {
	_, err := db.Exec(`
		INSERT INTO games (name, display_name, item_table_path, location_table_path)
		SELECT 'alttpr', 'A Link to the Past Randomizer', 'internal/gamedata/assets/alttpr.json', 'internal/gamedata/assets/alttpr.json'
		WHERE NOT EXISTS (SELECT 1 FROM games WHERE name = 'alttpr')
	`)
	return err
}

// loadGameTables loads gamedata.Tables for every row in the games table,
// skipping (with a warning) any game whose asset isn't embedded yet.
func loadGameTables(db *database.Connection, logger *slog.Logger) (map[string]*gamedata.Tables, error) {
	rows, err := db.Query(`SELECT name FROM games`)
	if err != nil {
		return nil, fmt.Errorf("failed to query games: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]*gamedata.Tables)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		t, err := gamedata.Load(name)
		if err != nil {
			logger.Warn("skipping game with no embedded gamedata asset", "game", name, "error", err)
			continue
		}
		tables[name] = t
	}
	return tables, nil
}
