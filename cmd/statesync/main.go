// statesync - bidirectional entity state synchronisation
//
// This is the main entry point for statesync. A single binary runs in
// one of two modes:
//   - server: exposes a curated allow-list of local entities to remote
//     clients over HTTP and WebSocket
//   - client: mirrors entities from a remote server and forwards local
//     commands back to it
//
// The mode is selected by the "mode" key in the configuration file or
// the STATESYNC_MODE environment variable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/statesync/migrations"

	"github.com/nerrad567/statesync/internal/api"
	"github.com/nerrad567/statesync/internal/client"
	"github.com/nerrad567/statesync/internal/credential"
	"github.com/nerrad567/statesync/internal/host"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/database"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/statesync/internal/token"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting statesync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "mode", cfg.Mode)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	switch cfg.Mode {
	case config.ModeServer:
		return runServer(ctx, cfg, log)
	case config.ModeClient:
		return runClient(ctx, cfg, log)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// runServer starts the server mode: credential store, host bridge, and
// the HTTP/WebSocket API.
func runServer(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Token authority and credential store
	authority := token.NewAuthority(
		cfg.Security.JWT.Secret,
		cfg.Security.ClientTokenTTL(),
		cfg.Security.RegistrationTokenTTL(),
	)
	store := credential.NewStore(credential.NewSQLiteRepository(db.DB), authority)
	if loadErr := store.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading credential store: %w", loadErr)
	}
	log.Info("credential store loaded", "clients", store.Count())

	// Connect the host bridge (optional). Without it the API still
	// serves auth and registration, but entity reads and service calls
	// report the host as unavailable.
	var bridge *host.MQTTHost
	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge = host.NewMQTTHost(mqttClient, log, byte(cfg.MQTT.QoS))
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting host bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping host bridge")
			if closeErr := bridge.Close(); closeErr != nil {
				log.Error("error closing host bridge", "error", closeErr)
			}
		}()
		log.Info("host bridge started")
	} else {
		log.Info("MQTT disabled, host bridge unavailable")
	}

	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Store:     store,
		Authority: authority,
		Exposed:   cfg.Server.ExposedEntities,
		Version:   version,
	}
	if bridge != nil {
		deps.States = bridge
		deps.Actions = bridge
		deps.Changes = bridge
	}

	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"exposed_entities", len(cfg.Server.ExposedEntities),
	)

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// runClient starts the client mode: optional local host bridge, the
// sync client, and registration bootstrap when no token is configured.
func runClient(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	deps := client.Deps{
		Config: cfg.Client,
		WS:     cfg.WebSocket,
		Logger: log,
	}

	// A configured secret lets the client mint its own registration token.
	if cfg.Security.JWT.Secret != "" {
		deps.Authority = token.NewAuthority(
			cfg.Security.JWT.Secret,
			cfg.Security.ClientTokenTTL(),
			cfg.Security.RegistrationTokenTTL(),
		)
	}

	// Connect the local host bridge (optional). With it, mirrored
	// entity states are published locally and local commands are
	// forwarded to the server.
	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		)
		mqttClient.SetLogger(log)

		bridge := host.NewMQTTHost(mqttClient, log, byte(cfg.MQTT.QoS))
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting host bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping host bridge")
			if closeErr := bridge.Close(); closeErr != nil {
				log.Error("error closing host bridge", "error", closeErr)
			}
		}()
		deps.Mirror = bridge
		deps.Commands = bridge
		log.Info("host bridge started")
	} else {
		log.Info("MQTT disabled, mirrored states stay in memory only")
	}

	c, err := client.New(deps)
	if err != nil {
		return fmt.Errorf("creating sync client: %w", err)
	}
	defer func() {
		log.Info("stopping sync client")
		if closeErr := c.Close(); closeErr != nil {
			log.Error("error closing sync client", "error", closeErr)
		}
	}()

	// Bootstrap registration when no token is configured. The issued
	// token is logged once; persist it in client.token to skip this
	// step on future startups.
	if cfg.Client.Token == "" {
		reg, regErr := c.Register(ctx)
		if regErr != nil {
			return fmt.Errorf("registering with server: %w", regErr)
		}
		log.Info("registered with server, persist this token in client.token",
			"client_id", reg.ClientID,
			"name", reg.Name,
			"token", reg.Token,
		)
	}

	log.Info("sync client starting",
		"server_url", cfg.Client.ServerURL,
		"imported_entities", len(cfg.Client.ImportedEntities),
	)

	if runErr := c.Run(ctx); runErr != nil {
		return fmt.Errorf("running sync client: %w", runErr)
	}

	log.Info("statesync stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses STATESYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("STATESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
