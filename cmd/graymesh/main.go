// Gray Logic Mesh - multi-network device hub
//
// This is the main entry point of the hub. It loads the configuration,
// opens the local database, connects the MQTT broker and (optionally)
// InfluxDB, starts one driver instance per configured network and serves
// the HTTP/WebSocket API used by remote configuration editors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/api"
	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/auth"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/hub"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	_ "github.com/nerrad567/gray-logic-mesh/migrations"
)

// auditRetention is how long journal entries are kept.
const auditRetention = 180 * 24 * time.Hour

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Mesh",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "drivers", len(cfg.Drivers))

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	tokens := auth.NewTokenRepository(db.DB)
	issuer := auth.NewIssuer(tokens, cfg.Security.JWT.Secret, cfg.GetEditorTokenTTL())
	seed, err := auth.SeedInstallerToken(ctx, issuer, tokens, log.Logger)
	if err != nil {
		return fmt.Errorf("seeding installer token: %w", err)
	}
	if seed != "" {
		// Printed once so the installer can bootstrap further tokens.
		fmt.Fprintf(os.Stderr, "\nInstaller token (shown once):\n%s\n\n", seed)
	}

	journal := audit.NewSQLiteRepository(db.DB)
	if n, pruneErr := journal.DeleteBefore(ctx, time.Now().Add(-auditRetention)); pruneErr != nil {
		log.Warn("pruning audit journal failed", "error", pruneErr)
	} else if n > 0 {
		log.Info("audit journal pruned", "removed", n)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	h, err := buildHub(cfg, db, mqttClient, influxClient, log)
	if err != nil {
		return err
	}

	srv, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Mesh:    h,
		Issuer:  issuer,
		Tokens:  tokens,
		Audit:   journal,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(hubCtx) }()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case runErr = <-hubDone:
		log.Error("hub stopped unexpectedly", "error", runErr)
	}

	if closeErr := srv.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	stopHub()
	if runErr == nil {
		runErr = <-hubDone
	}

	log.Info("Gray Logic Mesh stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("hub: %w", runErr)
	}
	return nil
}

// connectInflux connects the optional telemetry store. A nil client means
// telemetry is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// buildHub creates the hub and one driver instance per configured network.
func buildHub(cfg *config.Config, db *database.DB, pub hub.Publisher, influxClient *influxdb.Client, log *logging.Logger) (*hub.Hub, error) {
	src := catalog.Chain{catalog.Builtin()}
	if cfg.Catalog.Dir != "" {
		src = catalog.Chain{catalog.DirSource(cfg.Catalog.Dir), catalog.Builtin()}
	}
	cat := catalog.Configure(src)
	cat.SetLogger(log.Component("catalog"))

	hc := hub.Config{
		Version:        version,
		Catalog:        cat,
		Repository:     netconfig.NewSQLiteRepository(db.DB),
		Publisher:      pub,
		SessionBacklog: cfg.WebSocket.SessionBacklog,
	}
	// A typed nil would pass the interface check inside the hub.
	if influxClient != nil {
		hc.Telemetry = influxClient
	}

	h := hub.New(hc)
	h.SetLogger(log.Component("hub"))
	for _, dc := range cfg.Drivers {
		if _, err := h.AddDriver(dc); err != nil {
			return nil, fmt.Errorf("adding driver %s: %w", dc.ID, err)
		}
		log.Info("driver configured", "driver_id", dc.ID, "protocol", dc.Protocol, "connection", dc.Connection)
	}
	return h, nil
}

// healthCheck verifies the infrastructure connections. influxClient may be
// nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
