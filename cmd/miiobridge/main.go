// miiobridge connects Xiaomi miio devices and Aqara gateway sub-devices to
// an MQTT broker.
//
// Each configured miio device gets a supervisor that keeps its session
// alive and polls its state. Sub-devices are reached through the gateways
// listed in the gatewaysList setting. State is published under miio/state
// and commands are read from miio/command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ApplY3D/com.xiaomi-miio/internal/api"
	"github.com/ApplY3D/com.xiaomi-miio/internal/aqara"
	"github.com/ApplY3D/com.xiaomi-miio/internal/bridge"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/database"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/influxdb"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/logging"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
	"github.com/ApplY3D/com.xiaomi-miio/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:], os.Stdout, os.Stderr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled.
// Deferred cleanups run in reverse order of startup.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting miio bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Devices),
		"subdevices", len(cfg.SubDevices),
	)

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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
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
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// telemetry stays a nil interface when InfluxDB is disabled.
	var telemetry platform.Telemetry
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	gatewayHub, listener, err := startHub(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing gateway hub")
		if closeErr := gatewayHub.Close(); closeErr != nil {
			log.Error("error closing gateway hub", "error", closeErr)
		}
		if closeErr := listener.Close(); closeErr != nil {
			log.Error("error closing multicast listener", "error", closeErr)
		}
	}()

	b, err := bridge.New(bridge.Options{
		Config:     cfg,
		MQTTClient: mqttClient,
		Hub:        gatewayHub,
		Repository: platform.NewSQLiteRepository(db.DB),
		Telemetry:  telemetry,
		Sessions:   bridge.MiioSessions(0),
		Logger:     log.Component("bridge"),
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if startErr := b.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		b.Stop()
	}()

	// The broker drops retained state when a client's session is lost.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing state")
		b.Republish()
	})

	if cfg.API.Enabled {
		apiServer, apiErr := startAPI(ctx, cfg, log, b, db, mqttClient, influxClient)
		if apiErr != nil {
			return apiErr
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses MIIO_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MIIO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startHub joins the gateway multicast group and builds the sub-device hub
// on top of it.
func startHub(cfg *config.Config, log *logging.Logger) (*hub.Hub, *aqara.Listener, error) {
	listener, err := aqara.Listen(cfg.Gateway.MulticastAddress, cfg.Gateway.Interface, log.Component("aqara"))
	if err != nil {
		return nil, nil, fmt.Errorf("joining gateway multicast group: %w", err)
	}

	gatewayHub, err := hub.New(hub.Options{
		Dialer: aqara.NewDialer(listener,
			aqara.WithWriteTimeout(cfg.GetGatewayWriteTimeout()),
			aqara.WithLogger(log.Component("aqara")),
		),
		Logger: log.Component("hub"),
	})
	if err != nil {
		//nolint:errcheck // Already failing
		listener.Close()
		return nil, nil, fmt.Errorf("creating gateway hub: %w", err)
	}
	return gatewayHub, listener, nil
}

// startAPI starts the HTTP API. The InfluxDB checker is only set when the
// client exists so /status reports it as disabled otherwise.
func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, b *bridge.Bridge, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) (*api.Server, error) {
	deps := api.Deps{
		Config:  cfg.API,
		Logger:  log.Component("api"),
		Bridge:  b,
		DB:      db,
		MQTT:    mqttClient,
		Events:  mqttClient,
		Version: version,
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}

	server, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	return server, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil if InfluxDB is disabled.
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
