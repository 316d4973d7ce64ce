// Pixelbridge connects Pixelblaze LED controllers to MQTT.
//
// It finds controllers through their UDP beacons (or a static list),
// keeps a websocket session open to each, exposes every controller
// command over MQTT and records controller statistics in InfluxDB or
// VictoriaMetrics. An optional HTTP API reports fleet status and streams
// controller pushes over WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/pixelbridge/internal/api"
	"github.com/nerrad567/pixelbridge/internal/client"
	"github.com/nerrad567/pixelbridge/internal/discovery"
	"github.com/nerrad567/pixelbridge/internal/fleet"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/config"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/logging"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/tsdb"
	"github.com/nerrad567/pixelbridge/internal/session"
	"github.com/nerrad567/pixelbridge/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
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
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting pixelbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		mqttClient.AddOnConnect(func() {
			log.Info("MQTT connected")
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"command_topic", mqttClient.Topics().Command,
			"feedback_topic", mqttClient.Topics().Feedback,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Connect to VictoriaMetrics (optional)
	var tsdbClient *tsdb.Client
	if cfg.TSDB.Enabled {
		tsdbClient, err = tsdb.Connect(ctx, cfg.TSDB)
		if err != nil {
			return fmt.Errorf("connecting to TSDB: %w", err)
		}
		defer func() {
			log.Info("closing TSDB connection")
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing TSDB", "error", closeErr)
			}
		}()
		tsdbClient.SetOnError(func(err error) {
			log.Error("TSDB write error", "error", err)
		})
		log.Info("TSDB connected", "url", cfg.TSDB.URL)
	}

	// Start beacon listener (optional)
	var registry *discovery.Registry
	var listener *discovery.Listener
	if cfg.Discovery.Enabled {
		registry = discovery.NewRegistry()
		registry.SetDeviceTimeout(cfg.Discovery.DeviceTimeout)

		listener = discovery.NewListener(discovery.ListenerConfig{
			HostIP: cfg.Discovery.HostIP,
			Port:   cfg.Discovery.Port,
			SyncID: uint32(cfg.Discovery.SyncID), //nolint:gosec // validated non-negative
		}, registry)
		listener.SetLogger(log)
		if cfg.Discovery.Timesync {
			listener.EnableTimesync()
		}
		if startErr := listener.Start(ctx); startErr != nil {
			return fmt.Errorf("starting discovery: %w", startErr)
		}
		defer func() {
			log.Info("stopping discovery")
			listener.Stop() //nolint:errcheck // Stop never fails
		}()
	} else {
		log.Info("discovery disabled")
	}

	// The WebSocket hub must exist before any session so it sees every push.
	var hub *api.Hub
	fc := fleetConfig(cfg, registry, mqttClient, statsWriter(influxClient, tsdbClient))
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log)
		fc.Sinks = append(fc.Sinks, hub)
	}

	// Start fleet manager
	manager, err := fleet.NewManager(fc)
	if err != nil {
		return fmt.Errorf("creating fleet manager: %w", err)
	}
	manager.SetLogger(log)
	if listener != nil {
		listener.SetOnDevice(manager.OnDevice)
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting fleet manager: %w", err)
	}
	defer func() {
		log.Info("disconnecting controllers")
		manager.Stop()
	}()

	// Start HTTP status API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(apiDeps(cfg, log, manager, registry, listener, mqttClient, hub))
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, mqttClient, influxClient, tsdbClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"controllers", manager.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reportFleet(gctx, manager, cfg.GetCheckInterval(), log)
		return nil
	})

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	//nolint:errcheck // reportFleet never fails
	g.Wait()

	// Deferred calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Fleet manager
	// 3. Discovery
	// 4. TSDB and InfluxDB (if enabled)
	// 5. MQTT
	// 6. Log file

	log.Info("pixelbridge stopped")
	return nil
}

// fleetConfig maps application configuration onto the fleet manager.
// mqttClient may be nil when MQTT is disabled, and stats may be nil when
// no time-series database is configured.
func fleetConfig(cfg *config.Config, registry *discovery.Registry, mqttClient *mqtt.Client, stats telemetry.StatsWriter) fleet.Config {
	fc := fleet.Config{
		Registry:      registry,
		AutoConnect:   cfg.Discovery.AutoConnect,
		CheckInterval: cfg.GetCheckInterval(),
		ReadyTimeout:  cfg.GetReadyTimeout(),
		Session: session.Config{
			Port:              cfg.Session.Port,
			ConnectTimeout:    cfg.GetConnectTimeout(),
			CommandTimeout:    cfg.GetCommandTimeout(),
			ReconnectInterval: cfg.GetReconnectInterval(),
			Heartbeat:         cfg.GetHeartbeat(),
		},
		Client: client.Options{
			CacheTTL:          cfg.GetCacheTTL(),
			FlashSaveInterval: cfg.GetFlashSaveInterval(),
			PatternDir:        cfg.Client.PatternDir,
		},
		FlashSave: cfg.Client.EnableFlashSave,
		Stats:     stats,
	}

	for _, d := range cfg.Devices {
		fc.Static = append(fc.Static, fleet.StaticDevice{Name: d.Name, Address: d.Address})
	}

	if mqttClient != nil {
		fc.Bridge = &fleet.BridgeConfig{
			MQTTClient:     mqttClient,
			Topics:         mqttClient.Topics(),
			QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
			JSONOut:        cfg.MQTT.JSONOut,
			PollInterval:   cfg.GetPollInterval(),
			StatusInterval: cfg.GetStatusInterval(),
		}
	}
	return fc
}

// apiDeps collects the API server's dependencies. Optional components that
// are disabled stay unset so the server sees nil interfaces.
func apiDeps(cfg *config.Config, log *logging.Logger, manager *fleet.Manager, registry *discovery.Registry,
	listener *discovery.Listener, mqttClient *mqtt.Client, hub *api.Hub) api.Deps {
	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Fleet:   manager,
		Hub:     hub,
		Version: version,
	}
	if registry != nil {
		deps.Discovery = registry
	}
	if listener != nil {
		deps.Listener = listener
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if stats := manager.StatsSink(); stats != nil {
		deps.Telemetry = stats
	}
	return deps
}

// statsWriter combines the enabled time-series clients. It returns nil
// when none is enabled.
func statsWriter(influxClient *influxdb.Client, tsdbClient *tsdb.Client) telemetry.StatsWriter {
	var writers telemetry.StatsWriters
	if influxClient != nil {
		writers = append(writers, influxClient)
	}
	if tsdbClient != nil {
		writers = append(writers, tsdbClient)
	}
	switch len(writers) {
	case 0:
		return nil
	case 1:
		return writers[0]
	default:
		return writers
	}
}

// healthCheck verifies the enabled infrastructure connections. Nil
// clients are skipped.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client, tsdbClient *tsdb.Client) error {
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("tsdb: %w", err)
		}
	}
	return nil
}

// reportFleet logs the connected controllers every interval until ctx ends.
func reportFleet(ctx context.Context, manager *fleet.Manager, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices := manager.Devices()
			log.Info("fleet status", "controllers", len(devices))
			for _, d := range devices {
				log.Debug("controller",
					"name", d.Name,
					"address", d.Address,
					"state", d.State.String(),
					"static", d.Static,
				)
			}
		}
	}
}
