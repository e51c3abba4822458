package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/bridge"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/database"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/logging"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
	"github.com/ApplY3D/com.xiaomi-miio/internal/pairing"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the part of the bridge the API drives. *bridge.Bridge
// implements it.
type Bridge interface {
	Devices() []bridge.DeviceStatus
	Device(id string) (bridge.DeviceStatus, error)
	SetCapability(ctx context.Context, deviceID, name string, value any) error
	RunAction(ctx context.Context, deviceID, action string, params actions.Params) error
	UpdateDeviceSettings(ctx context.Context, deviceID string, values map[string]any) ([]string, error)
	Gateways() []hub.GatewayStatus
	GatewaysList(ctx context.Context) ([]hub.GatewayIdentity, error)
	SetGatewaysList(ctx context.Context, raw string) error
	Health() bridge.HealthMessage
}

// Pairing runs the gateway onboarding helpers. *pairing.Helper implements it.
type Pairing interface {
	BindDeveloperKey(ctx context.Context, address, token string) (pairing.BindResult, error)
	TestConnection(ctx context.Context, address, token string) (pairing.TestResult, error)
}

// ConnectionChecker reports a connection's state. *mqtt.Client and
// *influxdb.Client implement it.
type ConnectionChecker interface {
	IsConnected() bool
}

// EventSource delivers bridge MQTT messages for the live stream.
// *mqtt.Client implements it.
type EventSource interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger
	Bridge Bridge

	// Pairing defaults to pairing.New(nil).
	Pairing Pairing

	// DB, MQTT and InfluxDB are optional and only feed /status.
	DB       *database.DB
	MQTT     ConnectionChecker
	InfluxDB ConnectionChecker

	// Events feeds /api/v1/ws. Without it the stream stays silent.
	Events EventSource

	Version string
}

// Server is the HTTP API server.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	bridge    Bridge
	pairing   Pairing
	db        *database.DB
	mqtt      ConnectionChecker
	influx    ConnectionChecker
	events    EventSource
	stream    *Stream
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	pair := deps.Pairing
	if pair == nil {
		pair = pairing.New(nil)
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		pairing:   pair,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		events:    deps.Events,
		stream:    newStream(deps.Config.WebSocket, deps.Logger),
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	if err := s.subscribeStateUpdates(); err != nil {
		return fmt.Errorf("subscribing to state updates: %w", err)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	s.stream.closeAll()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
