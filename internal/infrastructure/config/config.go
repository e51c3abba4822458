package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollingSeconds is the poll interval used when a device does not set one.
const DefaultPollingSeconds = 60

const minJWTSecretLength = 32

// Config is the root configuration structure for the miio bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig        `yaml:"site"`
	Database   DatabaseConfig    `yaml:"database"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	API        APIConfig         `yaml:"api"`
	InfluxDB   InfluxDBConfig    `yaml:"influxdb"`
	Logging    LoggingConfig     `yaml:"logging"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Devices    []DeviceConfig    `yaml:"devices"`
	SubDevices []SubDeviceConfig `yaml:"subdevices"`
	Gateways   []GatewayEntry    `yaml:"gateways"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	Auth      APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig contains bearer token settings. An empty secret leaves the
// API open.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the live state stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GatewayConfig contains settings for the Aqara gateway LAN protocol.
type GatewayConfig struct {
	// MulticastAddress is where gateways push reports and heartbeats.
	// Default: "224.0.0.50:9898"
	MulticastAddress string `yaml:"multicast_address"`

	// Interface restricts the multicast listener to one network interface.
	// Empty means the system default.
	Interface string `yaml:"interface"`

	// WriteTimeout is how long a write waits for its acknowledgement (seconds).
	// Default: 5
	WriteTimeout int `yaml:"write_timeout"`
}

// DeviceConfig describes one supervised miio device.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	// Polling is the poll interval in seconds. Zero means DefaultPollingSeconds.
	Polling int `yaml:"polling"`
}

// SubDeviceConfig describes one virtual device reached through a gateway.
type SubDeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Type is one of "curtain", "double_switch", "sensor_ht".
	Type string `yaml:"type"`
	SID  string `yaml:"sid"`
	// Gateway optionally pins the sub-device to a gateway address.
	Gateway  string `yaml:"gateway"`
	Reverted bool   `yaml:"reverted"`
}

// GatewayEntry is one element of the gatewaysList setting.
type GatewayEntry struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"token"`
}

var (
	subDeviceTypes = map[string]bool{"curtain": true, "double_switch": true, "sensor_ht": true}
	tokenPattern   = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MIIO_SECTION_KEY
// For example: MIIO_DATABASE_PATH, MIIO_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "home",
			Name: "Home",
		},
		Database: DatabaseConfig{
			Path:        "./data/miio.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "miio-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Gateway: GatewayConfig{
			MulticastAddress: "224.0.0.50:9898",
			WriteTimeout:     5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIIO_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("MIIO_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MIIO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MIIO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("MIIO_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MIIO_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	if v := os.Getenv("MIIO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MIIO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// Every problem is reported, not just the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.JWTSecret != "" && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength))
	}
	if c.API.Enabled && (c.API.WebSocket.PingInterval <= 0 || c.API.WebSocket.PongTimeout <= 0) {
		errs = append(errs, "api.websocket ping_interval and pong_timeout must be positive")
	}
	if c.Gateway.WriteTimeout < 0 {
		errs = append(errs, "gateway.write_timeout must not be negative")
	}

	ids := make(map[string]bool)
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		switch {
		case d.ID == "":
			errs = append(errs, prefix+".id is required")
		case ids[d.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		ids[d.ID] = true
		if d.Model == "" {
			errs = append(errs, prefix+".model is required")
		}
		if d.Address == "" {
			errs = append(errs, prefix+".address is required")
		}
		if !tokenPattern.MatchString(d.Token) {
			errs = append(errs, prefix+".token must be 32 hex characters")
		}
		if d.Polling < 0 {
			errs = append(errs, prefix+".polling must not be negative")
		}
	}

	for i, s := range c.SubDevices {
		prefix := fmt.Sprintf("subdevices[%d]", i)
		switch {
		case s.ID == "":
			errs = append(errs, prefix+".id is required")
		case ids[s.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, s.ID))
		}
		ids[s.ID] = true
		if s.SID == "" {
			errs = append(errs, prefix+".sid is required")
		}
		if !subDeviceTypes[s.Type] {
			errs = append(errs, fmt.Sprintf("%s.type %q is not supported", prefix, s.Type))
		}
	}

	for i, g := range c.Gateways {
		if g.Address == "" {
			errs = append(errs, fmt.Sprintf("gateways[%d].address is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PollInterval returns the device's poll interval as a Duration.
func (d DeviceConfig) PollInterval() time.Duration {
	if d.Polling <= 0 {
		return DefaultPollingSeconds * time.Second
	}
	return time.Duration(d.Polling) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetGatewayWriteTimeout returns the gateway write acknowledgement timeout.
func (c *Config) GetGatewayWriteTimeout() time.Duration {
	return time.Duration(c.Gateway.WriteTimeout) * time.Second
}

// GatewaysJSON renders the configured gateways in the gatewaysList setting format.
func (c *Config) GatewaysJSON() (string, error) {
	list := c.Gateways
	if list == nil {
		list = []GatewayEntry{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encoding gateways: %w", err)
	}
	return string(data), nil
}
