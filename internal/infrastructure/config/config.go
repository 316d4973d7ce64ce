package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when PIXELBRIDGE_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for pixelbridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Devices   []DeviceConfig  `yaml:"devices"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`
	Client    ClientConfig    `yaml:"client"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	TSDB      TSDBConfig      `yaml:"tsdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig names a controller at a fixed address.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// DiscoveryConfig contains UDP beacon listener settings.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	HostIP  string `yaml:"host_ip"`
	Port    int    `yaml:"port"`

	// DeviceTimeout is how long, in seconds, a silent controller stays listed.
	DeviceTimeout int `yaml:"device_timeout"`

	// Timesync answers beacons with time synchronisation packets.
	Timesync bool `yaml:"timesync"`
	SyncID   int  `yaml:"sync_id"`

	// AutoConnect opens a session to every discovered controller.
	AutoConnect bool `yaml:"auto_connect"`

	// CheckInterval is how often, in seconds, the device set is reconciled.
	CheckInterval int `yaml:"check_interval"`
}

// SessionConfig contains controller websocket settings. Durations are seconds.
type SessionConfig struct {
	Port              int `yaml:"port"`
	ConnectTimeout    int `yaml:"connect_timeout"`
	CommandTimeout    int `yaml:"command_timeout"`
	ReconnectInterval int `yaml:"reconnect_interval"`
	Heartbeat         int `yaml:"heartbeat"`
	ReadyTimeout      int `yaml:"ready_timeout"`
}

// ClientConfig contains per-controller client settings.
type ClientConfig struct {
	// CacheTTL is in seconds. Zero disables caching.
	CacheTTL          int    `yaml:"cache_ttl"`
	EnableFlashSave   bool   `yaml:"enable_flash_save"`
	FlashSaveInterval int    `yaml:"flash_save_interval"`
	PatternDir        string `yaml:"pattern_dir"`
}

// MQTTConfig contains MQTT broker connection and bridge settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// CommandTopic is the prefix commands are received on.
	CommandTopic string `yaml:"command_topic"`

	// FeedbackTopic is the prefix results and status are published on.
	FeedbackTopic string `yaml:"feedback_topic"`

	// JSONOut publishes device pushes as one JSON document instead of
	// one topic per field.
	JSONOut bool `yaml:"json_out"`

	// PollInterval is how often, in seconds, config and vars are
	// published. Zero disables polling.
	PollInterval int `yaml:"poll_interval"`

	// StatusInterval is how often, in seconds, status is published.
	StatusInterval int `yaml:"status_interval"`
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

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the live telemetry stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// TSDBConfig contains VictoriaMetrics connection settings.
type TSDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// Path returns the configuration file location from PIXELBRIDGE_CONFIG,
// falling back to DefaultPath.
func Path() string {
	if v := os.Getenv("PIXELBRIDGE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PIXELBRIDGE_SECTION_KEY
// For example: PIXELBRIDGE_MQTT_HOST, PIXELBRIDGE_INFLUXDB_TOKEN
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
		Discovery: DiscoveryConfig{
			Enabled:       true,
			HostIP:        "0.0.0.0",
			Port:          1889,
			DeviceTimeout: 30,
			Timesync:      false,
			SyncID:        890,
			AutoConnect:   true,
			CheckInterval: 30,
		},
		Session: SessionConfig{
			Port:              81,
			ConnectTimeout:    30,
			CommandTimeout:    30,
			ReconnectInterval: 5,
			Heartbeat:         30,
			ReadyTimeout:      10,
		},
		Client: ClientConfig{
			CacheTTL:          5,
			FlashSaveInterval: 10,
			PatternDir:        ".",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pixelbridge",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			CommandTopic:   "/pixelblaze/command",
			FeedbackTopic:  "/pixelblaze/feedback",
			StatusInterval: 60,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8089,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PIXELBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Devices: "name=address,name=address"
	if v := os.Getenv("PIXELBRIDGE_DEVICES"); v != "" {
		cfg.Devices = parseDeviceList(v)
	}

	if v := os.Getenv("PIXELBRIDGE_DISCOVERY_HOST_IP"); v != "" {
		cfg.Discovery.HostIP = v
	}

	if v := os.Getenv("PIXELBRIDGE_PATTERN_DIR"); v != "" {
		cfg.Client.PatternDir = v
	}

	// MQTT
	if v := os.Getenv("PIXELBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PIXELBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PIXELBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("PIXELBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("PIXELBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("PIXELBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// parseDeviceList parses "name=address" pairs separated by commas. An
// entry without a name uses its address as the name.
func parseDeviceList(s string) []DeviceConfig {
	var devices []DeviceConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "=")
		if !ok {
			name, addr = entry, entry
		}
		devices = append(devices, DeviceConfig{
			Name:    strings.TrimSpace(name),
			Address: strings.TrimSpace(addr),
		})
	}
	return devices
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].address is required", i))
		} else if _, err := netip.ParseAddr(d.Address); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].address %q is not an IP address", i, d.Address))
		}
		if d.Name != "" {
			if seen[d.Name] {
				errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
			}
			seen[d.Name] = true
		}
	}

	if len(c.Devices) == 0 && !c.Discovery.Enabled {
		errs = append(errs, "no devices configured and discovery is disabled")
	}

	if c.Discovery.Enabled {
		if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
			errs = append(errs, "discovery.port must be between 1 and 65535")
		}
		if _, err := netip.ParseAddr(c.Discovery.HostIP); err != nil {
			errs = append(errs, "discovery.host_ip must be an IP address")
		}
		if c.Discovery.SyncID < 0 {
			errs = append(errs, "discovery.sync_id must not be negative")
		}
	}

	if c.Session.Port < 1 || c.Session.Port > 65535 {
		errs = append(errs, "session.port must be between 1 and 65535")
	}
	if c.Client.CacheTTL < 0 {
		errs = append(errs, "client.cache_ttl must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.CommandTopic == "" {
			errs = append(errs, "mqtt.command_topic is required")
		}
		if c.MQTT.FeedbackTopic == "" {
			errs = append(errs, "mqtt.feedback_topic is required")
		}
		if c.MQTT.PollInterval < 0 {
			errs = append(errs, "mqtt.poll_interval must not be negative")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.TSDB.Enabled && c.TSDB.URL == "" {
		errs = append(errs, "tsdb.url is required when tsdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.MaxMessageSize < 1 {
			errs = append(errs, "websocket.max_message_size must be positive")
		}
	}

	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// seconds converts a whole-second setting to a Duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetConnectTimeout returns the websocket connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return seconds(c.Session.ConnectTimeout)
}

// GetCommandTimeout returns the default command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return seconds(c.Session.CommandTimeout)
}

// GetReconnectInterval returns the initial reconnect delay as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return seconds(c.Session.ReconnectInterval)
}

// GetHeartbeat returns the websocket ping interval as a Duration.
func (c *Config) GetHeartbeat() time.Duration {
	return seconds(c.Session.Heartbeat)
}

// GetReadyTimeout returns how long to wait for a new session to answer.
func (c *Config) GetReadyTimeout() time.Duration {
	return seconds(c.Session.ReadyTimeout)
}

// GetCacheTTL returns the client reply cache lifetime as a Duration.
func (c *Config) GetCacheTTL() time.Duration {
	return seconds(c.Client.CacheTTL)
}

// GetFlashSaveInterval returns the minimum spacing of flash saves.
func (c *Config) GetFlashSaveInterval() time.Duration {
	return seconds(c.Client.FlashSaveInterval)
}

// GetCheckInterval returns the device reconciliation interval.
func (c *Config) GetCheckInterval() time.Duration {
	return seconds(c.Discovery.CheckInterval)
}

// GetPollInterval returns the MQTT polling interval. Zero means disabled.
func (c *Config) GetPollInterval() time.Duration {
	return seconds(c.MQTT.PollInterval)
}

// GetStatusInterval returns the MQTT status publishing interval.
func (c *Config) GetStatusInterval() time.Duration {
	return seconds(c.MQTT.StatusInterval)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.API.Timeouts.Idle)
}
