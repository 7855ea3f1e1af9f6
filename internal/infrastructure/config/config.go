package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic mesh hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Drivers   []DriverConfig  `yaml:"drivers"`
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`

	// SessionBacklog bounds the notifications held per editor session.
	SessionBacklog int `yaml:"session_backlog"`
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// EditorTokenTTL is the lifetime of remote-editor tokens in minutes.
	EditorTokenTTL int `yaml:"editor_token_ttl"`
}

// CatalogConfig locates device info templates.
type CatalogConfig struct {
	// Dir holds <vvvv>-<tttt>-<pppp>.yaml templates. Built-in templates
	// are used for signatures the directory does not cover.
	Dir string `yaml:"dir"`
}

// DriverConfig describes one driver instance, i.e. one physical network.
type DriverConfig struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"`

	// Connection is the controller URL: tcp://host:port or unix:///path.
	Connection string `yaml:"connection"`

	PollInterval           time.Duration `yaml:"poll_interval"`
	ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval   time.Duration `yaml:"max_reconnect_interval"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	CallTimeout            time.Duration `yaml:"call_timeout"`
	ProtocolErrorThreshold int           `yaml:"protocol_error_threshold"`

	MaxUnits   int `yaml:"max_units"`
	GroupCount int `yaml:"group_count"`

	// RequireConfig starts the driver in AwaitingConfig when no persisted
	// configuration exists.
	RequireConfig bool `yaml:"require_config"`

	WakeupGrace time.Duration `yaml:"wakeup_grace"`
}

// Supported driver protocols.
const ProtocolZWave = "zwave"

// Driver defaults.
const (
	DefaultMaxUnits               = 232
	DefaultGroupCount             = 16
	DefaultProtocolErrorThreshold = 3
	DefaultPollInterval           = 5 * time.Second
	DefaultReconnectInterval      = 5 * time.Second
	DefaultMaxReconnectInterval   = 2 * time.Minute
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYMESH_SECTION_KEY
// For example: GRAYMESH_DATABASE_PATH, GRAYMESH_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
	cfg.applyDriverDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Path returns the config file location from GRAYMESH_CONFIG, or the
// default configs/config.yaml.
func Path() string {
	if v := os.Getenv("GRAYMESH_CONFIG"); v != "" {
		return v
	}
	return "configs/config.yaml"
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic Mesh",
		},
		Database: DatabaseConfig{
			Path:        "./data/graymesh.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graymesh",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
			SessionBacklog: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				EditorTokenTTL: 480,
			},
		},
	}
}

// applyDriverDefaults fills unset driver timing and sizes.
func (c *Config) applyDriverDefaults() {
	for i := range c.Drivers {
		d := &c.Drivers[i]
		if d.Protocol == "" {
			d.Protocol = ProtocolZWave
		}
		if d.PollInterval <= 0 {
			d.PollInterval = DefaultPollInterval
		}
		if d.ReconnectInterval <= 0 {
			d.ReconnectInterval = DefaultReconnectInterval
		}
		if d.MaxReconnectInterval <= 0 {
			d.MaxReconnectInterval = DefaultMaxReconnectInterval
		}
		if d.ProtocolErrorThreshold <= 0 {
			d.ProtocolErrorThreshold = DefaultProtocolErrorThreshold
		}
		if d.MaxUnits <= 0 {
			d.MaxUnits = DefaultMaxUnits
		}
		if d.GroupCount <= 0 {
			d.GroupCount = DefaultGroupCount
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYMESH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYMESH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYMESH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYMESH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYMESH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYMESH_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYMESH_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYMESH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Catalog
	if v := os.Getenv("GRAYMESH_CATALOG_DIR"); v != "" {
		cfg.Catalog.Dir = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("GRAYMESH_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
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

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Editor tokens grant configuration writes on live networks, so a weak
	// secret is refused outright.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYMESH_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.validateDrivers()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateDrivers() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Drivers))
	for i, d := range c.Drivers {
		prefix := fmt.Sprintf("drivers[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is not unique", prefix, d.ID))
		}
		seen[d.ID] = true

		if d.Protocol != ProtocolZWave {
			errs = append(errs, fmt.Sprintf("%s.protocol %q is not supported", prefix, d.Protocol))
		}
		if err := validateConnection(d.Connection); err != nil {
			errs = append(errs, fmt.Sprintf("%s.connection: %v", prefix, err))
		}
		if d.MaxReconnectInterval < d.ReconnectInterval {
			errs = append(errs, prefix+".max_reconnect_interval must not be below reconnect_interval")
		}
		if d.MaxUnits > DefaultMaxUnits {
			errs = append(errs, fmt.Sprintf("%s.max_units must not exceed %d", prefix, DefaultMaxUnits))
		}
		if d.GroupCount > 255 {
			errs = append(errs, prefix+".group_count must not exceed 255")
		}
	}
	return errs
}

func validateConnection(s string) error {
	if s == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return fmt.Errorf("tcp URL needs host:port")
		}
	case "unix":
		if u.Path == "" {
			return fmt.Errorf("unix URL needs a path")
		}
	default:
		return fmt.Errorf("scheme %q not supported", u.Scheme)
	}
	return nil
}

// Driver returns the configuration of driver id.
func (c *Config) Driver(id string) (DriverConfig, bool) {
	for _, d := range c.Drivers {
		if d.ID == id {
			return d, true
		}
	}
	return DriverConfig{}, false
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

// GetEditorTokenTTL returns the editor token lifetime as a Duration.
func (c *Config) GetEditorTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.EditorTokenTTL) * time.Minute
}
