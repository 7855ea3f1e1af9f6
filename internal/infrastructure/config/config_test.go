package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
  qos: 1
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
catalog:
  dir: "/etc/graymesh/templates"
drivers:
  - id: zw1
    connection: tcp://10.0.0.5:4001
    poll_interval: 2s
    wakeup_grace: 30s
    require_config: true
  - id: zw2
    protocol: zwave
    connection: unix:///run/zwave.sock
    group_count: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.Catalog.Dir != "/etc/graymesh/templates" {
		t.Errorf("Catalog.Dir = %q", cfg.Catalog.Dir)
	}
	if len(cfg.Drivers) != 2 {
		t.Fatalf("len(Drivers) = %d, want 2", len(cfg.Drivers))
	}

	zw1 := cfg.Drivers[0]
	if zw1.Protocol != ProtocolZWave {
		t.Errorf("Protocol = %q, want default %q", zw1.Protocol, ProtocolZWave)
	}
	if zw1.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", zw1.PollInterval)
	}
	if zw1.ReconnectInterval != DefaultReconnectInterval || zw1.MaxReconnectInterval != DefaultMaxReconnectInterval {
		t.Errorf("reconnect = %v..%v, want defaults", zw1.ReconnectInterval, zw1.MaxReconnectInterval)
	}
	if zw1.ProtocolErrorThreshold != 3 || zw1.MaxUnits != 232 || zw1.GroupCount != 16 {
		t.Errorf("defaults = %d/%d/%d", zw1.ProtocolErrorThreshold, zw1.MaxUnits, zw1.GroupCount)
	}
	if !zw1.RequireConfig || zw1.WakeupGrace != 30*time.Second {
		t.Errorf("RequireConfig = %v, WakeupGrace = %v", zw1.RequireConfig, zw1.WakeupGrace)
	}

	zw2, ok := cfg.Driver("zw2")
	if !ok || zw2.GroupCount != 8 {
		t.Errorf("Driver(zw2) = %+v, %v", zw2, ok)
	}
	if _, ok := cfg.Driver("nope"); ok {
		t.Error("Driver(nope) found")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, `
site:
  id: ""
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	return &Config{
		Site:     SiteConfig{ID: "site-001"},
		Database: DatabaseConfig{Path: "/data/graymesh.db"},
		MQTT:     MQTTConfig{QoS: 1},
		API:      APIConfig{Port: 8080},
		Security: SecurityConfig{JWT: JWTConfig{Secret: validJWTSecret}},
	}
}

func validDriver() DriverConfig {
	return DriverConfig{
		ID:                   "zw1",
		Protocol:             ProtocolZWave,
		Connection:           "tcp://localhost:4001",
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: time.Minute,
		MaxUnits:             232,
		GroupCount:           16,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "valid driver", mutate: func(c *Config) { c.Drivers = []DriverConfig{validDriver()} }},
		{name: "missing site id", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "GRAYMESH_JWT_SECRET"},
		{name: "short JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "32 characters"},
		{
			name:    "influxdb without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name: "duplicate driver id",
			mutate: func(c *Config) {
				c.Drivers = []DriverConfig{validDriver(), validDriver()}
			},
			wantErr: "not unique",
		},
		{
			name: "unknown protocol",
			mutate: func(c *Config) {
				d := validDriver()
				d.Protocol = "zigbee"
				c.Drivers = []DriverConfig{d}
			},
			wantErr: "not supported",
		},
		{
			name: "bad connection scheme",
			mutate: func(c *Config) {
				d := validDriver()
				d.Connection = "serial:///dev/ttyUSB0"
				c.Drivers = []DriverConfig{d}
			},
			wantErr: "connection",
		},
		{
			name: "tcp without host",
			mutate: func(c *Config) {
				d := validDriver()
				d.Connection = "tcp://"
				c.Drivers = []DriverConfig{d}
			},
			wantErr: "host:port",
		},
		{
			name: "reconnect cap below start",
			mutate: func(c *Config) {
				d := validDriver()
				d.MaxReconnectInterval = time.Millisecond
				c.Drivers = []DriverConfig{d}
			},
			wantErr: "max_reconnect_interval",
		},
		{
			name: "too many units",
			mutate: func(c *Config) {
				d := validDriver()
				d.MaxUnits = 500
				c.Drivers = []DriverConfig{d}
			},
			wantErr: "max_units",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.API.Port = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"site.id", "api.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API:      APIConfig{Timeouts: APITimeoutConfig{Read: 10, Write: 20, Idle: 30}},
		Security: SecurityConfig{JWT: JWTConfig{EditorTokenTTL: 60}},
	}

	if got := cfg.GetReadTimeout(); got != 10*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 30*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetEditorTokenTTL(); got != time.Hour {
		t.Errorf("GetEditorTokenTTL() = %v, want 1h", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GRAYMESH_DATABASE_PATH", "/env/mesh.db")
	t.Setenv("GRAYMESH_MQTT_HOST", "mqtt.env")
	t.Setenv("GRAYMESH_API_PORT", "9090")
	t.Setenv("GRAYMESH_CATALOG_DIR", "/env/templates")
	t.Setenv("GRAYMESH_JWT_SECRET", "env-secret-that-is-long-enough-123456")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/env/mesh.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "mqtt.env" {
		t.Errorf("MQTT.Broker.Host = %q", cfg.MQTT.Broker.Host)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
	if cfg.Catalog.Dir != "/env/templates" {
		t.Errorf("Catalog.Dir = %q", cfg.Catalog.Dir)
	}
	if cfg.Security.JWT.Secret != "env-secret-that-is-long-enough-123456" {
		t.Errorf("JWT secret not overridden")
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	t.Setenv("GRAYMESH_API_PORT", "not-a-port")
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", cfg.API.Port)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("GRAYMESH_CONFIG", "")
	if got := Path(); got != "configs/config.yaml" {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv("GRAYMESH_CONFIG", "/etc/graymesh.yaml")
	if got := Path(); got != "/etc/graymesh.yaml" {
		t.Errorf("Path() = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path != "./data/graymesh.db" || !cfg.Database.WALMode {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.MQTT.Broker.ClientID != "graymesh" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.WebSocket.Path != "/ws" || cfg.WebSocket.SessionBacklog != 256 {
		t.Errorf("WebSocket = %+v", cfg.WebSocket)
	}
	if cfg.Security.JWT.EditorTokenTTL != 480 {
		t.Errorf("EditorTokenTTL = %d", cfg.Security.JWT.EditorTokenTTL)
	}
	if cfg.InfluxDB.Enabled {
		t.Error("InfluxDB enabled by default")
	}
}
