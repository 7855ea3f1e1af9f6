package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYMESH_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_InvalidDriver(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
site:
  id: test-site
database:
  path: "` + filepath.Join(t.TempDir(), "mesh.db") + `"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
drivers:
  - id: zw1
    connection: serial:///dev/ttyUSB0
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYMESH_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with an unsupported connection scheme")
	}
}

func TestConnectInflux_Disabled(t *testing.T) {
	client, err := connectInflux(config.InfluxDBConfig{}, logging.Default())
	if err != nil {
		t.Fatalf("connectInflux() error = %v", err)
	}
	if client != nil {
		t.Error("connectInflux() returned a client while disabled")
	}
}
