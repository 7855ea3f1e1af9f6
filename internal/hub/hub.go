package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/zwave"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
)

// Logger is the logging interface used by the hub and handed to the
// components of every instance.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher is the MQTT surface the hub needs. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Telemetry records time series. *influxdb.Client implements it.
type Telemetry interface {
	WriteFieldValue(s influxdb.FieldSample)
	WriteDriverHealth(s influxdb.DriverSample)
}

const (
	defaultPersistInterval = 30 * time.Second
	shutdownTimeout        = 5 * time.Second
)

// Config wires a hub to its surroundings. Everything but Catalog is
// optional.
type Config struct {
	Version string

	// Catalog resolves device templates. Nil uses catalog.Default().
	Catalog *catalog.Catalog

	// Repository persists network configuration per driver.
	Repository netconfig.Repository

	Publisher Publisher
	Telemetry Telemetry

	// Dialer replaces how controllers are reached.
	Dialer zwave.Dialer

	SessionBacklog  int
	HealthInterval  time.Duration
	PersistInterval time.Duration
}

// Hub owns the driver instances of a site.
type Hub struct {
	cfg     Config
	logger  Logger
	running atomic.Bool
	dropped atomic.Uint64

	mu        sync.RWMutex
	instances map[string]*Instance
	order     []string
}

// New creates an empty hub. Add drivers with AddDriver before Run.
func New(cfg Config) *Hub {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaultPersistInterval
	}
	return &Hub{
		cfg:       cfg,
		logger:    noopLogger{},
		instances: make(map[string]*Instance),
	}
}

// SetLogger sets the logger. Call before AddDriver so instances inherit it.
func (h *Hub) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// AddDriver creates the instance for dc.
func (h *Hub) AddDriver(dc config.DriverConfig) (*Instance, error) {
	if h.running.Load() {
		return nil, ErrRunning
	}
	if dc.Protocol == "" {
		dc.Protocol = config.ProtocolZWave
	}
	if dc.Protocol != config.ProtocolZWave {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, dc.Protocol)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.instances[dc.ID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateDriver, dc.ID)
	}
	inst := h.newInstance(dc)
	h.instances[dc.ID] = inst
	h.order = append(h.order, dc.ID)
	h.logger.Info("driver added", "driver_id", dc.ID, "connection", dc.Connection)
	return inst, nil
}

// Instance returns the instance of driverID.
func (h *Hub) Instance(driverID string) (*Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[driverID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driverID)
	}
	return inst, nil
}

func (h *Hub) list() []*Instance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Instance, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.instances[id])
	}
	return out
}

// Run starts every instance and blocks until ctx is cancelled or one of
// them fails. Configuration is persisted a last time on the way out.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range h.list() {
		h.restore(gctx, inst)
		if err := h.subscribeCommands(inst); err != nil {
			h.logger.Warn("command subscription failed", "driver_id", inst.ID(), "error", err)
		}
		if inst.health != nil {
			if err := inst.health.PublishStarting(); err != nil {
				h.logger.Debug("publishing starting health", "driver_id", inst.ID(), "error", err)
			}
			inst.health.Start(gctx)
		}

		g.Go(func() error { return inst.Runner.Run(gctx) })
		g.Go(func() error {
			h.publishChanges(gctx, inst)
			return nil
		})
		g.Go(func() error {
			h.maintain(gctx, inst)
			return nil
		})
	}

	err := g.Wait()
	h.stop()
	return err
}

func (h *Hub) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, inst := range h.list() {
		if inst.health != nil {
			inst.health.Stop()
		}
		if _, err := inst.Sync.Persist(ctx); err != nil {
			h.logger.Error("final persist failed", "driver_id", inst.ID(), "error", err)
		}
	}
}

// restore loads persisted configuration. A driver with stored
// configuration does not wait for SupplyConfig.
func (h *Hub) restore(ctx context.Context, inst *Instance) {
	err := inst.Sync.Restore(ctx)
	switch {
	case err == nil:
		inst.Controller.MarkConfigured()
	case errors.Is(err, netconfig.ErrNotFound):
		h.logger.Info("no persisted configuration", "driver_id", inst.ID())
	default:
		h.logger.Warn("persisted configuration unusable, starting empty", "driver_id", inst.ID(), "error", err)
	}
}

// maintain persists configuration and records driver statistics.
func (h *Hub) maintain(ctx context.Context, inst *Instance) {
	ticker := time.NewTicker(h.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := inst.Sync.Persist(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("periodic persist failed", "driver_id", inst.ID(), "error", err)
			}
			h.recordDriverHealth(inst, inst.Runner.State())
		}
	}
}
