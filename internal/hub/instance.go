package hub

import (
	"github.com/nerrad567/gray-logic-mesh/internal/bridges/zwave"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// changeQueueSize bounds field changes waiting to be published.
const changeQueueSize = 1024

// Instance is one running driver and everything it owns.
type Instance struct {
	Config     config.DriverConfig
	Fields     *field.Store
	Controller *zwave.Controller
	Runner     *driver.Runner
	Sync       *configsync.Service

	health  *zwave.HealthReporter
	changes chan fieldChange
}

type fieldChange struct {
	def     field.Def
	reading field.Reading
}

// ID returns the driver id.
func (i *Instance) ID() string { return i.Config.ID }

func (h *Hub) newInstance(dc config.DriverConfig) *Instance {
	fields := field.NewStore()
	store := netconfig.NewStore(unit.NewRegistry(dc.MaxUnits), dc.GroupCount)

	ctrl := zwave.NewController(zwave.Config{
		ID:             dc.ID,
		Connection:     dc.Connection,
		ConnectTimeout: dc.RequestTimeout,
		NodeTimeout:    dc.RequestTimeout,
		WakeupGrace:    dc.WakeupGrace,
		RequireConfig:  dc.RequireConfig,
	}, store, h.cfg.Catalog)
	if h.cfg.Dialer != nil {
		ctrl.SetDialer(h.cfg.Dialer)
	}

	runner := driver.NewRunner(ctrl, driver.Config{
		PollInterval:           dc.PollInterval,
		ReconnectInterval:      dc.ReconnectInterval,
		MaxReconnectInterval:   dc.MaxReconnectInterval,
		RequestTimeout:         dc.RequestTimeout,
		CallTimeout:            dc.CallTimeout,
		ProtocolErrorThreshold: dc.ProtocolErrorThreshold,
	}, fields)

	svc := configsync.NewService(configsync.Config{
		DriverID:       dc.ID,
		Repository:     h.cfg.Repository,
		Fields:         fields,
		SessionBacklog: h.cfg.SessionBacklog,
	}, ctrl, runner)

	inst := &Instance{
		Config:     dc,
		Fields:     fields,
		Controller: ctrl,
		Runner:     runner,
		Sync:       svc,
		changes:    make(chan fieldChange, changeQueueSize),
	}

	store.SetLogger(h.logger)
	ctrl.SetLogger(h.logger)
	runner.SetLogger(h.logger)
	svc.SetLogger(h.logger)

	fields.SetOnChange(func(def field.Def, r field.Reading) { h.enqueueChange(inst, def, r) })
	runner.SetOnStateChange(func(_, to driver.State) { h.recordDriverHealth(inst, to) })

	if h.cfg.Publisher != nil {
		inst.health = zwave.NewHealthReporter(zwave.HealthReporterConfig{
			DriverID:  dc.ID,
			Version:   h.cfg.Version,
			Interval:  h.cfg.HealthInterval,
			Publisher: h.cfg.Publisher,
			Source:    ctrl,
			State:     func() string { return runner.State().String() },
		})
		inst.health.SetLogger(h.logger)
	}
	return inst
}
