package hub

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/zwave"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
)

// DriverInfo summarises one instance.
type DriverInfo struct {
	ID         string       `json:"id"`
	Protocol   string       `json:"protocol"`
	Connection string       `json:"connection"`
	State      driver.State `json:"state"`
	Stats      driver.Stats `json:"stats"`
	Serial     uint64       `json:"serial"`
	Units      int          `json:"units"`
	Fields     int          `json:"fields"`
	Sessions   int          `json:"sessions"`
	Structural string       `json:"structural,omitempty"`
}

// Drivers lists the instances in the order they were added.
func (h *Hub) Drivers() []DriverInfo {
	var out []DriverInfo
	for _, inst := range h.list() {
		op, _ := inst.Sync.Structural()
		out = append(out, DriverInfo{
			ID:         inst.ID(),
			Protocol:   inst.Config.Protocol,
			Connection: inst.Controller.Connection(),
			State:      inst.Runner.State(),
			Stats:      inst.Runner.Stats(),
			Serial:     inst.Sync.Serial(),
			Units:      len(inst.Controller.Units()),
			Fields:     inst.Fields.Len(),
			Sessions:   inst.Sync.SessionCount(),
			Structural: op,
		})
	}
	return out
}

// Fields returns the field layout and current readings of a driver.
func (h *Hub) Fields(driverID string) ([]field.Entry, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return nil, err
	}
	return inst.Fields.Snapshot(), nil
}

// QueryFieldValue returns the cached reading of a field. It never touches
// the device.
func (h *Hub) QueryFieldValue(driverID, name string) (field.Def, field.Reading, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return field.Def{}, field.Reading{}, err
	}
	return inst.Fields.ReadByName(name)
}

// WriteField sends v to the device behind a field.
func (h *Hub) WriteField(ctx context.Context, driverID, name string, v field.Value) error {
	inst, err := h.Instance(driverID)
	if err != nil {
		return err
	}
	return inst.Runner.WriteFieldByName(ctx, name, v)
}

// SendBackdoorCommand runs a driver extension command. Structural commands
// are bracketed like RunStructural.
func (h *Hub) SendBackdoorCommand(ctx context.Context, driverID, cmd string, params map[string]string) (driver.BackdoorResult, error) {
	if zwave.Structural(cmd) {
		return h.RunStructural(ctx, driverID, cmd, params)
	}
	inst, err := h.Instance(driverID)
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	return inst.Runner.Backdoor(ctx, cmd, params)
}

// RunStructural runs include, exclude or reset. Sync sessions hold their
// notifications while it runs and get a structural-end notification with a
// fresh serial afterwards, whether or not the operation succeeded.
func (h *Hub) RunStructural(ctx context.Context, driverID, cmd string, params map[string]string) (driver.BackdoorResult, error) {
	if !zwave.Structural(cmd) {
		return driver.BackdoorResult{}, fmt.Errorf("%w: %q", ErrNotStructural, cmd)
	}
	inst, err := h.Instance(driverID)
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	if err := inst.Sync.BeginStructural(cmd); err != nil {
		return driver.BackdoorResult{}, err
	}
	defer inst.Sync.EndStructural(context.WithoutCancel(ctx), cmd)

	h.logger.Info("structural operation started", "driver_id", driverID, "op", cmd)
	res, err := inst.Runner.Backdoor(ctx, cmd, params)
	if err != nil {
		h.logger.Warn("structural operation failed", "driver_id", driverID, "op", cmd, "error", err)
		return res, err
	}
	h.logger.Info("structural operation finished", "driver_id", driverID, "op", cmd)
	return res, nil
}

// DownloadConfig returns the driver's configuration and serial.
func (h *Hub) DownloadConfig(driverID string) (*configsync.Snapshot, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return nil, err
	}
	return inst.Sync.Download(), nil
}

// SubmitConfig applies edits made against serial expected.
func (h *Hub) SubmitConfig(ctx context.Context, driverID string, edits configsync.Edits, expected uint64) (configsync.Result, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return configsync.Result{}, err
	}
	return inst.Sync.Submit(ctx, edits, expected)
}

// RenameUnit renames a unit against serial expected.
func (h *Hub) RenameUnit(ctx context.Context, driverID string, unitID uint16, name string, expected uint64) (configsync.Result, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return configsync.Result{}, err
	}
	return inst.Sync.Rename(ctx, unitID, name, expected)
}

// QueryUnitDiagnostics reports a unit's capabilities, parameters, groups
// and field readings.
func (h *Hub) QueryUnitDiagnostics(ctx context.Context, driverID string, unitID uint16) (*configsync.Diagnostics, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return nil, err
	}
	return inst.Sync.Diagnostics(ctx, unitID)
}

// OpenSession starts a remote editor session on a driver.
func (h *Hub) OpenSession(driverID string) (*configsync.Session, error) {
	inst, err := h.Instance(driverID)
	if err != nil {
		return nil, err
	}
	return inst.Sync.OpenSession(), nil
}

// SupplyConfig releases a driver waiting in AwaitingConfig. A non-empty
// blob (an encoded configuration record) replaces the driver's
// configuration first; sessions see it as a structural change.
func (h *Hub) SupplyConfig(ctx context.Context, driverID string, blob []byte) error {
	inst, err := h.Instance(driverID)
	if err != nil {
		return err
	}

	if len(blob) > 0 {
		snap, err := netconfig.Decode(blob)
		if err != nil {
			return err
		}
		store := inst.Controller.Store()
		if err := snap.Validate(store.Units().MaxUnits(), store.GroupCount()); err != nil {
			return err
		}
		if err := inst.Sync.BeginStructural(opSupplyConfig); err != nil {
			return err
		}
		err = inst.Runner.Do(ctx, func(context.Context) error { return store.Restore(snap) })
		inst.Sync.EndStructural(context.WithoutCancel(ctx), opSupplyConfig)
		if err != nil {
			return fmt.Errorf("applying supplied configuration: %w", err)
		}
		h.logger.Info("configuration supplied", "driver_id", driverID, "units", len(snap.Units))
	}

	inst.Controller.MarkConfigured()
	return inst.Runner.SupplyConfig(ctx)
}

const opSupplyConfig = "supply_config"
