package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
)

const qosAtLeastOnce = 1

// StateMessage is published retained on graymesh/state/{driver}/{field}.
type StateMessage struct {
	Driver   string         `json:"driver"`
	Field    string         `json:"field"`
	UnitID   uint16         `json:"unit_id,omitempty"`
	Semantic field.Semantic `json:"semantic,omitempty"`
	Kind     string         `json:"kind"`
	Value    any            `json:"value"`
	Error    bool           `json:"error"`
	Serial   uint64         `json:"serial"`
	Changed  time.Time      `json:"changed"`
}

// CommandMessage is accepted on graymesh/command/{driver}/{field}.
type CommandMessage struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// AckMessage answers a command on graymesh/ack/{driver}/{field}.
type AckMessage struct {
	ID        string      `json:"id"`
	Driver    string      `json:"driver"`
	Field     string      `json:"field"`
	Status    string      `json:"status"`
	Error     string      `json:"error,omitempty"`
	Class     fault.Class `json:"class,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

func newStateMessage(driverID string, def field.Def, r field.Reading) StateMessage {
	return StateMessage{
		Driver:   driverID,
		Field:    def.Name,
		UnitID:   def.UnitID,
		Semantic: def.Semantic,
		Kind:     def.Kind.String(),
		Value:    r.Value.Any(),
		Error:    r.Error,
		Serial:   r.Serial,
		Changed:  r.Changed,
	}
}

// enqueueChange runs on the driver worker; it never blocks.
func (h *Hub) enqueueChange(inst *Instance, def field.Def, r field.Reading) {
	if h.cfg.Publisher == nil && h.cfg.Telemetry == nil {
		return
	}
	select {
	case inst.changes <- fieldChange{def: def, reading: r}:
	default:
		if n := h.dropped.Add(1); n%100 == 1 {
			h.logger.Warn("field change queue full, dropping", "driver_id", inst.ID(), "field_id", def.Name, "dropped", n)
		}
	}
}

func (h *Hub) publishChanges(ctx context.Context, inst *Instance) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-inst.changes:
			h.publishChange(inst, c.def, c.reading)
		}
	}
}

func (h *Hub) publishChange(inst *Instance, def field.Def, r field.Reading) {
	if h.cfg.Publisher != nil {
		retained := !def.Flags.Has(field.FlagNonPersistent)
		payload, err := json.Marshal(newStateMessage(inst.ID(), def, r))
		if err == nil {
			err = h.cfg.Publisher.Publish(mqtt.Topics{}.State(inst.ID(), def.Name), payload, qosAtLeastOnce, retained)
		}
		if err != nil {
			h.logger.Debug("state publish failed", "driver_id", inst.ID(), "field_id", def.Name, "error", err)
		}
	}

	if h.cfg.Telemetry != nil && !r.Error && r.Value.Numeric() {
		h.cfg.Telemetry.WriteFieldValue(influxdb.FieldSample{
			DriverID: inst.ID(),
			UnitID:   def.UnitID,
			Field:    def.Name,
			Semantic: string(def.Semantic),
			Value:    r.Value.AsFloat(),
			At:       r.Changed,
		})
	}
}

func (h *Hub) recordDriverHealth(inst *Instance, state driver.State) {
	if h.cfg.Telemetry == nil {
		return
	}
	st := inst.Runner.Stats()
	h.cfg.Telemetry.WriteDriverHealth(influxdb.DriverSample{
		DriverID:       inst.ID(),
		State:          state.String(),
		Polls:          st.Polls,
		Reconnects:     st.ConnectFails,
		ProtocolErrors: st.ProtocolErrors,
		Commands:       st.Commands,
	})
}

func (h *Hub) subscribeCommands(inst *Instance) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	return h.cfg.Publisher.Subscribe(mqtt.Topics{}.AllCommands(inst.ID()), qosAtLeastOnce,
		func(topic string, payload []byte) error {
			h.handleCommand(context.Background(), topic, payload)
			return nil
		})
}

// handleCommand writes a field on behalf of a presentation layer and
// publishes the outcome.
func (h *Hub) handleCommand(ctx context.Context, topic string, payload []byte) AckMessage {
	ack := AckMessage{Status: AckOK}
	category, driverID, name, ok := mqtt.ParseFieldTopic(topic)
	if !ok || category != mqtt.CategoryCommand {
		ack.Status, ack.Error = AckError, "malformed command topic"
		h.logger.Warn("malformed command topic", "topic", topic)
		return ack
	}
	ack.Driver, ack.Field = driverID, name

	var cmd CommandMessage
	err := json.Unmarshal(payload, &cmd)
	if err != nil {
		err = fmt.Errorf("%w: decoding command: %w", fault.ErrValidation, err)
	}
	ack.ID = cmd.ID
	if ack.ID == "" {
		ack.ID = uuid.NewString()
	}

	if err == nil {
		err = h.writeFromCommand(ctx, driverID, name, cmd.Value)
	}
	if err != nil {
		ack.Status, ack.Error, ack.Class = AckError, err.Error(), fault.ClassOf(err)
		h.logger.Info("command rejected", "driver_id", driverID, "field_id", name, "error", err)
	}
	ack.Timestamp = time.Now().UTC()

	if h.cfg.Publisher != nil {
		data, merr := json.Marshal(ack)
		if merr == nil {
			merr = h.cfg.Publisher.Publish(mqtt.Topics{}.Ack(driverID, name), data, qosAtLeastOnce, false)
		}
		if merr != nil {
			h.logger.Debug("ack publish failed", "driver_id", driverID, "field_id", name, "error", merr)
		}
	}
	return ack
}

func (h *Hub) writeFromCommand(ctx context.Context, driverID, name string, raw any) error {
	inst, err := h.Instance(driverID)
	if err != nil {
		return err
	}
	def, ok := inst.Fields.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", field.ErrUnknownField, name)
	}
	v, err := field.ParseValue(def.Kind, raw)
	if err != nil {
		return err
	}
	return inst.Runner.WriteField(ctx, def.ID, v)
}
