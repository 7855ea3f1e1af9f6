package zwave

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

type testNet struct {
	c      *Controller
	sim    *simTransport
	fields *field.Store

	mu      sync.Mutex
	changed []uint16
}

func (n *testNet) changes() []uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.changed)
}

// newTestNet connects a controller to a simulated network.
func newTestNet(t *testing.T, cfg Config, nodes map[uint16]*simNode) *testNet {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "zw1"
	}
	if cfg.Connection == "" {
		cfg.Connection = "tcp://127.0.0.1:4201"
	}
	store := netconfig.NewStore(unit.NewRegistry(0), 16)
	n := &testNet{
		c:      NewController(cfg, store, testCatalog()),
		sim:    newSimTransport(nodes),
		fields: field.NewStore(),
	}
	n.c.SetDialer(func(context.Context, ClientConfig) (Transport, error) { return n.sim, nil })
	n.c.SetOnChange(func(id uint16) {
		n.mu.Lock()
		n.changed = append(n.changed, id)
		n.mu.Unlock()
	})

	ctx := context.Background()
	if err := n.c.AcquireCommResource(ctx); err != nil {
		t.Fatalf("AcquireCommResource() error = %v", err)
	}
	n.connect(t)
	return n
}

func (n *testNet) connect(t *testing.T) {
	t.Helper()
	defs, err := n.c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := n.fields.RegisterFields(defs); err != nil {
		t.Fatalf("RegisterFields() error = %v", err)
	}
}

// settle polls, reconnecting on ErrReconfigure like the runner does, until
// a poll completes cleanly.
func (n *testNet) settle(t *testing.T) {
	t.Helper()
	for range 6 {
		res, err := n.c.Poll(context.Background(), n.fields)
		if errors.Is(err, driver.ErrReconfigure) {
			n.connect(t)
			continue
		}
		if err != nil || res != driver.PollOK {
			t.Fatalf("Poll() = %s, %v", res, err)
		}
		return
	}
	t.Fatal("network did not settle")
}

func (n *testNet) unit(t *testing.T, id uint16) *unit.Unit {
	t.Helper()
	u, err := n.c.Store().Units().Get(id)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", id, err)
	}
	return u
}

func TestController_InterviewToReady(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})

	if info := n.c.Info(); info.Version != "Z-Wave 7.18" || !slices.Equal(info.Nodes, []uint16{1, 5}) {
		t.Errorf("Info() = %+v", info)
	}
	if u := n.unit(t, 5); u.State != unit.StateDiscovered {
		t.Fatalf("state after connect = %s", u.State)
	}
	if _, ok := n.fields.Lookup("node005.switch"); ok {
		t.Error("capability fields registered before the interview")
	}

	n.settle(t)

	u := n.unit(t, 5)
	if u.State != unit.StateReady {
		t.Fatalf("state = %s, want ready", u.State)
	}
	if !u.Listening || u.GenericType != 0x10 {
		t.Errorf("protocol info not recorded: %+v", u)
	}
	if u.TemplateKey == nil || *u.TemplateKey != switchSig {
		t.Errorf("TemplateKey = %v", u.TemplateKey)
	}
	if u.GroupCount != 2 {
		t.Errorf("GroupCount = %d, want 2", u.GroupCount)
	}
	if u.Params[7] != (unit.ParamValue{Value: 300, Width: 2}) {
		t.Errorf("Params = %v", u.Params)
	}
	if !slices.Equal(u.Groups[1], []capability.Target{{Node: 1}}) {
		t.Errorf("Groups = %v", u.Groups)
	}
	if !slices.Contains(n.changes(), 5) {
		t.Error("no change notification for the interviewed unit")
	}
}

func TestController_PollStoresValues(t *testing.T) {
	nodes := map[uint16]*simNode{5: newSwitchNode()}
	nodes[5].on = true
	n := newTestNet(t, Config{}, nodes)
	n.settle(t)

	_, r, err := n.fields.ReadByName("node005.switch")
	if err != nil {
		t.Fatalf("ReadByName() error = %v", err)
	}
	if r.Error || !r.Value.AsBool() {
		t.Errorf("switch reading = %+v", r)
	}

	_, r, _ = n.fields.ReadByName("node005.state")
	if r.Value.AsString() != "ready" {
		t.Errorf("state field = %q", r.Value.AsString())
	}
	_, r, _ = n.fields.ReadByName(FieldUnits)
	if r.Value.AsInt() != 1 {
		t.Errorf("%s = %d", FieldUnits, r.Value.AsInt())
	}

	// Unsolicited report.
	n.sim.push(5, byte(capability.SwitchBinary), 0x03, 0x00)
	n.c.handleEvents(n.fields, n.sim.Drain(), time.Now())
	_, r, _ = n.fields.ReadByName("node005.switch")
	if r.Value.AsBool() {
		t.Error("unsolicited report not applied")
	}
}

func TestController_WriteField(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)

	def, ok := n.fields.Lookup("node005.switch")
	if !ok {
		t.Fatal("switch field not registered")
	}
	if err := n.c.WriteField(context.Background(), def, field.Bool(true)); err != nil {
		t.Fatalf("WriteField() error = %v", err)
	}
	if !n.sim.node(5).on {
		t.Error("device not switched on")
	}

	status, _ := n.fields.Lookup(FieldUnits)
	err := n.c.WriteField(context.Background(), status, field.Int(3))
	if !errors.Is(err, field.ErrAccessViolation) {
		t.Errorf("WriteField(driver field) error = %v", err)
	}
}

func TestController_SetParameter(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		number uint8
		value  int32
		width  uint8
		want   error
	}{
		{"width differs from template", 7, 10, 1, ErrWidthMismatch},
		{"illegal width", 7, 10, 3, ErrWidthMismatch},
		{"above template max", 3, 5, 1, ErrParamOutOfRange},
		{"unknown parameter", 9, 1, 1, ErrUnknownParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := n.sim.sentCount()
			err := n.c.SetParameter(ctx, 5, tt.number, tt.value, tt.width, false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SetParameter() error = %v, want %v", err, tt.want)
			}
			if fault.ClassOf(err) != fault.ClassValidation {
				t.Errorf("ClassOf() = %q, want validation", fault.ClassOf(err))
			}
			if n.sim.sentCount() != before {
				t.Error("rejected write reached the device")
			}
			if got := n.unit(t, 5).Params[7]; got.Value != 300 {
				t.Errorf("rejected write changed the unit: %v", got)
			}
		})
	}

	if err := n.c.SetParameter(ctx, 5, 7, 600, 2, false); err != nil {
		t.Fatalf("SetParameter() error = %v", err)
	}
	if got := n.sim.node(5).params[7]; got != (unit.ParamValue{Value: 600, Width: 2}) {
		t.Errorf("device parameter = %v", got)
	}
	if got := n.unit(t, 5).Params[7]; got != (unit.ParamValue{Value: 600, Width: 2}) {
		t.Errorf("unit parameter = %v", got)
	}

	pv, err := n.c.QueryParameter(ctx, 5, 3, false)
	if err != nil || pv.Value != 1 {
		t.Errorf("QueryParameter() = %v, %v", pv, err)
	}

	res, err := n.c.Backdoor(ctx, CmdQueryParameter, map[string]string{"node": "5", "number": "7"})
	if err != nil {
		t.Fatalf("query_parameter error = %v", err)
	}
	if res.Data["value"] != int32(600) || res.Data["width"] != uint8(2) {
		t.Errorf("query_parameter data = %v", res.Data)
	}
	for _, params := range []map[string]string{
		{"node": "5", "number": "x"},
		{"node": "5", "number": "9"},
	} {
		if _, err := n.c.Backdoor(ctx, CmdQueryParameter, params); !errors.Is(err, ErrUnknownParameter) {
			t.Errorf("query_parameter %v error = %v, want ErrUnknownParameter", params, err)
		}
	}
}

func TestController_Associations(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)
	ctx := context.Background()

	target := capability.Target{Node: 9}
	if err := n.c.AddAssociation(ctx, 5, 2, target, false); err != nil {
		t.Fatalf("AddAssociation() error = %v", err)
	}
	if !slices.Contains(n.sim.node(5).members[2], target) {
		t.Error("device group not updated")
	}
	if !slices.Contains(n.unit(t, 5).Groups[2], target) {
		t.Error("unit group not updated")
	}

	before := n.sim.sentCount()
	err := n.c.AddAssociation(ctx, 5, 3, target, false)
	if !errors.Is(err, ErrGroupOutOfRange) {
		t.Errorf("group 3 error = %v, want ErrGroupOutOfRange", err)
	}
	err = n.c.AddAssociation(ctx, 5, 2, capability.Target{Node: 9, Endpoint: 2}, false)
	if !errors.Is(err, capability.ErrUnsupported) || fault.ClassOf(err) != fault.ClassCapabilityMismatch {
		t.Errorf("endpoint target error = %v, want capability mismatch", err)
	}
	err = n.c.AddAssociation(ctx, 5, 1, capability.Target{Node: 0}, false)
	if !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("node 0 error = %v, want ErrInvalidTarget", err)
	}
	if n.sim.sentCount() != before {
		t.Error("rejected association reached the device")
	}

	if err := n.c.DeleteAssociation(ctx, 5, 2, target, false); err != nil {
		t.Fatalf("DeleteAssociation() error = %v", err)
	}
	if slices.Contains(n.unit(t, 5).Groups[2], target) {
		t.Error("association still recorded after delete")
	}
}

func TestController_EditsBeforeInitVals(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})

	err := n.c.ValidateParameter(5, 7, 10, 2, false)
	if !errors.Is(err, unit.ErrStaleState) {
		t.Errorf("ValidateParameter() error = %v, want ErrStaleState", err)
	}
	err = n.c.ValidateAssociation(5, 1, capability.Target{Node: 2}, false)
	if !errors.Is(err, unit.ErrStaleState) {
		t.Errorf("ValidateAssociation() error = %v, want ErrStaleState", err)
	}
	if n.c.UnitViable(5) {
		t.Error("UnitViable() true for a discovered unit")
	}
	if !n.c.UnitViable(0) {
		t.Error("driver fields not viable")
	}
}

func TestController_SleepingNode(t *testing.T) {
	n := newTestNet(t, Config{WakeupGrace: 20 * time.Millisecond}, map[uint16]*simNode{7: newSensorNode()})

	n.settle(t)
	u := n.unit(t, 7)
	if u.State != unit.StateIdentifyingCapabilities || u.Listening {
		t.Fatalf("asleep unit: state=%s listening=%v", u.State, u.Listening)
	}

	// Wake-up notification lets the interview finish.
	n.sim.push(7, byte(capability.WakeUp), 0x07)
	n.settle(t)
	u = n.unit(t, 7)
	if u.State != unit.StateReady {
		t.Fatalf("state after wake-up = %s, want ready", u.State)
	}
	if u.TemplateKey != nil {
		t.Error("unknown device bound to a template")
	}
	if u.GroupCount != 3 {
		t.Errorf("GroupCount = %d, want 3", u.GroupCount)
	}

	time.Sleep(40 * time.Millisecond)
	n.settle(t)
	if n.unit(t, 7).Awake {
		t.Fatal("wake window did not expire")
	}

	before := n.sim.sentCount()
	err := n.c.AddAssociation(context.Background(), 7, 1, capability.Target{Node: 1}, false)
	if !errors.Is(err, ErrDeviceAsleep) {
		t.Errorf("AddAssociation(asleep) error = %v, want ErrDeviceAsleep", err)
	}
	if fault.ClassOf(err) != fault.ClassDeviceUnreachable {
		t.Errorf("ClassOf() = %q", fault.ClassOf(err))
	}
	if n.sim.sentCount() != before {
		t.Error("command sent to a sleeping node")
	}
	if err := n.c.ValidateAssociation(7, 1, capability.Target{Node: 1}, true); err != nil {
		t.Errorf("ValidateAssociation(awake) error = %v", err)
	}
}

func TestController_FailedNodeRecovers(t *testing.T) {
	n := newTestNet(t, Config{FailureThreshold: 3}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)

	n.sim.node(5).dead = true
	for i := range 3 {
		if res, err := n.c.Poll(context.Background(), n.fields); err != nil || res != driver.PollOK {
			t.Fatalf("Poll %d = %s, %v", i, res, err)
		}
	}
	if u := n.unit(t, 5); u.State != unit.StateFailed || !u.Failed {
		t.Fatalf("state after failures = %s", u.State)
	}
	_, r, _ := n.fields.ReadByName("node005.switch")
	if !r.Error {
		t.Error("fields of a failed unit not marked in error")
	}
	_, r, _ = n.fields.ReadByName(FieldFailedUnits)
	if r.Value.AsInt() != 1 {
		t.Errorf("%s = %d", FieldFailedUnits, r.Value.AsInt())
	}

	// Any frame from the node brings it back through the interview.
	n.sim.node(5).dead = false
	n.sim.push(5, byte(capability.SwitchBinary), 0x03, 0xFF)
	n.settle(t)
	if u := n.unit(t, 5); u.State != unit.StateReady || u.Failed {
		t.Errorf("state after recovery = %s failed=%v", u.State, u.Failed)
	}
}

func TestController_LinkFailureStopsPoll(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)

	_ = n.sim.Close()
	res, err := n.c.Poll(context.Background(), n.fields)
	if res != driver.PollLostConnection || !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Poll() = %s, %v", res, err)
	}
}

func TestController_Backdoor(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)
	ctx := context.Background()

	t.Run("include", func(t *testing.T) {
		n.sim.mu.Lock()
		n.sim.nodes[9] = newSwitchNode()
		n.sim.joining = 9
		n.sim.mu.Unlock()

		res, err := n.c.Backdoor(ctx, CmdInclude, nil)
		if err != nil {
			t.Fatalf("include error = %v", err)
		}
		if res.Data["node"] != uint16(9) || !res.ResetTimers {
			t.Errorf("include result = %+v", res)
		}
		if u := n.unit(t, 9); u.State != unit.StateDiscovered {
			t.Errorf("included unit state = %s", u.State)
		}
		n.settle(t)
		if u := n.unit(t, 9); u.State != unit.StateReady {
			t.Errorf("included unit not interviewed: %s", u.State)
		}
	})

	t.Run("exclude", func(t *testing.T) {
		n.sim.mu.Lock()
		n.sim.leaving = 9
		n.sim.mu.Unlock()

		if _, err := n.c.Backdoor(ctx, CmdExclude, nil); err != nil {
			t.Fatalf("exclude error = %v", err)
		}
		if _, err := n.c.Store().Units().Get(9); !errors.Is(err, unit.ErrUnitNotFound) {
			t.Error("excluded unit still registered")
		}
		if !slices.Contains(n.changes(), 9) {
			t.Error("no change notification for the excluded unit")
		}
	})

	t.Run("refresh node", func(t *testing.T) {
		if _, err := n.c.Backdoor(ctx, CmdRefreshNode, map[string]string{"node": "5"}); err != nil {
			t.Fatalf("refresh_node error = %v", err)
		}
		if u := n.unit(t, 5); u.State != unit.StateDiscovered {
			t.Errorf("state = %s", u.State)
		}
		_, err := n.c.Backdoor(ctx, CmdRefreshNode, map[string]string{"node": "1"})
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("refresh of the controller error = %v", err)
		}
	})

	t.Run("retarget", func(t *testing.T) {
		_, err := n.c.Backdoor(ctx, CmdRetarget, map[string]string{"connection": "serial:///dev/ttyACM0"})
		if !errors.Is(err, ErrInvalidConnection) {
			t.Errorf("bad retarget error = %v", err)
		}
		res, err := n.c.Backdoor(ctx, CmdRetarget, map[string]string{"connection": "tcp://10.0.0.2:4201"})
		if err != nil {
			t.Fatalf("retarget error = %v", err)
		}
		if !res.Reconnect || n.c.Connection() != "tcp://10.0.0.2:4201" {
			t.Errorf("retarget result = %+v, connection %s", res, n.c.Connection())
		}
	})

	t.Run("status", func(t *testing.T) {
		res, err := n.c.Backdoor(ctx, CmdStatus, nil)
		if err != nil || res.Data["units"] != 1 {
			t.Errorf("status = %+v, %v", res, err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := n.c.Backdoor(ctx, "format_disk", nil)
		if !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("unknown command error = %v", err)
		}
	})

	t.Run("reset", func(t *testing.T) {
		res, err := n.c.Backdoor(ctx, CmdReset, nil)
		if err != nil {
			t.Fatalf("reset error = %v", err)
		}
		if res.Data["removed_units"] != 1 || n.c.Store().Units().Len() != 0 {
			t.Errorf("reset result = %+v, units %d", res, n.c.Store().Units().Len())
		}
	})
}

func TestController_RestoredUnitsRebindTemplates(t *testing.T) {
	n := newTestNet(t, Config{}, map[uint16]*simNode{5: newSwitchNode()})
	n.settle(t)

	snap := n.c.Store().Snapshot()
	reg := unit.NewRegistry(0)
	store := netconfig.NewStore(reg, 16)
	if err := store.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	c := NewController(Config{ID: "zw1", Connection: "tcp://127.0.0.1:4201"}, store, testCatalog())
	c.SetDialer(func(context.Context, ClientConfig) (Transport, error) { return n.sim, nil })
	if err := c.AcquireCommResource(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, ok := reg.Template(5); !ok {
		t.Error("template not rebound for a restored unit")
	}
}
