package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/zwave"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

var errNoController = errors.New("test: no controller attached")

func failingDialer(context.Context, zwave.ClientConfig) (zwave.Transport, error) {
	return nil, errNoController
}

type memRepo struct {
	mu      sync.Mutex
	records map[string][]byte
	serials map[string]uint64
	saves   int
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string][]byte), serials: make(map[string]uint64)}
}

func (r *memRepo) Save(_ context.Context, driverID string, serial uint64, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[driverID] = blob
	r.serials[driverID] = serial
	r.saves++
	return nil
}

func (r *memRepo) Load(_ context.Context, driverID string) ([]byte, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.records[driverID]
	if !ok {
		return nil, 0, netconfig.ErrNotFound
	}
	return blob, r.serials[driverID], nil
}

func (r *memRepo) Delete(_ context.Context, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[driverID]; !ok {
		return netconfig.ErrNotFound
	}
	delete(r.records, driverID)
	return nil
}

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	subs     []string
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, topic)
	return nil
}

func (p *fakePublisher) IsConnected() bool { return true }

func (p *fakePublisher) last(topic string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].topic == topic {
			return p.messages[i], true
		}
	}
	return published{}, false
}

type fakeTelemetry struct {
	mu      sync.Mutex
	fields  []influxdb.FieldSample
	drivers []influxdb.DriverSample
}

func (f *fakeTelemetry) WriteFieldValue(s influxdb.FieldSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, s)
}

func (f *fakeTelemetry) WriteDriverHealth(s influxdb.DriverSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers = append(f.drivers, s)
}

func testDriver(id string) config.DriverConfig {
	return config.DriverConfig{
		ID:                   id,
		Connection:           "tcp://127.0.0.1:1",
		PollInterval:         time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
		RequestTimeout:       200 * time.Millisecond,
		CallTimeout:          2 * time.Second,
		MaxUnits:             232,
		GroupCount:           4,
	}
}

func newTestHub(t *testing.T, cfg Config, drivers ...config.DriverConfig) *Hub {
	t.Helper()
	cfg.Dialer = failingDialer
	h := New(cfg)
	for _, dc := range drivers {
		if _, err := h.AddDriver(dc); err != nil {
			t.Fatalf("AddDriver(%s) error = %v", dc.ID, err)
		}
	}
	return h
}

// startHub runs h until the test ends.
func startHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func encodeConfig(t *testing.T, serial uint64, groups ...string) []byte {
	t.Helper()
	blob, err := netconfig.Encode(&netconfig.Snapshot{Serial: serial, Groups: groups})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return blob
}

func kinds(ns []configsync.Notification) []configsync.NotificationKind {
	out := make([]configsync.NotificationKind, len(ns))
	for i, n := range ns {
		out[i] = n.Kind
	}
	return out
}

func TestAddDriver(t *testing.T) {
	h := newTestHub(t, Config{})

	inst, err := h.AddDriver(testDriver("zw1"))
	if err != nil {
		t.Fatalf("AddDriver() error = %v", err)
	}
	if inst.Config.Protocol != config.ProtocolZWave {
		t.Errorf("Protocol = %q, want default %q", inst.Config.Protocol, config.ProtocolZWave)
	}

	tests := []struct {
		name    string
		dc      config.DriverConfig
		wantErr error
	}{
		{name: "duplicate id", dc: testDriver("zw1"), wantErr: ErrDuplicateDriver},
		{
			name: "unsupported protocol",
			dc: func() config.DriverConfig {
				dc := testDriver("zb1")
				dc.Protocol = "zigbee"
				return dc
			}(),
			wantErr: ErrUnsupportedProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.AddDriver(tt.dc)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddDriver() error = %v, want %v", err, tt.wantErr)
			}
			if fault.ClassOf(err) != fault.ClassValidation {
				t.Errorf("class = %q, want validation", fault.ClassOf(err))
			}
		})
	}

	if _, err := h.Instance("nope"); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Instance(nope) error = %v, want ErrUnknownDriver", err)
	}
	if got := h.Drivers(); len(got) != 1 || got[0].ID != "zw1" {
		t.Errorf("Drivers() = %+v", got)
	}
}

func TestAddDriverWhileRunning(t *testing.T) {
	h := newTestHub(t, Config{}, testDriver("zw1"))
	startHub(t, h)
	waitFor(t, "hub running", h.running.Load)

	if _, err := h.AddDriver(testDriver("zw2")); !errors.Is(err, ErrRunning) {
		t.Errorf("AddDriver() error = %v, want ErrRunning", err)
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run() error = %v, want ErrRunning", err)
	}
}

func TestRunRestoresPersistedConfig(t *testing.T) {
	repo := newMemRepo()
	repo.records["zw1"] = encodeConfig(t, 7, "Hall", "", "", "")
	repo.serials["zw1"] = 7

	restored := testDriver("zw1")
	restored.RequireConfig = true
	waiting := testDriver("zw2")
	waiting.RequireConfig = true

	tel := &fakeTelemetry{}
	h := newTestHub(t, Config{Repository: repo, Telemetry: tel}, restored, waiting)
	startHub(t, h)

	zw1, _ := h.Instance("zw1")
	zw2, _ := h.Instance("zw2")

	waitFor(t, "zw1 to leave awaiting_config", func() bool {
		return zw1.Runner.State() == driver.StateAwaitingCommRes
	})
	waitFor(t, "zw2 to wait for configuration", func() bool {
		return zw2.Runner.State() == driver.StateAwaitingConfig
	})

	snap, err := h.DownloadConfig("zw1")
	if err != nil {
		t.Fatalf("DownloadConfig() error = %v", err)
	}
	if snap.Serial < 7 || snap.Config.Groups[0] != "Hall" {
		t.Errorf("restored snapshot = serial %d groups %v", snap.Serial, snap.Config.Groups)
	}

	if err := h.SupplyConfig(context.Background(), "zw2", nil); err != nil {
		t.Fatalf("SupplyConfig() error = %v", err)
	}
	waitFor(t, "zw2 to leave awaiting_config", func() bool {
		return zw2.Runner.State() != driver.StateAwaitingConfig
	})

	tel.mu.Lock()
	samples := len(tel.drivers)
	tel.mu.Unlock()
	if samples == 0 {
		t.Error("no driver health samples recorded on state changes")
	}
}

func TestSubmitConfig(t *testing.T) {
	repo := newMemRepo()
	h := newTestHub(t, Config{Repository: repo}, testDriver("zw1"))
	startHub(t, h)
	ctx := context.Background()

	sess, err := h.OpenSession("zw1")
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer sess.Close()

	snap, err := h.DownloadConfig("zw1")
	if err != nil {
		t.Fatalf("DownloadConfig() error = %v", err)
	}

	edits := configsync.Edits{Groups: map[uint8]string{2: "Kitchen"}}
	res, err := h.SubmitConfig(ctx, "zw1", edits, snap.Serial)
	if err != nil {
		t.Fatalf("SubmitConfig() error = %v", err)
	}
	if res.Status != configsync.StatusApplied || res.Serial <= snap.Serial {
		t.Errorf("result = %+v, want applied with a new serial", res)
	}
	if got := sess.Drain(); len(got) == 0 || got[0].Kind != configsync.NotifyChanged {
		t.Errorf("notifications = %v, want a change", kinds(got))
	}
	if repo.saveCount() == 0 {
		t.Error("applied submit was not persisted")
	}

	res, err = h.SubmitConfig(ctx, "zw1", edits, snap.Serial)
	if !errors.Is(err, configsync.ErrConflict) {
		t.Fatalf("stale SubmitConfig() error = %v, want ErrConflict", err)
	}
	if res.Status != configsync.StatusConflict {
		t.Errorf("stale status = %q, want conflict", res.Status)
	}

	if _, err := h.SubmitConfig(ctx, "nope", edits, 0); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("SubmitConfig(nope) error = %v", err)
	}
}

func TestRunStructural(t *testing.T) {
	h := newTestHub(t, Config{}, testDriver("zw1"))
	startHub(t, h)
	ctx := context.Background()

	if _, err := h.RunStructural(ctx, "zw1", zwave.CmdHeal, nil); !errors.Is(err, ErrNotStructural) {
		t.Errorf("RunStructural(heal) error = %v, want ErrNotStructural", err)
	}
	if _, err := h.RunStructural(ctx, "nope", zwave.CmdInclude, nil); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("RunStructural(nope) error = %v, want ErrUnknownDriver", err)
	}

	sess, _ := h.OpenSession("zw1")
	defer sess.Close()
	before, _ := h.DownloadConfig("zw1")

	// No controller is attached, so the inclusion itself fails; the
	// sessions still see both ends of the operation.
	if _, err := h.SendBackdoorCommand(ctx, "zw1", zwave.CmdInclude, nil); err == nil {
		t.Fatal("include without a controller succeeded")
	}

	got := sess.Drain()
	want := []configsync.NotificationKind{configsync.NotifyStructuralBegin, configsync.NotifyStructuralEnd}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Kind != want[i] || got[i].Op != zwave.CmdInclude {
			t.Errorf("notification %d = %s/%s, want %s/include", i, got[i].Kind, got[i].Op, want[i])
		}
	}

	inst, _ := h.Instance("zw1")
	if op, busy := inst.Sync.Structural(); busy {
		t.Errorf("structural operation %q still marked running", op)
	}
	if after := inst.Sync.Serial(); after <= before.Serial {
		t.Errorf("serial = %d, want above %d", after, before.Serial)
	}

	if _, err := h.SendBackdoorCommand(ctx, "zw1", zwave.CmdStatus, nil); err != nil {
		t.Errorf("status error = %v", err)
	}
}

func TestSendBackdoorQueryParameter(t *testing.T) {
	h := newTestHub(t, Config{}, testDriver("zw1"))
	startHub(t, h)
	ctx := context.Background()

	tests := []struct {
		name   string
		params map[string]string
		want   error
	}{
		{"missing node", map[string]string{"number": "3"}, zwave.ErrInvalidTarget},
		{"unknown unit", map[string]string{"node": "5", "number": "3"}, unit.ErrUnitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.SendBackdoorCommand(ctx, "zw1", zwave.CmdQueryParameter, tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("SendBackdoorCommand() error = %v, want %v", err, tt.want)
			}
			if errors.Is(err, zwave.ErrUnknownCommand) {
				t.Error("query_parameter not routed to the driver")
			}
		})
	}
}

func TestSupplyConfigBlob(t *testing.T) {
	dc := testDriver("zw1")
	dc.RequireConfig = true
	h := newTestHub(t, Config{}, dc)
	startHub(t, h)
	ctx := context.Background()

	inst, _ := h.Instance("zw1")
	sess, _ := h.OpenSession("zw1")
	defer sess.Close()

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "corrupt", blob: []byte{0xff, 0x00}},
		{name: "group count mismatch", blob: encodeConfig(t, 3, "A", "B")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.SupplyConfig(ctx, "zw1", tt.blob); err == nil {
				t.Error("SupplyConfig() succeeded")
			}
			if inst.Runner.State() != driver.StateAwaitingConfig {
				t.Errorf("state = %s, want awaiting_config", inst.Runner.State())
			}
		})
	}

	if err := h.SupplyConfig(ctx, "zw1", encodeConfig(t, 3, "A", "B", "", "")); err != nil {
		t.Fatalf("SupplyConfig() error = %v", err)
	}
	snap, _ := h.DownloadConfig("zw1")
	if snap.Config.Groups[0] != "A" || snap.Config.Groups[1] != "B" {
		t.Errorf("groups = %v", snap.Config.Groups)
	}

	got := sess.Drain()
	if len(got) != 2 || got[0].Op != opSupplyConfig || got[1].Kind != configsync.NotifyStructuralEnd {
		t.Errorf("notifications = %v", kinds(got))
	}
	waitFor(t, "driver to leave awaiting_config", func() bool {
		return inst.Runner.State() != driver.StateAwaitingConfig
	})
}

func TestPublishChange(t *testing.T) {
	pub := &fakePublisher{}
	tel := &fakeTelemetry{}
	h := newTestHub(t, Config{Publisher: pub, Telemetry: tel}, testDriver("zw1"))
	inst, _ := h.Instance("zw1")

	defs, err := inst.Fields.RegisterFields([]field.Def{
		{Name: "node003.temperature", Kind: field.KindFloat, Access: field.AccessRead,
			Flags: field.FlagPollable, Semantic: field.SemCurrentTemp, UnitID: 3},
		{Name: "node003.level", Kind: field.KindInt, Access: field.AccessReadWrite,
			Flags: field.FlagNonPersistent, Semantic: field.SemLevel, UnitID: 3},
	})
	if err != nil {
		t.Fatalf("RegisterFields() error = %v", err)
	}

	tests := []struct {
		name         string
		def          field.Def
		value        field.Value
		wantRetained bool
		wantValue    float64
	}{
		{name: "persistent float", def: defs[0], value: field.Float(21.5), wantRetained: true, wantValue: 21.5},
		{name: "non-persistent int", def: defs[1], value: field.Int(40), wantRetained: false, wantValue: 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := inst.Fields.StoreValue(tt.def.ID, tt.value); err != nil {
				t.Fatalf("StoreValue() error = %v", err)
			}
			var c fieldChange
			select {
			case c = <-inst.changes:
			default:
				t.Fatal("no change queued")
			}
			h.publishChange(inst, c.def, c.reading)

			topic := mqtt.Topics{}.State("zw1", tt.def.Name)
			msg, ok := pub.last(topic)
			if !ok {
				t.Fatalf("nothing published on %s", topic)
			}
			if msg.retained != tt.wantRetained {
				t.Errorf("retained = %v, want %v", msg.retained, tt.wantRetained)
			}
			var state StateMessage
			if err := json.Unmarshal(msg.payload, &state); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if state.Driver != "zw1" || state.UnitID != 3 || state.Error {
				t.Errorf("state = %+v", state)
			}
			if v, _ := state.Value.(float64); v != tt.wantValue {
				t.Errorf("value = %v, want %v", state.Value, tt.wantValue)
			}

			tel.mu.Lock()
			sample := tel.fields[len(tel.fields)-1]
			tel.mu.Unlock()
			if sample.Field != tt.def.Name || sample.Value != tt.wantValue || sample.Semantic != string(tt.def.Semantic) {
				t.Errorf("sample = %+v", sample)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHub(t, Config{Publisher: pub}, testDriver("zw1"))
	inst, _ := h.Instance("zw1")
	if _, err := inst.Fields.RegisterFields([]field.Def{
		{Name: "node003.temperature", Kind: field.KindFloat, Access: field.AccessRead, UnitID: 3},
		{Name: "node003.level", Kind: field.KindInt, Access: field.AccessReadWrite, UnitID: 3},
	}); err != nil {
		t.Fatalf("RegisterFields() error = %v", err)
	}
	startHub(t, h)

	pub.mu.Lock()
	subs := append([]string(nil), pub.subs...)
	pub.mu.Unlock()
	if len(subs) != 1 || subs[0] != (mqtt.Topics{}).AllCommands("zw1") {
		t.Errorf("subscriptions = %v", subs)
	}

	tests := []struct {
		name      string
		topic     string
		payload   string
		wantClass fault.Class
	}{
		{name: "state topic", topic: "graymesh/state/zw1/node003.level", payload: `{"value":1}`},
		{name: "unknown driver", topic: "graymesh/command/nope/node003.level", payload: `{"value":1}`, wantClass: fault.ClassValidation},
		{name: "unknown field", topic: "graymesh/command/zw1/node009.level", payload: `{"value":1}`, wantClass: fault.ClassValidation},
		{name: "bad json", topic: "graymesh/command/zw1/node003.level", payload: `{"value":`, wantClass: fault.ClassValidation},
		{name: "wrong kind", topic: "graymesh/command/zw1/node003.level", payload: `{"value":1.5}`, wantClass: fault.ClassValidation},
		{name: "read-only field", topic: "graymesh/command/zw1/node003.temperature", payload: `{"value":20}`, wantClass: fault.ClassAccessViolation},
		{name: "not connected", topic: "graymesh/command/zw1/node003.level", payload: `{"id":"c1","value":40}`, wantClass: fault.ClassNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := h.handleCommand(context.Background(), tt.topic, []byte(tt.payload))
			if ack.Status != AckError {
				t.Fatalf("status = %q, want error", ack.Status)
			}
			if ack.Class != tt.wantClass {
				t.Errorf("class = %q, want %q (%s)", ack.Class, tt.wantClass, ack.Error)
			}
		})
	}

	msg, ok := pub.last(mqtt.Topics{}.Ack("zw1", "node003.level"))
	if !ok {
		t.Fatal("no ack published")
	}
	if msg.retained {
		t.Error("ack published retained")
	}
	var ack AckMessage
	if err := json.Unmarshal(msg.payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if ack.ID != "c1" || ack.Class != fault.ClassNotReady {
		t.Errorf("ack = %+v", ack)
	}
}

func TestFieldsAndQuery(t *testing.T) {
	h := newTestHub(t, Config{}, testDriver("zw1"))
	inst, _ := h.Instance("zw1")
	defs, _ := inst.Fields.RegisterFields([]field.Def{
		{Name: "node003.temperature", Kind: field.KindFloat, Access: field.AccessRead, UnitID: 3},
	})
	if _, err := inst.Fields.StoreValue(defs[0].ID, field.Float(19)); err != nil {
		t.Fatalf("StoreValue() error = %v", err)
	}

	entries, err := h.Fields("zw1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("Fields() = %v, %v", entries, err)
	}
	_, r, err := h.QueryFieldValue("zw1", "node003.temperature")
	if err != nil || r.Error || r.Value.AsFloat() != 19 {
		t.Errorf("QueryFieldValue() = %+v, %v", r, err)
	}
	if _, _, err := h.QueryFieldValue("zw1", "missing"); !errors.Is(err, field.ErrUnknownField) {
		t.Errorf("QueryFieldValue(missing) error = %v", err)
	}
	if _, err := h.Fields("nope"); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Fields(nope) error = %v", err)
	}
}
