package zwave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Controller defaults.
const (
	DefaultNodeTimeout      = 3 * time.Second
	DefaultWakeupGrace      = 10 * time.Second
	DefaultFailureThreshold = 3
)

// Driver-level field names.
const (
	FieldVersion     = "driver.version"
	FieldUnits       = "driver.units"
	FieldFailedUnits = "driver.failed_units"

	// stateKey is the per-unit lifecycle state field.
	stateKey = "state"
)

// Config holds the configuration of one mesh network driver.
type Config struct {
	// ID is the driver instance id.
	ID string

	// Connection is the controller URL (see ClientConfig.Connection).
	Connection string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// NodeTimeout bounds the wait for one report from a node.
	NodeTimeout time.Duration

	// WakeupGrace is how long a sleeping node is treated as awake after its
	// wake-up notification.
	WakeupGrace time.Duration

	// FailureThreshold is the number of consecutive unanswered polls after
	// which a listening node is marked Failed.
	FailureThreshold int

	// RequireConfig makes the driver wait in AwaitingConfig until
	// MarkConfigured is called.
	RequireConfig bool
}

func (c Config) withDefaults() Config {
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.WakeupGrace <= 0 {
		c.WakeupGrace = DefaultWakeupGrace
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Dialer opens the controller transport.
type Dialer func(ctx context.Context, cfg ClientConfig) (Transport, error)

func dialClient(ctx context.Context, cfg ClientConfig) (Transport, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Info describes the controller found by the handshake.
type Info struct {
	Version    string   `json:"version"`
	Library    uint8    `json:"library"`
	APIVersion uint8    `json:"api_version"`
	Nodes      []uint16 `json:"nodes"`
}

// errBudget stops a poll whose time is nearly spent. The work resumes on
// the next poll.
var errBudget = errors.New("zwave: poll budget spent")

// Controller drives one mesh network. It implements driver.Driver; every
// method that touches the network runs on the driver worker.
type Controller struct {
	cfg     Config
	dial    Dialer
	store   *netconfig.Store
	units   *unit.Registry
	catalog *catalog.Catalog
	logger  Logger

	// mu guards conn, info and onChange, which are read from other
	// goroutines (health reporting, sync sessions).
	mu       sync.RWMutex
	conn     Transport
	info     Info
	onChange func(unitID uint16)

	configured atomic.Bool

	// Worker-only state.
	fieldsDirty bool
	failures    map[uint16]int
	cursor      int
}

// Ensure Controller implements driver.Driver.
var _ driver.Driver = (*Controller)(nil)

// NewController creates a driver for the network whose configuration is
// held by store. Templates are resolved through cat.
func NewController(cfg Config, store *netconfig.Store, cat *catalog.Catalog) *Controller {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		dial:     dialClient,
		store:    store,
		units:    store.Units(),
		catalog:  cat,
		logger:   noopLogger{},
		failures: make(map[uint16]int),
	}
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetDialer replaces how the transport is opened.
func (c *Controller) SetDialer(d Dialer) {
	c.dial = d
}

// SetOnChange registers a callback for driver-side configuration changes.
// unitID is 0 for network-wide changes. The callback must not block.
func (c *Controller) SetOnChange(fn func(unitID uint16)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// MarkConfigured records that configuration was supplied.
func (c *Controller) MarkConfigured() {
	c.configured.Store(true)
}

// Store returns the configuration store the controller maintains.
func (c *Controller) Store() *netconfig.Store { return c.store }

// Units returns copies of the controller's units sorted by name.
func (c *Controller) Units() []*unit.Unit { return c.units.List() }

// Info returns what the last handshake learnt about the controller.
func (c *Controller) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.info
	info.Nodes = append([]uint16(nil), c.info.Nodes...)
	return info
}

// Connection returns the current controller URL.
func (c *Controller) Connection() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Connection
}

// IsConnected reports whether the transport is open and up.
func (c *Controller) IsConnected() bool {
	t := c.transport()
	return t != nil && t.IsConnected()
}

// Stats returns the transport statistics.
func (c *Controller) Stats() ClientStats {
	if t := c.transport(); t != nil {
		return t.Stats()
	}
	return ClientStats{}
}

func (c *Controller) transport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Controller) notify(unitID uint16) {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()
	if fn != nil {
		fn(unitID)
	}
}

// ID implements driver.Driver.
func (c *Controller) ID() string { return c.cfg.ID }

// NeedsConfig implements driver.Driver.
func (c *Controller) NeedsConfig() bool {
	return c.cfg.RequireConfig && !c.configured.Load()
}

// AcquireCommResource implements driver.Driver.
func (c *Controller) AcquireCommResource(ctx context.Context) error {
	conn, err := c.dial(ctx, ClientConfig{
		Connection:     c.Connection(),
		ConnectTimeout: c.cfg.ConnectTimeout,
		ReadTimeout:    c.cfg.ReadTimeout,
	})
	if err != nil {
		return err
	}
	if cl, ok := conn.(*Client); ok {
		cl.SetLogger(c.logger)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// ReleaseCommResource implements driver.Driver.
func (c *Controller) ReleaseCommResource() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing controller connection", "driver_id", c.cfg.ID, "error", err)
		}
	}
}

func (c *Controller) connected() (Transport, error) {
	t := c.transport()
	if t == nil || !t.IsConnected() {
		return nil, ErrNotConnected
	}
	return t, nil
}

// Connect implements driver.Driver: version and init data handshake, then
// the unit table is reconciled with the controller's node list.
func (c *Controller) Connect(ctx context.Context) ([]field.Def, error) {
	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	resp, err := conn.Call(ctx, FuncGetVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	version, library := parseVersion(resp)

	resp, err = conn.Call(ctx, FuncGetInitData, nil)
	if err != nil {
		return nil, fmt.Errorf("get init data: %w", err)
	}
	api, nodes, err := parseInitData(resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.info = Info{Version: version, Library: library, APIVersion: api, Nodes: nodes}
	c.mu.Unlock()

	c.syncNodes(nodes)
	c.rebindTemplates()
	c.logger.Info("controller connected",
		"driver_id", c.cfg.ID, "version", version, "nodes", len(nodes), "units", c.units.Len())
	return c.fieldDefs(), nil
}

// syncNodes adds units for new nodes and removes units the controller no
// longer knows.
func (c *Controller) syncNodes(nodes []uint16) {
	present := make(map[uint16]bool, len(nodes))
	for _, id := range nodes {
		if id == capability.ControllerNodeID {
			continue
		}
		present[id] = true
		_, created, err := c.units.Add(id)
		if err != nil {
			c.logger.Warn("cannot add node", "driver_id", c.cfg.ID, "unit_id", id, "error", err)
			continue
		}
		if created {
			c.logger.Info("node discovered", "driver_id", c.cfg.ID, "unit_id", id)
			c.notify(id)
		}
	}
	for _, id := range c.units.IDs() {
		if present[id] {
			continue
		}
		if err := c.units.Remove(id); err == nil {
			c.logger.Info("node gone from controller", "driver_id", c.cfg.ID, "unit_id", id)
			delete(c.failures, id)
			c.notify(id)
		}
	}
}

// rebindTemplates binds templates to units restored from persisted
// configuration, which carry a template key but no template.
func (c *Controller) rebindTemplates() {
	for _, u := range c.unitsByID() {
		if u.TemplateKey == nil {
			continue
		}
		if _, ok := c.units.Template(u.ID); ok {
			continue
		}
		if _, err := c.catalog.LoadDeviceInfo(*u.TemplateKey, c.units, u.ID); err != nil {
			c.logger.Warn("cannot rebind device template", "driver_id", c.cfg.ID, "unit_id", u.ID,
				"signature", u.TemplateKey.String(), "error", err)
		}
	}
}

// fieldDefs builds the field layout: driver fields, then per unit its state
// and the fields derived from its capabilities.
func (c *Controller) fieldDefs() []field.Def {
	defs := []field.Def{
		{Name: FieldVersion, Kind: field.KindString, Access: field.AccessRead, Semantic: field.SemDriverStatus},
		{Name: FieldUnits, Kind: field.KindInt, Access: field.AccessRead, Semantic: field.SemDriverStatus},
		{Name: FieldFailedUnits, Kind: field.KindInt, Access: field.AccessRead, Semantic: field.SemDriverStatus},
	}
	for _, u := range c.unitsByID() {
		defs = append(defs, field.Def{
			Name:     capability.FieldName(u.ID, stateKey),
			Kind:     field.KindString,
			Access:   field.AccessRead,
			Semantic: field.SemDriverStatus,
			UnitID:   u.ID,
			Key:      stateKey,
		})
		var expected capability.Set
		if t, ok := c.units.Template(u.ID); ok {
			expected = t.Capabilities
		}
		defs = append(defs, capability.FieldsFor(u.ID, u.Capabilities, expected)...)
	}
	c.fieldsDirty = false
	return defs
}

func (c *Controller) unitsByID() []*unit.Unit {
	ids := c.units.IDs()
	out := make([]*unit.Unit, 0, len(ids))
	for _, id := range ids {
		if u, err := c.units.Get(id); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// handlerFor returns the handler and effective version used for capability
// id of u. Units without a template, and ids without a handler, are
// accessed raw. It mirrors capability.FieldsFor.
func (c *Controller) handlerFor(u *unit.Unit, id capability.ID) (capability.Handler, uint8, bool) {
	node, ok := u.Capabilities.Get(id)
	if !ok {
		return nil, 0, false
	}
	h, known := capability.Lookup(id)
	t, bound := c.units.Template(u.ID)
	if !known || !bound {
		return capability.Raw(id), node.Version, true
	}
	var want *capability.Descriptor
	if d, ok := t.Capabilities.Get(id); ok {
		want = &d
	}
	return h, capability.Negotiate(node, want).Version, true
}

// InitialPoll implements driver.Driver.
func (c *Controller) InitialPoll(ctx context.Context, fields *field.Store) error {
	c.storeStatus(fields)
	if err := c.pollUnits(ctx, fields); err != nil && !errors.Is(err, errBudget) {
		return err
	}
	return nil
}

// Poll implements driver.Driver. One poll handles queued events, expires
// wake windows, advances pending interviews and refreshes pollable fields
// of reachable Ready units, resuming where the previous poll stopped.
func (c *Controller) Poll(ctx context.Context, fields *field.Store) (driver.PollResult, error) {
	conn := c.transport()
	if conn == nil || !conn.IsConnected() {
		return driver.PollLostConnection, ErrConnectionLost
	}

	now := time.Now()
	c.handleEvents(fields, conn.Drain(), now)
	c.expireWake(ctx, now)

	if err := c.interviewPending(ctx); err != nil && !errors.Is(err, errBudget) {
		return driver.PollOK, err
	}
	if c.fieldsDirty {
		return driver.PollOK, driver.ErrReconfigure
	}
	if err := c.pollUnits(ctx, fields); err != nil && !errors.Is(err, errBudget) {
		return driver.PollOK, err
	}
	c.storeStatus(fields)
	return driver.PollOK, nil
}

// handleEvents applies unsolicited frames: wake-up notifications open a
// wake window, reports update fields, and any frame from a Failed unit
// resets it for a new interview.
func (c *Controller) handleEvents(fields *field.Store, events []Event, now time.Time) {
	for _, ev := range events {
		u, err := c.units.Get(ev.Node)
		if err != nil {
			c.logger.Debug("event from unknown node", "driver_id", c.cfg.ID, "unit_id", ev.Node)
			continue
		}
		c.units.Touch(u.ID, now)

		if u.State == unit.StateFailed {
			if err := c.units.Reset(u.ID); err == nil {
				c.logger.Info("failed node is back, interviewing again", "driver_id", c.cfg.ID, "unit_id", u.ID)
				delete(c.failures, u.ID)
				c.notify(u.ID)
			}
			continue
		}
		if ev.Func != FuncApplicationCommand {
			continue
		}
		if capability.IsWakeUpNotification(ev.Command) {
			_ = c.units.MarkAwake(u.ID, true, now)
			c.logger.Debug("node awake", "driver_id", c.cfg.ID, "unit_id", u.ID)
			c.notify(u.ID)
			continue
		}
		c.applyReport(fields, u, ev.Command)
	}
}

// applyReport decodes a report from u into its fields.
func (c *Controller) applyReport(fields *field.Store, u *unit.Unit, cmd []byte) {
	if len(cmd) == 0 {
		return
	}
	h, version, ok := c.handlerFor(u, capability.ID(cmd[0]))
	if !ok {
		c.logger.Debug("report for undeclared capability",
			"driver_id", c.cfg.ID, "unit_id", u.ID, "capability", capability.ID(cmd[0]).String())
		return
	}
	samples, err := h.Decode(version, cmd)
	if err != nil {
		c.logger.Warn("bad report", "driver_id", c.cfg.ID, "unit_id", u.ID, "error", err)
		return
	}
	for _, s := range samples {
		def, ok := fields.Lookup(capability.FieldName(u.ID, s.Key))
		if !ok {
			continue
		}
		if _, err := fields.StoreValue(def.ID, s.Value); err != nil {
			c.logger.Warn("storing report failed", "driver_id", c.cfg.ID, "field", def.Name, "error", err)
		}
	}
}

// expireWake closes wake windows older than WakeupGrace and lets the node
// sleep again.
func (c *Controller) expireWake(ctx context.Context, now time.Time) {
	for _, u := range c.unitsByID() {
		if u.Listening || !u.Awake || now.Sub(u.LastSeen) < c.cfg.WakeupGrace {
			continue
		}
		if conn := c.transport(); conn != nil && c.hasBudget(ctx) {
			if err := conn.SendData(ctx, u.ID, capability.WakeUpNoMoreInformation()); err != nil {
				c.logger.Debug("no more information not delivered", "driver_id", c.cfg.ID, "unit_id", u.ID, "error", err)
			}
		}
		_ = c.units.MarkAwake(u.ID, false, now)
		c.notify(u.ID)
	}
}

// hasBudget reports whether ctx leaves room for one more node exchange.
func (c *Controller) hasBudget(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx.Err() == nil
	}
	return time.Until(deadline) > c.cfg.NodeTimeout
}

// nodeContext bounds one exchange with a node.
func (c *Controller) nodeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.NodeTimeout)
}

// request sends cmd to node and waits for a report accepted by match,
// within NodeTimeout.
func (c *Controller) request(ctx context.Context, node uint16, cmd []byte, match func([]byte) bool) ([]byte, error) {
	conn, err := c.connected()
	if err != nil {
		return nil, err
	}
	if !c.hasBudget(ctx) {
		return nil, errBudget
	}
	nctx, cancel := c.nodeContext(ctx)
	defer cancel()
	return conn.Request(nctx, node, cmd, match)
}

// send delivers cmd to node within NodeTimeout.
func (c *Controller) send(ctx context.Context, node uint16, cmd []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	nctx, cancel := c.nodeContext(ctx)
	defer cancel()
	return conn.SendData(nctx, node, cmd)
}

// linkFailure reports whether err concerns the controller link rather than
// one node, in which case the poll must stop and report it.
func linkFailure(err error) bool {
	return errors.Is(err, ErrNotUnderstood) || errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}

// pollUnits refreshes reachable Ready units round-robin until the budget is
// spent.
func (c *Controller) pollUnits(ctx context.Context, fields *field.Store) error {
	ids := c.units.IDs()
	if len(ids) == 0 {
		return nil
	}
	if c.cursor >= len(ids) {
		c.cursor = 0
	}
	for i := range ids {
		idx := (c.cursor + i) % len(ids)
		u, err := c.units.Get(ids[idx])
		if err != nil || u.State != unit.StateReady || !u.Reachable() {
			continue
		}
		if !c.hasBudget(ctx) {
			c.cursor = idx
			return errBudget
		}
		err = c.pollUnit(ctx, fields, u)
		switch {
		case err == nil:
			delete(c.failures, u.ID)
		case errors.Is(err, errBudget):
			c.cursor = idx
			return err
		case linkFailure(err):
			c.cursor = idx
			return err
		default:
			c.recordFailure(fields, u, err)
		}
	}
	c.cursor = 0
	return nil
}

// pollUnit issues the get requests of every capability of u that exposes a
// pollable point.
func (c *Controller) pollUnit(ctx context.Context, fields *field.Store, u *unit.Unit) error {
	for _, id := range u.Capabilities.IDs() {
		h, version, _ := c.handlerFor(u, id)
		if !hasPollable(h.Points(version)) {
			continue
		}
		for _, get := range h.GetCommands(version) {
			report, err := c.request(ctx, u.ID, get, func(cmd []byte) bool {
				s, err := h.Decode(version, cmd)
				return err == nil && len(s) > 0
			})
			if err != nil {
				return err
			}
			c.applyReport(fields, u, report)
		}
	}
	return nil
}

func hasPollable(points []capability.Point) bool {
	for _, p := range points {
		if p.Flags.Has(field.FlagPollable) {
			return true
		}
	}
	return false
}

// recordFailure marks u's fields stale and fails a listening unit after
// FailureThreshold consecutive failures. fields may be nil.
func (c *Controller) recordFailure(fields *field.Store, u *unit.Unit, err error) {
	if fields != nil {
		fields.MarkUnitError(u.ID)
	}
	c.failures[u.ID]++
	n := c.failures[u.ID]
	c.logger.Debug("node poll failed", "driver_id", c.cfg.ID, "unit_id", u.ID, "consecutive", n, "error", err)
	if !u.Listening || n < c.cfg.FailureThreshold {
		return
	}
	if err := c.units.MarkFailed(u.ID); err == nil {
		c.logger.Warn("node marked failed", "driver_id", c.cfg.ID, "unit_id", u.ID, "failures", n)
		delete(c.failures, u.ID)
		c.notify(u.ID)
	}
}

// storeStatus publishes the driver and unit state fields.
func (c *Controller) storeStatus(fields *field.Store) {
	units := c.unitsByID()
	failed := 0
	for _, u := range units {
		if u.State == unit.StateFailed {
			failed++
		}
		c.storeByName(fields, capability.FieldName(u.ID, stateKey), field.String(u.State.String()))
	}
	c.storeByName(fields, FieldVersion, field.String(c.Info().Version))
	c.storeByName(fields, FieldUnits, field.Int(int64(len(units))))
	c.storeByName(fields, FieldFailedUnits, field.Int(int64(failed)))
}

func (c *Controller) storeByName(fields *field.Store, name string, v field.Value) {
	def, ok := fields.Lookup(name)
	if !ok {
		return
	}
	if _, err := fields.StoreValue(def.ID, v); err != nil {
		c.logger.Debug("storing status failed", "driver_id", c.cfg.ID, "field", name, "error", err)
	}
}

// WriteField implements driver.Driver.
func (c *Controller) WriteField(ctx context.Context, def field.Def, v field.Value) error {
	if def.UnitID == 0 || def.Capability == 0 {
		return fmt.Errorf("%w: %s", field.ErrAccessViolation, def.Name)
	}
	u, err := c.units.Get(def.UnitID)
	if err != nil {
		return err
	}
	if !u.Reachable() {
		return fmt.Errorf("%w: unit %d", ErrDeviceAsleep, u.ID)
	}
	h, version, ok := c.handlerFor(u, capability.ID(def.Capability))
	if !ok {
		return fmt.Errorf("%w: unit %d has no capability %s", capability.ErrUnsupported, u.ID, capability.ID(def.Capability))
	}
	cmd, err := h.SetCommand(version, def.Key, v)
	if err != nil {
		return err
	}
	return c.send(ctx, u.ID, cmd)
}

// UnitViable implements driver.Driver. Driver-level fields are always
// viable; unit fields once the unit is editable.
func (c *Controller) UnitViable(unitID uint16) bool {
	if unitID == 0 {
		return true
	}
	u, err := c.units.Get(unitID)
	return err == nil && u.State.Editable()
}
