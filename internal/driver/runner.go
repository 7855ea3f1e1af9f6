package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
)

// Logger defines the logging interface used by the Runner.
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

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce { return &closeOnce{ch: make(chan struct{})} }

func (c *closeOnce) Close()                { c.once.Do(func() { close(c.ch) }) }
func (c *closeOnce) Done() <-chan struct{} { return c.ch }

// Request lifecycle. A caller that gives up marks a pending request
// abandoned so the worker skips it; a running request always completes.
const (
	reqPending int32 = iota
	reqRunning
	reqAbandoned
)

type reply struct {
	val any
	err error
}

type request struct {
	name string

	// device requests need a live connection and their outcome feeds the
	// connection health checks.
	device bool

	fn    func(ctx context.Context) (any, error)
	reply chan reply
	state atomic.Int32
}

func newRequest(name string, device bool, fn func(ctx context.Context) (any, error)) *request {
	return &request{name: name, device: device, fn: fn, reply: make(chan reply, 1)}
}

// Runner drives one Driver through the control loop on a single worker
// goroutine.
//
// Thread Safety: all public methods are safe for concurrent use. Driver
// methods are only ever called from the worker.
type Runner struct {
	drv    Driver
	cfg    Config
	fields *field.Store
	logger Logger

	requests chan *request
	done     *closeOnce
	started  atomic.Bool

	// Worker-only state.
	configured bool
	acquired   bool
	pollNow    bool
	nextPoll   time.Time
	retryAt    time.Time
	backoff    *backoff
	protoErrs  *ProtocolErrorCounter

	onState func(from, to State)

	mu         sync.RWMutex
	state      State
	stateSince time.Time
	lastPoll   time.Time
	lastError  string

	polls        atomic.Uint64
	pollFailures atomic.Uint64
	connects     atomic.Uint64
	connectFails atomic.Uint64
	commands     atomic.Uint64
}

// NewRunner creates a runner for drv writing into fields. Call Run to start
// the worker.
func NewRunner(drv Driver, cfg Config, fields *field.Store) *Runner {
	cfg = cfg.withDefaults()
	initial := StateAwaitingCommRes
	if drv.NeedsConfig() {
		initial = StateAwaitingConfig
	}
	return &Runner{
		drv:        drv,
		cfg:        cfg,
		fields:     fields,
		logger:     noopLogger{},
		requests:   make(chan *request, cfg.QueueSize),
		done:       newCloseOnce(),
		backoff:    newBackoff(cfg.ReconnectInterval, cfg.MaxReconnectInterval),
		protoErrs:  NewProtocolErrorCounter(cfg.ProtocolErrorThreshold),
		state:      initial,
		stateSince: time.Now(),
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnStateChange installs a listener called on the worker after every
// state change. It must be set before Run and must not block.
func (r *Runner) SetOnStateChange(fn func(from, to State)) {
	r.onState = fn
}

// ID returns the driver id.
func (r *Runner) ID() string { return r.drv.ID() }

// Fields returns the runner's field store.
func (r *Runner) Fields() *field.Store { return r.fields }

// Config returns the effective timing.
func (r *Runner) Config() Config { return r.cfg }

// Done is closed once the worker has stopped.
func (r *Runner) Done() <-chan struct{} { return r.done.Done() }

// State returns the current control loop state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stats returns control loop statistics.
func (r *Runner) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		State:          r.state,
		StateSince:     r.stateSince,
		Polls:          r.polls.Load(),
		PollFailures:   r.pollFailures.Load(),
		Connects:       r.connects.Load(),
		ConnectFails:   r.connectFails.Load(),
		Commands:       r.commands.Load(),
		ProtocolErrors: r.protoErrs.Total(),
		LastPoll:       r.lastPoll,
		LastError:      r.lastError,
	}
}

func (r *Runner) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.stateSince = time.Now()
	r.mu.Unlock()

	r.logger.Info("driver state changed", "driver_id", r.drv.ID(), "from", from.String(), "to", to.String())
	if r.onState != nil {
		r.onState(from, to)
	}
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()
}

// Run executes the control loop until ctx is cancelled. It may be called
// once.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("driver: runner already started")
	}
	defer r.shutdown()

	if r.drv.NeedsConfig() {
		r.setState(StateAwaitingConfig)
	} else {
		r.setState(StateAwaitingCommRes)
	}
	r.logger.Info("driver started", "driver_id", r.drv.ID(), "state", r.State().String())

	for ctx.Err() == nil {
		switch r.State() {
		case StateAwaitingConfig:
			r.awaitConfig(ctx)
		case StateAwaitingCommRes:
			r.acquire(ctx)
		case StateConnecting:
			r.connect(ctx)
		case StatePolling:
			r.pollCycle(ctx)
		default:
			return fmt.Errorf("driver: unexpected state %s", r.State())
		}
	}
	return nil
}

func (r *Runner) awaitConfig(ctx context.Context) {
	if r.configured || !r.drv.NeedsConfig() {
		r.setState(StateAwaitingCommRes)
		return
	}
	r.wait(ctx, 0)
}

func (r *Runner) acquire(ctx context.Context) {
	if d := time.Until(r.retryAt); d > 0 {
		r.wait(ctx, d)
		return
	}

	actx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	err := r.drv.AcquireCommResource(actx)
	cancel()
	if err != nil {
		r.connectFails.Add(1)
		r.setLastError(err)
		r.retryAt = time.Now().Add(r.backoff.Next())
		r.logger.Warn("acquiring comm resource failed, will retry",
			"driver_id", r.drv.ID(), "error", err, "retry_at", r.retryAt)
		return
	}
	r.acquired = true
	r.setState(StateConnecting)
}

func (r *Runner) connect(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defs, err := r.drv.Connect(cctx)
	cancel()
	if err == nil {
		_, err = r.fields.RegisterFields(defs)
	}
	if err == nil {
		ictx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		err = r.drv.InitialPoll(ictx, r.fields)
		cancel()
	}
	if err != nil {
		r.connectFails.Add(1)
		r.releaseResource()
		r.setLastError(err)
		r.retryAt = time.Now().Add(r.backoff.Next())
		r.logger.Warn("connect failed, will retry",
			"driver_id", r.drv.ID(), "error", err, "retry_at", r.retryAt)
		r.setState(StateAwaitingCommRes)
		return
	}

	r.connects.Add(1)
	r.backoff.Reset()
	r.protoErrs.Reset()
	r.setLastError(nil)
	r.pollNow = false
	r.nextPoll = time.Now().Add(r.cfg.PollInterval)
	r.logger.Info("driver connected", "driver_id", r.drv.ID(), "fields", r.fields.Len())
	r.setState(StatePolling)
}

func (r *Runner) pollCycle(ctx context.Context) {
	if d := time.Until(r.nextPoll); !r.pollNow && d > 0 {
		r.wait(ctx, d)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	res, err := r.drv.Poll(pctx, r.fields)
	cancel()

	now := time.Now()
	r.polls.Add(1)
	r.mu.Lock()
	r.lastPoll = now
	r.mu.Unlock()
	r.pollNow = false
	r.nextPoll = now.Add(r.cfg.PollInterval)

	if res == PollOK {
		res = r.outcome(err)
	}
	if res != PollOK {
		r.pollFailures.Add(1)
		r.dropConnection(res, err)
	}
}

// outcome classifies the error of a device operation. Transport failures
// and timeouts lose the connection; protocol errors do so once the
// consecutive threshold is reached. Anything else is the caller's problem.
func (r *Runner) outcome(err error) PollResult {
	switch {
	case err == nil:
		r.protoErrs.Reset()
		return PollOK
	case errors.Is(err, ErrReconfigure):
		return PollLostConnection
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, fault.ErrTransport):
		return PollLostConnection
	case errors.Is(err, fault.ErrProtocol):
		if r.protoErrs.Record() {
			r.logger.Warn("protocol error threshold reached",
				"driver_id", r.drv.ID(), "threshold", r.cfg.ProtocolErrorThreshold, "error", err)
			return PollLostConnection
		}
		r.logger.Warn("protocol error tolerated",
			"driver_id", r.drv.ID(), "consecutive", r.protoErrs.Consecutive(), "error", err)
		return PollOK
	default:
		r.logger.Debug("device operation failed", "driver_id", r.drv.ID(), "error", err)
		return PollOK
	}
}

func (r *Runner) releaseResource() {
	if r.acquired {
		r.drv.ReleaseCommResource()
		r.acquired = false
	}
}

// dropConnection releases the comm resource, marks every field stale and
// returns to AwaitingCommRes.
func (r *Runner) dropConnection(res PollResult, err error) {
	r.releaseResource()
	r.fields.MarkAllError()
	r.setLastError(err)

	if errors.Is(err, ErrReconfigure) {
		r.backoff.Reset()
		r.retryAt = time.Time{}
		r.logger.Info("reconnecting to register new fields", "driver_id", r.drv.ID())
	} else {
		r.retryAt = time.Now().Add(r.backoff.Next())
		r.logger.Warn("driver lost connection",
			"driver_id", r.drv.ID(), "result", res.String(), "error", err)
	}
	r.setState(StateAwaitingCommRes)
}

// wait serves requests until d elapses, one request was handled, or ctx is
// done. d == 0 waits without a deadline.
func (r *Runner) wait(ctx context.Context, d time.Duration) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case req := <-r.requests:
		r.handle(ctx, req)
	}
}

func (r *Runner) handle(ctx context.Context, req *request) {
	if !req.state.CompareAndSwap(reqPending, reqRunning) {
		r.logger.Debug("skipping abandoned request", "driver_id", r.drv.ID(), "request", req.name)
		return
	}
	polling := r.State() == StatePolling
	if req.device && !polling {
		req.reply <- reply{err: fmt.Errorf("%w: state %s", ErrNotConnected, r.State())}
		return
	}

	r.commands.Add(1)
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	val, err := req.fn(rctx)
	cancel()
	req.reply <- reply{val: val, err: err}

	if !polling {
		return
	}
	// A successful request that need not reach the device leaves the
	// protocol error run alone.
	if err != nil || req.device {
		if res := r.outcome(err); res != PollOK {
			r.dropConnection(res, err)
			return
		}
	}
	if br, ok := val.(BackdoorResult); ok && br.Reconnect {
		r.backoff.Reset()
		r.dropConnection(PollLostConnection, ErrReconfigure)
	}
}

// call queues req and waits for its reply for at most CallTimeout.
func (r *Runner) call(ctx context.Context, req *request) (any, error) {
	timer := time.NewTimer(r.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r.requests <- req:
	case <-timer.C:
		return nil, fmt.Errorf("%w: queue full for %s", ErrBusy, req.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done.Done():
		return nil, ErrStopped
	}

	select {
	case rep := <-req.reply:
		return rep.val, rep.err
	case <-timer.C:
		req.state.CompareAndSwap(reqPending, reqAbandoned)
		return nil, fmt.Errorf("%w: no answer to %s within %s", ErrBusy, req.name, r.cfg.CallTimeout)
	case <-ctx.Done():
		req.state.CompareAndSwap(reqPending, reqAbandoned)
		return nil, ctx.Err()
	case <-r.done.Done():
		select {
		case rep := <-req.reply:
			return rep.val, rep.err
		default:
			return nil, ErrStopped
		}
	}
}

// ReadField returns a copy of a field's reading. It does not involve the
// worker.
func (r *Runner) ReadField(id field.ID) (field.Reading, error) {
	return r.fields.ReadValue(id)
}

// WriteField sends v to the device behind field id on the worker. Access,
// kind and limits are checked before anything is queued; the unit must be
// viable.
func (r *Runner) WriteField(ctx context.Context, id field.ID, v field.Value) error {
	if _, err := r.fields.CheckWrite(id, v); err != nil {
		return err
	}

	_, err := r.call(ctx, newRequest("write", true, func(ctx context.Context) (any, error) {
		def, err := r.fields.CheckWrite(id, v)
		if err != nil {
			return nil, err
		}
		if !r.drv.UnitViable(def.UnitID) {
			return nil, fmt.Errorf("%w: unit %d", field.ErrNotReady, def.UnitID)
		}
		if err := r.drv.WriteField(ctx, def, v); err != nil {
			return nil, err
		}
		if def.Access.CanRead() {
			if _, err := r.fields.StoreValue(id, v); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}))
	return err
}

// WriteFieldByName resolves name and calls WriteField.
func (r *Runner) WriteFieldByName(ctx context.Context, name string, v field.Value) error {
	def, ok := r.fields.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", field.ErrUnknownField, name)
	}
	return r.WriteField(ctx, def.ID, v)
}

// Backdoor runs a vendor extension command on the worker. It is accepted in
// any state; the driver decides what needs a connection.
func (r *Runner) Backdoor(ctx context.Context, cmd string, params map[string]string) (BackdoorResult, error) {
	val, err := r.call(ctx, newRequest("backdoor "+cmd, false, func(ctx context.Context) (any, error) {
		res, err := r.drv.Backdoor(ctx, cmd, params)
		if err != nil {
			return nil, err
		}
		if res.ResetTimers {
			r.pollNow = true
			r.backoff.Reset()
			r.retryAt = time.Time{}
		}
		return res, nil
	}))
	if err != nil {
		return BackdoorResult{}, err
	}
	res, _ := val.(BackdoorResult)
	return res, nil
}

// Do runs fn on the worker in any state. It is how other components touch
// driver-owned state (unit registry edits, device configuration) without
// racing the control loop.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.call(ctx, newRequest("do", false, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}))
	return err
}

// SupplyConfig tells a runner waiting in AwaitingConfig that configuration
// is now available.
func (r *Runner) SupplyConfig(ctx context.Context) error {
	return r.Do(ctx, func(context.Context) error {
		r.configured = true
		return nil
	})
}

func (r *Runner) shutdown() {
	r.done.Close()
	r.releaseResource()
	r.fields.MarkAllError()

	for {
		select {
		case req := <-r.requests:
			if req.state.CompareAndSwap(reqPending, reqRunning) {
				req.reply <- reply{err: ErrStopped}
			}
			continue
		default:
		}
		break
	}

	r.setState(StateStopped)
	r.logger.Info("driver stopped", "driver_id", r.drv.ID())
}
