package zwave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for controller communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the idle read deadline of the receive loop.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// defaultResponseTimeout bounds a call whose context has no deadline.
	defaultResponseTimeout = 5 * time.Second

	// defaultEventQueueSize is the capacity of the unsolicited event queue.
	defaultEventQueueSize = 128

	// txOptions requests acknowledgement, auto-routing and explore frames.
	txOptions = 0x25
)

// Transmit status codes of a send data response.
const (
	txStatusOK    = 0x00
	txStatusNoAck = 0x01
)

// ClientConfig holds controller connection configuration.
type ClientConfig struct {
	// Connection is the controller URL.
	// Supported formats:
	//   - "tcp://192.168.1.20:4201" (serial-over-TCP bridge)
	//   - "unix:///run/zwave.sock" (local serial proxy)
	Connection string

	// ConnectTimeout is the maximum time to wait for the dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the idle read deadline. A read timeout is not an error.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// EventQueueSize bounds the queue of unsolicited frames. Events are
	// dropped when it is full.
	// Default: 128.
	EventQueueSize int
}

// ClientStats holds operational statistics.
type ClientStats struct {
	FramesTx      uint64    `json:"frames_tx"`
	FramesRx      uint64    `json:"frames_rx"`
	EventsDropped uint64    `json:"events_dropped"`
	Naks          uint64    `json:"naks"`
	ErrorsTotal   uint64    `json:"errors_total"`
	LastActivity  time.Time `json:"last_activity,omitzero"`
	Connected     bool      `json:"connected"`
}

// Event is an unsolicited frame from the controller: an application command
// from a node (report, wake-up notification) or an application update
// (node info).
type Event struct {
	Func     Func
	Node     uint16
	Status   byte
	Command  []byte
	Received time.Time
}

// Transport is the controller connection used by the Controller. It allows
// mocking the client in tests.
type Transport interface {
	// Call sends a request frame and waits for the response with the same
	// callback id.
	Call(ctx context.Context, fn Func, payload []byte) ([]byte, error)

	// SendData delivers cmd to node and waits for the transmit status.
	SendData(ctx context.Context, node uint16, cmd []byte) error

	// Request sends cmd to node and waits for the first application command
	// from node for which match returns true.
	Request(ctx context.Context, node uint16, cmd []byte, match func([]byte) bool) ([]byte, error)

	// RequestNodeInfo asks the controller for node's info frame and returns
	// it as basic, generic, specific type followed by capability ids.
	RequestNodeInfo(ctx context.Context, node uint16) ([]byte, error)

	// Drain returns and clears the queued unsolicited events.
	Drain() []Event

	IsConnected() bool
	Stats() ClientStats
	Close() error
}

// Ensure Client implements Transport.
var _ Transport = (*Client)(nil)

type pendingCall struct {
	resp chan Frame
	ctl  chan error
}

type reportWaiter struct {
	fn    Func
	node  uint16
	match func(Event) bool
	ch    chan Event
}

// Client is a serial API connection to a mesh controller.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - At most one request is outstanding at a time; further callers wait on
//     a context-aware semaphore.
//
// There is no automatic reconnection. When the connection drops every
// pending call fails with ErrConnectionLost and IsConnected turns false; the
// driver control loop decides when to dial again.
type Client struct {
	cfg    ClientConfig
	conn   net.Conn
	reader *bufio.Reader

	writeMu   sync.Mutex
	sem       *semaphore.Weighted
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint8]*pendingCall
	inflight  uint8
	waiters   []*reportWaiter
	callback  uint8

	events chan Event

	// Shutdown coordination. done closes on Close or connection loss.
	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	eventsDropped atomic.Uint64
	naks          atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64
}

// Dial connects to the controller at cfg.Connection and starts the receive
// loop. The protocol handshake is left to the caller.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s://%s: %w", ErrConnectionFailed, network, address, err)
	}
	return NewClient(conn, cfg), nil
}

// NewClient wraps an established connection and starts the receive loop.
func NewClient(conn net.Conn, cfg ClientConfig) *Client {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		sem:     semaphore.NewWeighted(1),
		pending: make(map[uint8]*pendingCall),
		events:  make(chan Event, cfg.EventQueueSize),
		done:    newCloseOnce(),
	}
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(1)
	go c.receiveLoop()
	return c
}

// parseConnectionURL parses a controller URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidConnection, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("%w: empty socket path", ErrInvalidConnection)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("%w: empty host", ErrInvalidConnection)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use unix or tcp)", ErrInvalidConnection, u.Scheme)
	}
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns a copy of the client statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesTx:      c.framesTx.Load(),
		FramesRx:      c.framesRx.Load(),
		EventsDropped: c.eventsDropped.Load(),
		Naks:          c.naks.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		LastActivity:  time.Unix(c.lastActivity.Load(), 0),
		Connected:     c.IsConnected(),
	}
}

// Close closes the connection and waits for the receive loop to exit.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.done.Close()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// nextCallback returns the next callback id, skipping 0 which marks frames
// that expect no callback.
func (c *Client) nextCallback() uint8 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.callback++
	if c.callback == 0 {
		c.callback = 1
	}
	return c.callback
}

// Call sends a request frame and waits for the response carrying the same
// callback id.
func (c *Client) Call(ctx context.Context, fn Func, payload []byte) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultResponseTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting to send %s: %w", ErrTimeout, fn, err)
	}
	defer c.sem.Release(1)

	cb := c.nextCallback()
	p := &pendingCall{resp: make(chan Frame, 1), ctl: make(chan error, 1)}
	c.pendingMu.Lock()
	c.pending[cb] = p
	c.inflight = cb
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cb)
		c.inflight = 0
		c.pendingMu.Unlock()
	}()

	frame, err := EncodeFrame(Frame{Type: TypeRequest, Func: fn, Callback: cb, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := c.write(frame); err != nil {
		return nil, err
	}
	c.framesTx.Add(1)

	select {
	case f := <-p.resp:
		return f.Payload, nil
	case err := <-p.ctl:
		return nil, fmt.Errorf("%s: %w", fn, err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, fn, ctx.Err())
	case <-c.done.Done():
		return nil, ErrConnectionLost
	}
}

// SendData delivers cmd to node and checks the transmit status.
func (c *Client) SendData(ctx context.Context, node uint16, cmd []byte) error {
	if node == 0 || node > 0xFF {
		return fmt.Errorf("%w: node %d", ErrInvalidTarget, node)
	}
	if len(cmd) > MaxPayload-3 {
		return fmt.Errorf("%w: command of %d bytes", ErrInvalidFrame, len(cmd))
	}
	payload := make([]byte, 0, len(cmd)+3)
	payload = append(payload, byte(node), byte(len(cmd)))
	payload = append(payload, cmd...)
	payload = append(payload, txOptions)

	resp, err := c.Call(ctx, FuncSendData, payload)
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return fmt.Errorf("%w: empty send data response", ErrInvalidFrame)
	}
	switch resp[0] {
	case txStatusOK:
		return nil
	case txStatusNoAck:
		return fmt.Errorf("%w: node %d", ErrNoAck, node)
	default:
		return fmt.Errorf("%w: node %d transmit status 0x%02x", ErrNoAck, node, resp[0])
	}
}

// Request sends cmd to node and waits for a matching application command
// from it. Matching reports are consumed; they do not reach Drain.
func (c *Client) Request(ctx context.Context, node uint16, cmd []byte, match func([]byte) bool) ([]byte, error) {
	w := c.addWaiter(FuncApplicationCommand, node, func(ev Event) bool {
		return match == nil || match(ev.Command)
	})
	defer c.removeWaiter(w)

	if err := c.SendData(ctx, node, cmd); err != nil {
		return nil, err
	}
	ev, err := c.await(ctx, w)
	if err != nil {
		return nil, err
	}
	return ev.Command, nil
}

// Application update status codes.
const (
	updateNodeInfoReceived  = 0x84
	updateNodeInfoReqFailed = 0x81
)

// RequestNodeInfo asks for node's info frame and waits for the application
// update carrying it.
func (c *Client) RequestNodeInfo(ctx context.Context, node uint16) ([]byte, error) {
	if node == 0 || node > 0xFF {
		return nil, fmt.Errorf("%w: node %d", ErrInvalidTarget, node)
	}
	w := c.addWaiter(FuncApplicationUpdate, node, func(ev Event) bool {
		return ev.Status == updateNodeInfoReceived || ev.Status == updateNodeInfoReqFailed
	})
	defer c.removeWaiter(w)

	resp, err := c.Call(ctx, FuncRequestNodeInfo, []byte{byte(node)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] == 0 {
		return nil, fmt.Errorf("%w: node info request for node %d refused", ErrNoAck, node)
	}
	ev, err := c.await(ctx, w)
	if err != nil {
		return nil, err
	}
	if ev.Status == updateNodeInfoReqFailed {
		return nil, fmt.Errorf("%w: node info request for node %d failed", ErrNoAck, node)
	}
	return ev.Command, nil
}

func (c *Client) addWaiter(fn Func, node uint16, match func(Event) bool) *reportWaiter {
	w := &reportWaiter{fn: fn, node: node, match: match, ch: make(chan Event, 1)}
	c.pendingMu.Lock()
	c.waiters = append(c.waiters, w)
	c.pendingMu.Unlock()
	return w
}

func (c *Client) await(ctx context.Context, w *reportWaiter) (Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, fmt.Errorf("%w: node %d: %w", ErrNodeTimeout, w.node, ctx.Err())
	case <-c.done.Done():
		return Event{}, ErrConnectionLost
	}
}

func (c *Client) removeWaiter(w *reportWaiter) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Drain returns and clears the queued events in arrival order.
func (c *Client) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// write sends raw bytes with a write deadline.
func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrConnectionLost, err)
	}
	if _, err := c.conn.Write(b); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrConnectionLost, err)
	}
	return nil
}

// receiveLoop reads frames until the connection drops or Close is called.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer c.handleDisconnect()

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.logError("set read deadline failed", err)
			return
		}

		b, err := c.reader.ReadByte()
		if err != nil {
			if c.handleReadError(err) {
				continue
			}
			return
		}
		c.lastActivity.Store(time.Now().Unix())

		switch b {
		case ACK:
		case NAK, CAN:
			c.naks.Add(1)
			c.failInflight(fmt.Errorf("%w: controller sent 0x%02x", ErrNotUnderstood, b))
		case SOF:
			if !c.readFrame() {
				return
			}
		default:
			c.errorsTotal.Add(1)
			c.logDebug("skipping stray byte", "byte", b)
		}
	}
}

// readFrame reads the rest of a data frame after SOF, acknowledges it and
// dispatches it. It returns false when the connection is gone.
func (c *Client) readFrame() bool {
	n, err := c.reader.ReadByte()
	if err != nil {
		return c.handleReadError(err)
	}
	buf := make([]byte, int(n)+2)
	buf[0], buf[1] = SOF, n
	if _, err := io.ReadFull(c.reader, buf[2:]); err != nil {
		return c.handleReadError(err)
	}

	f, err := ParseFrame(buf)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logDebug("rejecting frame", "error", err)
		return c.write([]byte{NAK}) == nil
	}
	if err := c.write([]byte{ACK}); err != nil {
		return false
	}
	c.framesRx.Add(1)
	c.dispatch(f)
	return true
}

// handleReadError reports whether the loop may continue after err.
func (c *Client) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	select {
	case <-c.done.Done():
	default:
		if !errors.Is(err, io.EOF) {
			c.errorsTotal.Add(1)
		}
		c.logError("controller read failed", err)
	}
	return false
}

// handleDisconnect fails everything waiting on the connection.
func (c *Client) handleDisconnect() {
	wasConnected := c.connected.Swap(false)
	c.done.Close()
	if wasConnected {
		c.logInfo("controller connection lost")
	}
}

func (c *Client) failInflight(err error) {
	c.pendingMu.Lock()
	p := c.pending[c.inflight]
	c.pendingMu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.ctl <- err:
	default:
	}
}

// dispatch routes a frame: responses and callbacks to their pending call,
// application commands to a matching report waiter, the rest to the event
// queue.
func (c *Client) dispatch(f Frame) {
	if f.Type == TypeResponse || f.Callback != 0 {
		c.pendingMu.Lock()
		p := c.pending[f.Callback]
		c.pendingMu.Unlock()
		if p != nil {
			select {
			case p.resp <- f:
			default:
			}
			return
		}
	}

	switch f.Func {
	case FuncApplicationCommand:
		ev, err := parseApplicationCommand(f.Payload)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logDebug("dropping application command", "error", err)
			return
		}
		if c.deliver(ev) {
			return
		}
		c.enqueue(ev)
	case FuncApplicationUpdate:
		ev, err := parseApplicationUpdate(f.Payload)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logDebug("dropping application update", "error", err)
			return
		}
		if c.deliver(ev) {
			return
		}
		c.enqueue(ev)
	default:
		c.logDebug("ignoring unsolicited frame", "func", f.Func.String())
	}
}

// deliver hands ev to the first waiter that wants it.
func (c *Client) deliver(ev Event) bool {
	ev.Received = time.Now()
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, w := range c.waiters {
		if w.fn != ev.Func || w.node != ev.Node || !w.match(ev) {
			continue
		}
		w.ch <- ev
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		return true
	}
	return false
}

func (c *Client) enqueue(ev Event) {
	ev.Received = time.Now()
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		c.logWarn("event queue full, dropping event", "node", ev.Node, "func", ev.Func.String())
	}
}

// parseApplicationCommand decodes node(1) len(1) command(len).
func parseApplicationCommand(p []byte) (Event, error) {
	if len(p) < 2 || len(p) < 2+int(p[1]) || p[1] == 0 {
		return Event{}, fmt.Errorf("%w: application command of %d bytes", ErrInvalidFrame, len(p))
	}
	cmd := make([]byte, p[1])
	copy(cmd, p[2:2+int(p[1])])
	return Event{Func: FuncApplicationCommand, Node: uint16(p[0]), Command: cmd}, nil
}

// parseApplicationUpdate decodes status(1) node(1) len(1) info(len).
func parseApplicationUpdate(p []byte) (Event, error) {
	if len(p) < 3 || len(p) < 3+int(p[2]) {
		return Event{}, fmt.Errorf("%w: application update of %d bytes", ErrInvalidFrame, len(p))
	}
	info := make([]byte, p[2])
	copy(info, p[3:3+int(p[2])])
	return Event{Func: FuncApplicationUpdate, Status: p[0], Node: uint16(p[1]), Command: info}, nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, err error) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
