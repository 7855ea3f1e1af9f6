package zwave

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// fakeController is the controller end of a net.Pipe.
type fakeController struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPipeClient(t *testing.T, cfg ClientConfig) (*Client, *fakeController) {
	t.Helper()
	a, b := net.Pipe()
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	c := NewClient(a, cfg)
	fc := &fakeController{t: t, conn: b, r: bufio.NewReader(b)}
	t.Cleanup(func() {
		b.Close()
		c.Close()
	})
	return c, fc
}

// readFrame reads one data frame from the client. When ack is true it is
// acknowledged.
func (fc *fakeController) readFrame(ack bool) (Frame, error) {
	_ = fc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sof, err := fc.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if sof != SOF {
		return Frame{}, errors.New("expected SOF")
	}
	n, err := fc.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	buf := make([]byte, int(n)+2)
	buf[0], buf[1] = SOF, n
	if _, err := io.ReadFull(fc.r, buf[2:]); err != nil {
		return Frame{}, err
	}
	f, err := ParseFrame(buf)
	if err != nil {
		return Frame{}, err
	}
	if ack {
		if _, err := fc.conn.Write([]byte{ACK}); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// send writes f and returns the client's acknowledgement byte.
func (fc *fakeController) send(f Frame) (byte, error) {
	b, err := EncodeFrame(f)
	if err != nil {
		return 0, err
	}
	return fc.sendRaw(b)
}

func (fc *fakeController) sendRaw(b []byte) (byte, error) {
	if _, err := fc.conn.Write(b); err != nil {
		return 0, err
	}
	_ = fc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return fc.r.ReadByte()
}

// respond answers the next request with payload.
func (fc *fakeController) respond(payload []byte) error {
	f, err := fc.readFrame(true)
	if err != nil {
		return err
	}
	_, err = fc.send(Frame{Type: TypeResponse, Func: f.Func, Callback: f.Callback, Payload: payload})
	return err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClient_Call(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	errc := make(chan error, 1)
	go func() { errc <- fc.respond([]byte("Z-Wave 7.18\x00\x07")) }()

	resp, err := c.Call(context.Background(), FuncGetVersion, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("fake controller: %v", err)
	}
	version, lib := parseVersion(resp)
	if version != "Z-Wave 7.18" || lib != 7 {
		t.Errorf("response = %q", resp)
	}

	stats := c.Stats()
	if stats.FramesTx != 1 || stats.FramesRx != 1 || !stats.Connected {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestClient_CallRejected(t *testing.T) {
	for _, reply := range []byte{NAK, CAN} {
		c, fc := newPipeClient(t, ClientConfig{})

		errc := make(chan error, 1)
		go func() {
			if _, err := fc.readFrame(false); err != nil {
				errc <- err
				return
			}
			_, err := fc.conn.Write([]byte{reply})
			errc <- err
		}()

		_, err := c.Call(context.Background(), FuncGetInitData, nil)
		if !errors.Is(err, ErrNotUnderstood) {
			t.Errorf("reply 0x%02x: Call() error = %v, want ErrNotUnderstood", reply, err)
		}
		if fault.ClassOf(err) != fault.ClassProtocol {
			t.Errorf("reply 0x%02x: ClassOf() = %q", reply, fault.ClassOf(err))
		}
		if err := <-errc; err != nil {
			t.Fatalf("fake controller: %v", err)
		}
		if c.Stats().Naks != 1 {
			t.Errorf("Naks = %d, want 1", c.Stats().Naks)
		}
	}
}

func TestClient_CallTimeout(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	go func() { _, _ = fc.readFrame(true) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, FuncGetVersion, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Call() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, fault.ErrTransport) {
		t.Errorf("timeout is not a transport error: %v", err)
	}
}

func TestClient_Request(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	errc := make(chan error, 1)
	go func() {
		f, err := fc.readFrame(true)
		if err != nil {
			errc <- err
			return
		}
		// node 5, switch binary get, tx options
		want := []byte{0x05, 0x02, 0x25, 0x02, txOptions}
		if f.Func != FuncSendData || !bytes.Equal(f.Payload, want) {
			errc <- errors.New("unexpected send data frame")
			return
		}
		if _, err := fc.send(Frame{Type: TypeResponse, Func: FuncSendData, Callback: f.Callback, Payload: []byte{txStatusOK}}); err != nil {
			errc <- err
			return
		}
		// Unrelated report from node 9 first, then the answer.
		if _, err := fc.send(Frame{Type: TypeRequest, Func: FuncApplicationCommand, Payload: []byte{0x09, 0x03, 0x25, 0x03, 0x00}}); err != nil {
			errc <- err
			return
		}
		_, err = fc.send(Frame{Type: TypeRequest, Func: FuncApplicationCommand, Payload: []byte{0x05, 0x03, 0x25, 0x03, 0xFF}})
		errc <- err
	}()

	report, err := c.Request(context.Background(), 5, []byte{0x25, 0x02}, func(cmd []byte) bool {
		return len(cmd) >= 2 && cmd[0] == 0x25 && cmd[1] == 0x03
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("fake controller: %v", err)
	}
	if !bytes.Equal(report, []byte{0x25, 0x03, 0xFF}) {
		t.Errorf("report = % x", report)
	}

	events := c.Drain()
	if len(events) != 1 || events[0].Node != 9 || events[0].Func != FuncApplicationCommand {
		t.Fatalf("Drain() = %+v, want the node 9 report", events)
	}
	if len(c.Drain()) != 0 {
		t.Error("Drain() did not clear the queue")
	}
}

func TestClient_SendDataNoAck(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	go func() { _ = fc.respond([]byte{txStatusNoAck}) }()

	err := c.SendData(context.Background(), 12, []byte{0x25, 0x01, 0xFF})
	if !errors.Is(err, ErrNoAck) {
		t.Errorf("SendData() error = %v, want ErrNoAck", err)
	}
	if fault.ClassOf(err) != fault.ClassDeviceUnreachable {
		t.Errorf("ClassOf() = %q", fault.ClassOf(err))
	}
}

func TestClient_RequestNodeInfo(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	errc := make(chan error, 1)
	go func() {
		if err := fc.respond([]byte{0x01}); err != nil {
			errc <- err
			return
		}
		info := []byte{0x04, 0x10, 0x01, 0x25, 0x72, 0x86}
		payload := append([]byte{updateNodeInfoReceived, 0x05, byte(len(info))}, info...)
		_, err := fc.send(Frame{Type: TypeRequest, Func: FuncApplicationUpdate, Payload: payload})
		errc <- err
	}()

	nif, err := c.RequestNodeInfo(context.Background(), 5)
	if err != nil {
		t.Fatalf("RequestNodeInfo() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("fake controller: %v", err)
	}
	if !bytes.Equal(nif, []byte{0x04, 0x10, 0x01, 0x25, 0x72, 0x86}) {
		t.Errorf("node info = % x", nif)
	}
}

func TestClient_RejectsBadChecksum(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	b, _ := EncodeFrame(Frame{Type: TypeRequest, Func: FuncApplicationCommand, Payload: []byte{0x05, 0x02, 0x84, 0x07}})
	b[len(b)-1] ^= 0x55

	reply, err := fc.sendRaw(b)
	if err != nil {
		t.Fatalf("sendRaw() error = %v", err)
	}
	if reply != NAK {
		t.Errorf("client replied 0x%02x, want NAK", reply)
	}
	eventually(t, func() bool { return c.Stats().ErrorsTotal > 0 })
	if len(c.Drain()) != 0 {
		t.Error("corrupt frame reached the event queue")
	}
}

func TestClient_EventQueueOverflow(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{EventQueueSize: 1})

	for range 2 {
		if _, err := fc.send(Frame{Type: TypeRequest, Func: FuncApplicationCommand, Payload: []byte{0x05, 0x02, 0x84, 0x07}}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool { return c.Stats().EventsDropped == 1 })
	if n := len(c.Drain()); n != 1 {
		t.Errorf("Drain() returned %d events, want 1", n)
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	c, fc := newPipeClient(t, ClientConfig{})

	go func() {
		_, _ = fc.readFrame(true)
		fc.conn.Close()
	}()

	_, err := c.Call(context.Background(), FuncGetVersion, nil)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Call() error = %v, want ErrConnectionLost", err)
	}
	eventually(t, func() bool { return !c.IsConnected() })

	if _, err := c.Call(context.Background(), FuncGetVersion, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call() after loss error = %v, want ErrNotConnected", err)
	}
}

func TestClient_ReadTimeoutIsNotAnError(t *testing.T) {
	c, _ := newPipeClient(t, ClientConfig{ReadTimeout: 20 * time.Millisecond})

	time.Sleep(100 * time.Millisecond)
	if !c.IsConnected() {
		t.Error("idle connection dropped after read timeouts")
	}
}
