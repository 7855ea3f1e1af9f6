package zwave

import (
	"fmt"
)

// Single-byte control frames.
const (
	SOF byte = 0x01
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18
)

// FrameType distinguishes requests from responses.
type FrameType uint8

// Frame types.
const (
	TypeRequest  FrameType = 0x00
	TypeResponse FrameType = 0x01
)

// Func is a serial API function id.
type Func uint8

// Serial API functions used by the controller.
const (
	FuncGetInitData               Func = 0x02
	FuncApplicationCommand        Func = 0x04
	FuncSendData                  Func = 0x13
	FuncGetVersion                Func = 0x15
	FuncGetNodeProtocolInfo       Func = 0x41
	FuncSetDefault                Func = 0x42
	FuncRequestNodeNeighborUpdate Func = 0x48
	FuncApplicationUpdate         Func = 0x49
	FuncAddNode                   Func = 0x4A
	FuncRemoveNode                Func = 0x4B
	FuncRequestNodeInfo           Func = 0x60
)

var funcNames = map[Func]string{
	FuncGetInitData:               "get_init_data",
	FuncApplicationCommand:        "application_command",
	FuncSendData:                  "send_data",
	FuncGetVersion:                "get_version",
	FuncGetNodeProtocolInfo:       "get_node_protocol_info",
	FuncSetDefault:                "set_default",
	FuncRequestNodeNeighborUpdate: "request_node_neighbor_update",
	FuncApplicationUpdate:         "application_update",
	FuncAddNode:                   "add_node",
	FuncRemoveNode:                "remove_node",
	FuncRequestNodeInfo:           "request_node_info",
}

func (f Func) String() string {
	if n, ok := funcNames[f]; ok {
		return n
	}
	return fmt.Sprintf("func(0x%02x)", uint8(f))
}

// Frame size constraints.
const (
	// frameOverhead counts TYPE, FUNC, CALLBACK and CHECKSUM, the bytes
	// covered by LEN besides the payload.
	frameOverhead = 4

	// MaxPayload keeps LEN within one byte.
	MaxPayload = 0xFF - frameOverhead
)

// Frame is one data frame on the serial API:
//
//	SOF LEN TYPE FUNC CALLBACK payload... CHECKSUM
//
// LEN counts every byte after itself, CHECKSUM included. The checksum is
// 0xFF XORed with every byte from LEN to the end of the payload.
type Frame struct {
	Type     FrameType
	Func     Func
	Callback uint8
	Payload  []byte
}

// Checksum returns the frame checksum over b (LEN through payload).
func Checksum(b []byte) byte {
	sum := byte(0xFF)
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// EncodeFrame serialises f.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidFrame, len(f.Payload))
	}
	buf := make([]byte, 0, len(f.Payload)+frameOverhead+2)
	buf = append(buf, SOF, byte(len(f.Payload)+frameOverhead), byte(f.Type), byte(f.Func), f.Callback)
	buf = append(buf, f.Payload...)
	buf = append(buf, Checksum(buf[1:]))
	return buf, nil
}

// ParseFrame decodes one complete data frame starting at SOF.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < frameOverhead+2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(b))
	}
	if b[0] != SOF {
		return Frame{}, fmt.Errorf("%w: start byte 0x%02x", ErrInvalidFrame, b[0])
	}
	n := int(b[1])
	if n < frameOverhead || len(b) != n+2 {
		return Frame{}, fmt.Errorf("%w: length %d for %d bytes", ErrInvalidFrame, n, len(b))
	}
	last := len(b) - 1
	if sum := Checksum(b[1:last]); sum != b[last] {
		return Frame{}, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrChecksum, b[last], sum)
	}
	t := FrameType(b[2])
	if t != TypeRequest && t != TypeResponse {
		return Frame{}, fmt.Errorf("%w: type 0x%02x", ErrInvalidFrame, b[2])
	}
	payload := make([]byte, last-5)
	copy(payload, b[5:last])
	return Frame{Type: t, Func: Func(b[3]), Callback: b[4], Payload: payload}, nil
}
