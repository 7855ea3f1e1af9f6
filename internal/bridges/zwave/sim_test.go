package zwave

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// simNode is a device on the simulated network.
type simNode struct {
	listening bool
	generic   uint8
	classes   map[capability.ID]uint8
	sig       catalog.Signature
	groups    uint8
	members   map[uint8][]capability.Target
	params    map[uint8]unit.ParamValue
	on        bool
	dead      bool
}

func (n *simNode) nodeInfo() []byte {
	out := []byte{0x04, n.generic, 0x01}
	for _, id := range slices.Sorted(maps.Keys(n.classes)) {
		out = append(out, byte(id))
	}
	return out
}

// handle applies cmd and returns the report it triggers, if any.
func (n *simNode) handle(cmd []byte) []byte {
	if len(cmd) < 2 {
		return nil
	}
	switch capability.ID(cmd[0]) {
	case capability.Version:
		if cmd[1] == 0x13 && len(cmd) >= 3 {
			return []byte{byte(capability.Version), 0x14, cmd[2], n.classes[capability.ID(cmd[2])]}
		}
	case capability.ManufacturerSpecific:
		if cmd[1] == 0x04 {
			s := n.sig
			return []byte{byte(capability.ManufacturerSpecific), 0x05,
				byte(s.Vendor >> 8), byte(s.Vendor), byte(s.ProductType >> 8), byte(s.ProductType),
				byte(s.ProductID >> 8), byte(s.ProductID)}
		}
	case capability.Association, capability.MultiChannelAssociation:
		return n.association(cmd)
	case capability.Configuration:
		switch cmd[1] {
		case 0x05:
			pv, ok := n.params[cmd[2]]
			if !ok {
				return nil
			}
			report, _ := capability.ConfigurationSet(cmd[2], pv.Width, pv.Value)
			report[1] = 0x06
			return report
		case 0x04:
			report := slices.Clone(cmd)
			report[1] = 0x06
			number, width, value, err := capability.ParseConfigurationReport(report)
			if err == nil {
				n.params[number] = unit.ParamValue{Value: value, Width: width}
			}
		}
	case capability.SwitchBinary:
		switch cmd[1] {
		case 0x02:
			v := byte(0x00)
			if n.on {
				v = 0xFF
			}
			return []byte{byte(capability.SwitchBinary), 0x03, v}
		case 0x01:
			n.on = cmd[2] != 0
		}
	}
	return nil
}

func (n *simNode) association(cmd []byte) []byte {
	switch cmd[1] {
	case 0x05:
		return []byte{byte(capability.Association), 0x06, n.groups}
	case 0x02:
		g := cmd[2]
		report := []byte{cmd[0], 0x03, g, 5, 0}
		var endpoints []byte
		for _, t := range n.members[g] {
			if t.Endpoint == 0 {
				report = append(report, byte(t.Node))
			} else {
				endpoints = append(endpoints, byte(t.Node), t.Endpoint)
			}
		}
		if capability.ID(cmd[0]) == capability.MultiChannelAssociation && len(endpoints) > 0 {
			report = append(append(report, 0x00), endpoints...)
		}
		return report
	case 0x01, 0x04:
		t := capability.Target{Node: uint16(cmd[3])}
		if len(cmd) >= 6 && cmd[3] == 0x00 {
			t = capability.Target{Node: uint16(cmd[4]), Endpoint: cmd[5]}
		}
		g := cmd[2]
		n.members[g] = slices.DeleteFunc(n.members[g], func(o capability.Target) bool { return o == t })
		if cmd[1] == 0x01 {
			n.members[g] = append(n.members[g], t)
		}
	}
	return nil
}

// simTransport implements Transport over a set of simNodes.
type simTransport struct {
	mu        sync.Mutex
	nodes     map[uint16]*simNode
	events    []Event
	sent      []string
	connected bool
	closed    bool

	joining uint16 // node that joins on the next inclusion
	leaving uint16 // node that leaves on the next exclusion
}

func newSimTransport(nodes map[uint16]*simNode) *simTransport {
	if nodes == nil {
		nodes = map[uint16]*simNode{}
	}
	return &simTransport{nodes: nodes, connected: true}
}

func (s *simTransport) node(id uint16) *simNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

func (s *simTransport) push(node uint16, cmd ...byte) {
	s.mu.Lock()
	s.events = append(s.events, Event{Func: FuncApplicationCommand, Node: node, Command: cmd})
	s.mu.Unlock()
}

// sentCount returns how many commands were delivered to nodes.
func (s *simTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *simTransport) Call(_ context.Context, fn Func, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	switch fn {
	case FuncGetVersion:
		return []byte("Z-Wave 7.18\x00\x07"), nil
	case FuncGetInitData:
		mask := make([]byte, initDataBitmaskLen)
		mask[0] = 0x01 // the controller itself
		for id := range s.nodes {
			mask[(id-1)/8] |= 1 << ((id - 1) % 8)
		}
		return append([]byte{0x05, 0x00, initDataBitmaskLen}, mask...), nil
	case FuncGetNodeProtocolInfo:
		n := s.nodes[uint16(payload[0])]
		if n == nil {
			return make([]byte, 6), nil
		}
		caps := byte(0x53)
		if n.listening {
			caps |= listeningFlag
		}
		return []byte{caps, 0x9C, 0x00, 0x04, n.generic, 0x01}, nil
	case FuncAddNode:
		if s.joining == 0 {
			return []byte{0x07, 0x00}, nil
		}
		id := s.joining
		s.joining = 0
		return []byte{statusSuccess, byte(id)}, nil
	case FuncRemoveNode:
		id := s.leaving
		s.leaving = 0
		delete(s.nodes, id)
		return []byte{statusSuccess, byte(id)}, nil
	case FuncSetDefault:
		clear(s.nodes)
		return []byte{statusSuccess}, nil
	case FuncRequestNodeNeighborUpdate:
		return []byte{statusSuccess}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotUnderstood, fn)
	}
}

func (s *simTransport) SendData(_ context.Context, node uint16, cmd []byte) error {
	_, err := s.deliver(node, cmd)
	return err
}

func (s *simTransport) deliver(node uint16, cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	n := s.nodes[node]
	if n == nil || n.dead {
		return nil, fmt.Errorf("%w: node %d", ErrNoAck, node)
	}
	s.sent = append(s.sent, fmt.Sprintf("%d:% x", node, cmd))
	return n.handle(cmd), nil
}

func (s *simTransport) Request(_ context.Context, node uint16, cmd []byte, match func([]byte) bool) ([]byte, error) {
	report, err := s.deliver(node, cmd)
	if err != nil {
		return nil, err
	}
	if report == nil || (match != nil && !match(report)) {
		return nil, fmt.Errorf("%w: node %d", ErrNodeTimeout, node)
	}
	return report, nil
}

func (s *simTransport) RequestNodeInfo(_ context.Context, node uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[node]
	if n == nil || n.dead {
		return nil, fmt.Errorf("%w: node %d", ErrNoAck, node)
	}
	return n.nodeInfo(), nil
}

func (s *simTransport) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func (s *simTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *simTransport) Stats() ClientStats {
	return ClientStats{Connected: s.IsConnected()}
}

func (s *simTransport) Close() error {
	s.mu.Lock()
	s.connected = false
	s.closed = true
	s.mu.Unlock()
	return nil
}

var switchSig = catalog.Signature{Vendor: 0x0086, ProductType: 0x0003, ProductID: 0x0099}

const switchTemplate = `
name: Test Switch
capabilities:
  - {id: 0x25, version: 1}
  - {id: 0x70, version: 1}
  - {id: 0x72, version: 1}
  - {id: 0x85, version: 2}
  - {id: 0x86, version: 1}
groups:
  - {id: 1, label: Lifeline, max_nodes: 5}
  - {id: 2, label: Switch, max_nodes: 5}
parameters:
  - {number: 3, width: 1, label: LED mode, min: 0, max: 2, default: 1}
  - {number: 7, width: 2, label: Report interval, min: 0, max: 1000, default: 300}
`

func testCatalog() *catalog.Catalog {
	return catalog.New(catalog.MapSource{switchSig: []byte(switchTemplate)})
}

// newSwitchNode is a listening switch matching switchTemplate.
func newSwitchNode() *simNode {
	return &simNode{
		listening: true,
		generic:   0x10,
		classes: map[capability.ID]uint8{
			capability.SwitchBinary:         1,
			capability.Configuration:        1,
			capability.ManufacturerSpecific: 1,
			capability.Association:          2,
			capability.Version:              1,
		},
		sig:     switchSig,
		groups:  2,
		members: map[uint8][]capability.Target{1: {{Node: 1}}},
		params: map[uint8]unit.ParamValue{
			3: {Value: 1, Width: 1},
			7: {Value: 300, Width: 2},
		},
	}
}

// newSensorNode is a sleeping sensor without a template.
func newSensorNode() *simNode {
	return &simNode{
		generic: 0x21,
		classes: map[capability.ID]uint8{
			capability.SensorMultilevel:     5,
			capability.ManufacturerSpecific: 1,
			capability.WakeUp:               2,
			capability.Association:          2,
			capability.Version:              1,
		},
		sig:     catalog.Signature{Vendor: 0x0999, ProductType: 1, ProductID: 1},
		groups:  3,
		members: map[uint8][]capability.Target{},
		params:  map[uint8]unit.ParamValue{},
	}
}
