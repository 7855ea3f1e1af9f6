package zwave

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) last(t *testing.T) HealthMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		t.Fatal("nothing published")
	}
	var msg HealthMessage
	if err := json.Unmarshal(m.messages[len(m.messages)-1].payload, &msg); err != nil {
		t.Fatalf("bad health payload: %v", err)
	}
	return msg
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// mockSource implements HealthSource for testing.
type mockSource struct {
	connected bool
	units     []*unit.Unit
}

func (s *mockSource) IsConnected() bool   { return s.connected }
func (s *mockSource) Stats() ClientStats  { return ClientStats{FramesRx: 7, Connected: s.connected} }
func (s *mockSource) Connection() string  { return "tcp://10.0.0.2:4201" }
func (s *mockSource) Info() Info          { return Info{Version: "Z-Wave 7.18"} }
func (s *mockSource) Units() []*unit.Unit { return s.units }

func TestHealthReporter_Status(t *testing.T) {
	tests := []struct {
		name       string
		controller bool
		mqtt       bool
		units      []*unit.Unit
		want       HealthStatus
	}{
		{"healthy", true, true, []*unit.Unit{{ID: 2, State: unit.StateReady}}, HealthHealthy},
		{"controller down", false, true, nil, HealthUnhealthy},
		{"mqtt down", true, false, nil, HealthDegraded},
		{"failed node", true, true, []*unit.Unit{{ID: 2, State: unit.StateFailed}, {ID: 3, State: unit.StateReady}}, HealthDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{connected: tt.mqtt}
			h := NewHealthReporter(HealthReporterConfig{
				DriverID:  "zw1",
				Version:   "1.0.0",
				Publisher: pub,
				Source:    &mockSource{connected: tt.controller, units: tt.units},
				State:     func() string { return "polling" },
			})
			if err := h.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error = %v", err)
			}
			msg := pub.last(t)
			if msg.Status != tt.want {
				t.Errorf("Status = %s, want %s", msg.Status, tt.want)
			}
			if msg.Driver != "zw1" || msg.State != "polling" || msg.Units != len(tt.units) {
				t.Errorf("message = %+v", msg)
			}
			if msg.Connection == nil || msg.Connection.Address != "tcp://10.0.0.2:4201" {
				t.Errorf("Connection = %+v", msg.Connection)
			}
		})
	}
}

func TestHealthReporter_FailedUnitCount(t *testing.T) {
	pub := &mockPublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{
		DriverID:  "zw1",
		Publisher: pub,
		Source: &mockSource{connected: true, units: []*unit.Unit{
			{ID: 2, State: unit.StateFailed}, {ID: 3, State: unit.StateFailed}, {ID: 4, State: unit.StateReady},
		}},
	})
	_ = h.PublishNow()
	msg := pub.last(t)
	if msg.FailedUnits != 2 || msg.Connection.Firmware != "Z-Wave 7.18" {
		t.Errorf("message = %+v", msg)
	}
}

func TestHealthReporter_StartStop(t *testing.T) {
	pub := &mockPublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{
		DriverID:  "zw1",
		Interval:  10 * time.Millisecond,
		Publisher: pub,
		Source:    &mockSource{connected: true},
	})

	h.Start(context.Background())
	eventually(t, func() bool { return pub.count() >= 2 })
	h.Stop()
	h.Stop()

	if msg := pub.last(t); msg.Status != HealthStopping {
		t.Errorf("final status = %s, want stopping", msg.Status)
	}
	pub.mu.Lock()
	first := pub.messages[0]
	pub.mu.Unlock()
	if first.topic != "graymesh/health/zw1" || first.qos != 1 || !first.retained {
		t.Errorf("publish options = %+v", first)
	}
}

func TestHealthReporter_LWT(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{DriverID: "zw1"})
	payload, err := h.LWTPayload()
	if err != nil {
		t.Fatal(err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != HealthOffline || h.LWTTopic() != "graymesh/health/zw1" {
		t.Errorf("LWT = %+v on %s", msg, h.LWTTopic())
	}
}
