package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

// testConfig targets a local broker; broker tests skip when none answers.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graymesh-test",
		},
		QoS:       1,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 5},
	}
}

func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("broker tests skipped in short mode")
	}
	c, err := Connect(testConfig())
	if err != nil {
		t.Skipf("no MQTT broker at 127.0.0.1:1883: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got  string
		want string
	}{
		{topics.State("zw1", "node003_level"), "graymesh/state/zw1/node003_level"},
		{topics.Command("zw1", "node003_level"), "graymesh/command/zw1/node003_level"},
		{topics.Ack("zw1", "node003_level"), "graymesh/ack/zw1/node003_level"},
		{topics.Health("zw1"), "graymesh/health/zw1"},
		{topics.SystemStatus(), "graymesh/system/status"},
		{topics.AllCommands("zw1"), "graymesh/command/zw1/+"},
		{topics.AllStates(), "graymesh/state/+/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseFieldTopic(t *testing.T) {
	tests := []struct {
		topic    string
		category string
		driverID string
		field    string
		ok       bool
	}{
		{"graymesh/command/zw1/level", CategoryCommand, "zw1", "level", true},
		{"graymesh/state/zw2/temp", CategoryState, "zw2", "temp", true},
		{"graymesh/ack/zw1/level", CategoryAck, "zw1", "level", true},
		{"graymesh/health/zw1", "", "", "", false},
		{"graymesh/bogus/zw1/level", "", "", "", false},
		{"other/command/zw1/level", "", "", "", false},
		{"graymesh/command//level", "", "", "", false},
		{"graymesh/command/zw1/level/extra", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			category, driverID, field, ok := ParseFieldTopic(tt.topic)
			if category != tt.category || driverID != tt.driverID || field != tt.field || ok != tt.ok {
				t.Errorf("ParseFieldTopic() = %q, %q, %q, %v", category, driverID, field, ok)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "hub", Password: "secret"}
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "graymesh-test" || opts.Username != "hub" || opts.Password != "secret" {
		t.Errorf("identity = %q %q %q", opts.ClientID, opts.Username, opts.Password)
	}
	if !opts.AutoReconnect || !opts.CleanSession || opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("reconnect options = %v %v %v", opts.AutoReconnect, opts.CleanSession, opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil {
		t.Error("TLS configured without tls: true")
	}
	if !opts.WillEnabled || opts.WillTopic != "graymesh/system/status" || !opts.WillRetained {
		t.Errorf("will = %v %q %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}

	var will map[string]string
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("will payload not JSON: %v", err)
	}
	if will["status"] != "offline" || will["reason"] != "unexpected_disconnect" {
		t.Errorf("will payload = %v", will)
	}

	cfg.Broker.TLS = true
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	if buildClientOptions(cfg).TLSConfig == nil {
		t.Error("TLS not configured")
	}
}

func TestStatusPayload(t *testing.T) {
	p := statusPayload("hub", "online", "")
	if strings.Contains(p, "reason") {
		t.Errorf("online payload has reason: %s", p)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(p), &m); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if m["client_id"] != "hub" || m["status"] != "online" || m["timestamp"] == "" {
		t.Errorf("payload = %v", m)
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("t", nil, 3, false), ErrInvalidQoS},
		{"publish too large", c.Publish("t", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("t", []byte("x"), 1, false), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("t", 3, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("t", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("t", 1, handler), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("t"), ErrNotConnected},
		{"health", c.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 || c.HasSubscription("t") {
		t.Error("failed subscribe was tracked")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v", err)
	}
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v", err)
	}
}

func TestDispatchRecoversAndLogs(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "t", nil)
	c.dispatch(func(string, []byte) error { return nil }, "t", nil)

	if len(logger.errors) != 1 || len(logger.warns) != 1 {
		t.Errorf("errors=%v warns=%v", logger.errors, logger.warns)
	}

	// No logger set: must not panic.
	(&Client{}).dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	c := connectOrSkip(t)

	received := make(chan string, 1)
	topic := Topics{}.Command("test-driver", "roundtrip")
	err := c.Subscribe(Topics{}.AllCommands("test-driver"), 1, func(topic string, payload []byte) error {
		_, _, field, _ := ParseFieldTopic(topic)
		received <- field + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !c.HasSubscription(Topics{}.AllCommands("test-driver")) {
		t.Error("subscription not tracked")
	}

	if err := c.Publish(topic, []byte(`42`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "roundtrip=42" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := c.Unsubscribe(Topics{}.AllCommands("test-driver")); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d", c.SubscriptionCount())
	}
}
