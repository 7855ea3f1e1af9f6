package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/field"
)

// State is the externally visible state of a driver's control loop.
type State uint8

// Control loop states.
const (
	StateAwaitingConfig State = iota
	StateAwaitingCommRes
	StateConnecting
	StatePolling
	StateStopped
)

var stateNames = [...]string{
	StateAwaitingConfig:  "awaiting_config",
	StateAwaitingCommRes: "awaiting_comm_res",
	StateConnecting:      "connecting",
	StatePolling:         "polling",
	StateStopped:         "stopped",
}

// String returns the snake_case state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PollResult is the outcome of a poll.
type PollResult uint8

// Poll outcomes.
const (
	PollOK PollResult = iota
	PollLostConnection
	PollLostCommResource
)

func (p PollResult) String() string {
	switch p {
	case PollOK:
		return "ok"
	case PollLostConnection:
		return "lost_connection"
	case PollLostCommResource:
		return "lost_comm_resource"
	default:
		return fmt.Sprintf("poll_result(%d)", uint8(p))
	}
}

// BackdoorResult is returned by a driver's vendor extension commands.
type BackdoorResult struct {
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// ResetTimers makes the next poll run immediately and clears the
	// reconnect backoff.
	ResetTimers bool `json:"-"`

	// Reconnect drops the connection after the command so the driver is
	// acquired and connected again, e.g. after re-pointing it at a new
	// target.
	Reconnect bool `json:"-"`
}

// Driver is the device-specific part of a control loop. All methods are
// called on the runner's worker goroutine, one at a time.
type Driver interface {
	// ID returns the driver instance id.
	ID() string

	// NeedsConfig reports whether the driver cannot proceed without
	// externally supplied configuration.
	NeedsConfig() bool

	// AcquireCommResource opens the transport. Failure is retried.
	AcquireCommResource(ctx context.Context) error

	// ReleaseCommResource closes the transport.
	ReleaseCommResource()

	// Connect performs the protocol handshake and returns the fields to
	// register.
	Connect(ctx context.Context) ([]field.Def, error)

	// InitialPoll runs once after fields are registered.
	InitialPoll(ctx context.Context, fields *field.Store) error

	// Poll refreshes pollable fields.
	Poll(ctx context.Context, fields *field.Store) (PollResult, error)

	// WriteField sends a value to the device. The runner has already
	// checked access, kind and limits.
	WriteField(ctx context.Context, def field.Def, v field.Value) error

	// UnitViable reports whether fields of unitID may be written.
	UnitViable(unitID uint16) bool

	// Backdoor runs a vendor extension command.
	Backdoor(ctx context.Context, cmd string, params map[string]string) (BackdoorResult, error)
}

// Config holds the timing of a control loop.
type Config struct {
	// PollInterval is the cadence of Poll while connected.
	PollInterval time.Duration

	// ReconnectInterval is the first retry delay after a failed acquire or
	// connect. It doubles up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// RequestTimeout bounds every device call made on the worker.
	RequestTimeout time.Duration

	// CallTimeout bounds how long a caller waits for the worker.
	CallTimeout time.Duration

	// ProtocolErrorThreshold is the number of consecutive protocol errors
	// treated as connection loss.
	ProtocolErrorThreshold int

	// QueueSize is the request queue capacity.
	QueueSize int
}

// Default timing.
const (
	DefaultPollInterval           = 5 * time.Second
	DefaultReconnectInterval      = 5 * time.Second
	DefaultMaxReconnectInterval   = 2 * time.Minute
	DefaultRequestTimeout         = 10 * time.Second
	DefaultCallTimeout            = 15 * time.Second
	DefaultProtocolErrorThreshold = 3
	DefaultQueueSize              = 64
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = max(DefaultMaxReconnectInterval, c.ReconnectInterval)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ProtocolErrorThreshold <= 0 {
		c.ProtocolErrorThreshold = DefaultProtocolErrorThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Stats holds control loop statistics.
type Stats struct {
	State          State     `json:"state"`
	StateSince     time.Time `json:"state_since"`
	Polls          uint64    `json:"polls"`
	PollFailures   uint64    `json:"poll_failures"`
	Connects       uint64    `json:"connects"`
	ConnectFails   uint64    `json:"connect_failures"`
	Commands       uint64    `json:"commands"`
	ProtocolErrors uint64    `json:"protocol_errors"`
	LastPoll       time.Time `json:"last_poll,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}
