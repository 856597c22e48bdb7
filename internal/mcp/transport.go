package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/events"
)

// TransportType discriminates transport configurations.
type TransportType string

// Supported transport types.
const (
	TransportProcess TransportType = "process"
	TransportPush    TransportType = "push"
	TransportSocket  TransportType = "socket"
)

// Transport defaults.
const (
	// DefaultConnectTimeout bounds how long a push channel may take to
	// signal open, and how long a socket dial may take.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is how often a socket sends a ping.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatTimeout is how long a socket waits for the pong.
	DefaultHeartbeatTimeout = 10 * time.Second
)

// TransportConfig describes one MCP server connection. Which fields are
// required depends on Type; see [ValidateConfig].
type TransportConfig struct {
	// Name identifies the server. It keys reconnect state and log lines.
	Name string

	// Type selects the transport.
	Type TransportType

	// Command, Args, Env and Dir configure a process transport. Env
	// entries ("KEY=VALUE") are appended to the host environment.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// URL is the endpoint for push and socket transports.
	URL string

	// Headers are sent with every HTTP request or websocket handshake.
	Headers map[string]string

	// UserAgent replaces the default User-Agent on outbound HTTP and
	// websocket requests.
	UserAgent string

	// ConnectTimeout overrides DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// HeartbeatInterval and HeartbeatTimeout override the socket
	// heartbeat defaults.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Reconnector schedules self-initiated reconnects. When nil, socket
	// and push transports create a private scheduler.
	Reconnector Reconnector

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (c TransportConfig) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return buildinfo.UserAgent()
}

func (c TransportConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c TransportConfig) reconnectKey() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Type) + ":" + c.URL
}

func (c TransportConfig) logger() *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	if c.Name != "" {
		l = l.With("mcp_server", c.Name)
	}
	return l.With("transport", string(c.Type))
}

// Transport is the contract every MCP channel implements. Events are
// delivered synchronously to subscribers in registration order and in
// the order the channel produced them.
type Transport interface {
	// Connect establishes the channel. It is a no-op on a connected
	// transport; Disconnect first to force a fresh channel. Failures are
	// returned as *ConnectionError.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. It always succeeds; notifying
	// the remote side is best-effort. No message events are emitted for
	// data still in flight once Disconnect has been called.
	Disconnect(ctx context.Context) error

	// Send writes one message. Returns ErrNotConnected when there is no
	// open channel. Safe for concurrent use; frames never interleave.
	Send(ctx context.Context, msg *Message) error

	// Subscribe registers h for transport events and returns a function
	// that removes it.
	Subscribe(h Handler) (unsubscribe func())

	// Connected reports whether the channel is open.
	Connected() bool

	// Type returns the transport discriminator.
	Type() TransportType
}

// Handshaker is implemented by transports whose connect sequence already
// performs the MCP initialize exchange. The client uses the stored reply
// instead of sending initialize again.
type Handshaker interface {
	HandshakeResult() *Message
}

// Reconnector coalesces reconnect attempts per key. Schedule returns
// false when an attempt for key is already pending or running.
type Reconnector interface {
	Schedule(key string, fn func(ctx context.Context) error) bool
	Cancel(key string)
}

// EventKind names transport events.
type EventKind string

// Transport event kinds.
const (
	EventConnect    EventKind = "connect"
	EventMessage    EventKind = "message"
	EventError      EventKind = "error"
	EventDisconnect EventKind = "disconnect"
)

// Event is one transport notification. Message is set for
// EventMessage, Err for EventError.
type Event struct {
	Kind    EventKind
	Message *Message
	Err     error
}

// Handler receives transport events.
type Handler func(Event)

// emitter is the event fan-out shared by the concrete transports.
type emitter struct {
	bus *events.Bus[Event]
}

func newEmitter() emitter {
	return emitter{bus: events.New[Event]()}
}

// Subscribe registers h for transport events.
func (e emitter) Subscribe(h Handler) func() {
	return e.bus.Subscribe(h)
}

func (e emitter) emit(ev Event) {
	e.bus.Publish(ev)
}
