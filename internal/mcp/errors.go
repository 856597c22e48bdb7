package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the MCP package.
var (
	// ErrNotConnected is returned by Send when the transport has no open
	// channel. Transports never retry it; the caller decides.
	ErrNotConnected = errors.New("mcp: transport not connected")

	// ErrConnectTimeout is wrapped in a ConnectionError when a channel
	// does not open within its connect window.
	ErrConnectTimeout = errors.New("mcp: connect timed out")

	// ErrClosed is returned for calls pending on a client whose transport
	// disconnected before a response arrived.
	ErrClosed = errors.New("mcp: connection closed")
)

// ConfigurationError reports a malformed or incomplete transport
// configuration. It is fatal: nothing retries it.
type ConfigurationError struct {
	// Field is the configuration key at fault (e.g. "command", "url").
	Field string
	// Reason describes what is wrong with it.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("mcp: invalid transport config: %s: %s", e.Field, e.Reason)
}

// ConnectionError reports that a transport failed to establish or lost
// its channel. Socket and push transports recover from it by scheduling
// a reconnect.
type ConnectionError struct {
	Transport TransportType
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp: %s connection failed: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolParseError reports an inbound frame that is not valid JSON.
// The frame is dropped; the connection stays up.
type ProtocolParseError struct {
	Frame string
	Err   error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("mcp: malformed frame: %v", e.Err)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }

func connErr(t TransportType, format string, args ...any) error {
	return &ConnectionError{Transport: t, Err: fmt.Errorf(format, args...)}
}
