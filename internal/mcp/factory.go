package mcp

import (
	"net/url"
	"strings"
)

// typeAliases maps accepted spellings onto the canonical transport types.
var typeAliases = map[string]TransportType{
	"process":   TransportProcess,
	"stdio":     TransportProcess,
	"push":      TransportPush,
	"sse":       TransportPush,
	"http":      TransportPush,
	"socket":    TransportSocket,
	"websocket": TransportSocket,
	"ws":        TransportSocket,
}

// ParseTransportType resolves a configured type name, accepting the
// aliases stdio, sse, http, websocket and ws.
func ParseTransportType(s string) (TransportType, bool) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// ValidateConfig checks cfg for the fields its transport type requires.
// It performs no I/O. Failures are returned as *ConfigurationError.
func ValidateConfig(cfg TransportConfig) error {
	typ, ok := ParseTransportType(string(cfg.Type))
	if !ok {
		if cfg.Type == "" {
			return &ConfigurationError{Field: "type", Reason: "required"}
		}
		return &ConfigurationError{Field: "type", Reason: "unknown transport type " + quote(string(cfg.Type))}
	}

	switch typ {
	case TransportProcess:
		if strings.TrimSpace(cfg.Command) == "" {
			return &ConfigurationError{Field: "command", Reason: "required for process transport"}
		}
	case TransportPush:
		if err := validateURL(cfg.URL, "http", "https"); err != nil {
			return err
		}
	case TransportSocket:
		if err := validateURL(cfg.URL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}

	durations := []struct {
		field string
		value int64
	}{
		{"connect_timeout", int64(cfg.ConnectTimeout)},
		{"heartbeat_interval", int64(cfg.HeartbeatInterval)},
		{"heartbeat_timeout", int64(cfg.HeartbeatTimeout)},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ConfigurationError{Field: d.field, Reason: "must not be negative"}
		}
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigurationError{Field: "url", Reason: "required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigurationError{Field: "url", Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return &ConfigurationError{Field: "url", Reason: "must be an absolute URL with a host"}
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return &ConfigurationError{
		Field:  "url",
		Reason: "scheme " + quote(u.Scheme) + " not one of " + strings.Join(schemes, ", "),
	}
}

func quote(s string) string { return `"` + s + `"` }

// NewTransport validates cfg and returns the matching transport. Nothing
// is dialed or spawned until Connect.
func NewTransport(cfg TransportConfig) (Transport, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	typ, _ := ParseTransportType(string(cfg.Type))
	cfg.Type = typ

	switch typ {
	case TransportProcess:
		return NewStdioTransport(cfg), nil
	case TransportPush:
		return NewPushTransport(cfg), nil
	default:
		return NewSocketTransport(cfg), nil
	}
}
